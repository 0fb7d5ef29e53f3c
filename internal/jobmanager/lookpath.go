package jobmanager

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// PathSearcher resolves a command name to an executable path.
type PathSearcher interface {
	// LookPath returns the path of the executable for file. It returns
	// ErrCommandNotFound if nothing matches and ErrPermissionDenied if the
	// only matches are not executable.
	LookPath(file string) (string, error)
}

// SystemPath searches the directories listed in PATH. An empty entry in PATH
// means the current directory.
type SystemPath struct {
	// Getenv reads PATH. os.Getenv is used when nil.
	Getenv func(key string) string
}

var _ PathSearcher = SystemPath{}

func (p SystemPath) LookPath(file string) (string, error) {
	if file == "" {
		return "", ErrCommandNotFound
	}

	// Names with a slash are not searched for.
	if strings.Contains(file, "/") {
		if err := checkExecutable(file); err != nil {
			return "", err
		}

		return file, nil
	}

	getenv := p.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	denied := false

	for _, dir := range filepath.SplitList(getenv("PATH")) {
		if dir == "" {
			dir = "."
		}

		path := filepath.Join(dir, file)

		err := checkExecutable(path)
		if err == nil {
			return path, nil
		}

		if errors.Is(err, ErrPermissionDenied) {
			denied = true
		}
	}

	if denied {
		return "", ErrPermissionDenied
	}

	return "", ErrCommandNotFound
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return ErrPermissionDenied
		}

		return ErrCommandNotFound
	}

	if info.IsDir() || info.Mode().Perm()&0111 == 0 {
		return ErrPermissionDenied
	}

	return nil
}
