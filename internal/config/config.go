// Package config loads the shell's YAML configuration file.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/nixpig/jobshell/internal/jobmanager/pgroup"
	"github.com/spf13/afero"
	"sigs.k8s.io/yaml"
)

//go:embed default/config.yaml
var defaultConfigData []byte

const (
	ConfigurationName = "config.yaml"
	ConfigurationDir  = "jobshell"
)

// ErrNotFound is returned by Load when the configuration file does not exist.
var ErrNotFound = errors.New("configuration not found")

const (
	ColorAlways = "always"
	ColorAuto   = "auto"
	ColorNever  = "never"
)

type Configuration struct {
	Prompt       string `json:"prompt"`
	HistoryFile  string `json:"history_file"`
	HistoryLimit int    `json:"history_limit" validate:"gte=-1"`
	Color        string `json:"color" validate:"oneof=always auto never"`
	NotifyDone   bool   `json:"notify_done"`
	KillSignal   string `json:"kill_signal" validate:"required,signal"`

	JobLog JobLog `json:"job_log"`

	Aliases map[string]string `json:"aliases" validate:"dive,keys,required,excludesall=&; ()<>0x7C,endkeys,required"`
}

type JobLog struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// Validate the configuration for basic semantic errors.
func (c *Configuration) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		return name
	})

	if err := validate.RegisterValidation("signal", func(fl validator.FieldLevel) bool {
		_, err := pgroup.ParseSignal(fl.Field().String())
		return err == nil
	}); err != nil {
		return err
	}

	return validate.Struct(c)
}

// Default returns the built-in configuration.
func Default() *Configuration {
	var out Configuration
	if err := yaml.UnmarshalStrict(defaultConfigData, &out); err != nil {
		panic(err)
	}

	return &out
}

// DefaultPath returns the configuration file location under the user's
// configuration directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, ConfigurationDir, ConfigurationName), nil
}

// Load reads the configuration file at path. Keys missing from the file keep
// their default values. The result is validated.
func Load(fsys afero.Fs, path string) (*Configuration, error) {
	data, err := afero.ReadFile(fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	if err != nil {
		return nil, fmt.Errorf("read configuration: %w", err)
	}

	out := Default()

	// Aliases given in the file replace the default set rather than merging
	// into it.
	defaultAliases := out.Aliases
	out.Aliases = nil

	if err := yaml.UnmarshalStrict(data, out); err != nil {
		return nil, fmt.Errorf("parse configuration %s: %w", path, err)
	}

	if out.Aliases == nil {
		out.Aliases = defaultAliases
	}

	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}

	return out, nil
}

// ExpandPath replaces a leading "~" in path with home.
func ExpandPath(path, home string) string {
	switch {
	case path == "~":
		return home
	case strings.HasPrefix(path, "~/"):
		return filepath.Join(home, path[2:])
	}

	return path
}
