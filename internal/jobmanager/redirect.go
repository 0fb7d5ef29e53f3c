package jobmanager

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// RedirectOp is the kind of a file redirection.
type RedirectOp int

const (
	// RedirectIn opens the target for reading as the stage's stdin ("<").
	RedirectIn RedirectOp = iota + 1

	// RedirectOut truncates or creates the target as the stage's stdout (">").
	RedirectOut

	// RedirectAppend appends to or creates the target as the stage's stdout
	// (">>").
	RedirectAppend
)

var redirectOps = []string{"", "<", ">", ">>"}

func (op RedirectOp) String() string {
	if int(op) < 0 || int(op) >= len(redirectOps) {
		return redirectOps[0]
	}

	return redirectOps[op]
}

// Redirection is a single redirection of a stage.
type Redirection struct {
	Op     RedirectOp
	Target string
}

// Stage is one command of a pipeline with its redirections stripped from the
// arguments.
type Stage struct {
	Args         []string
	Redirections []Redirection
}

// Name returns the command name of the stage.
func (s Stage) Name() string {
	if len(s.Args) == 0 {
		return ""
	}

	return s.Args[0]
}

// redirectsInput reports whether the stage reads its stdin from a file.
func (s Stage) redirectsInput() bool {
	for _, r := range s.Redirections {
		if r.Op == RedirectIn {
			return true
		}
	}

	return false
}

// redirectsOutput reports whether the stage writes its stdout to a file.
func (s Stage) redirectsOutput() bool {
	for _, r := range s.Redirections {
		if r.Op == RedirectOut || r.Op == RedirectAppend {
			return true
		}
	}

	return false
}

// ParseRedirections strips "<f", ">f" and ">>f" from argv, either attached to
// the target or as a separate token, and returns the remaining arguments with
// the redirections in order of occurrence.
func ParseRedirections(argv []string) (Stage, error) {
	stage := Stage{Args: make([]string, 0, len(argv))}

	for i := 0; i < len(argv); i++ {
		token := argv[i]

		op, target := splitRedirection(token)
		if op == 0 {
			stage.Args = append(stage.Args, token)
			continue
		}

		if target == "" {
			if i+1 >= len(argv) {
				return Stage{}, fmt.Errorf(
					"%w: missing target for %s",
					ErrSyntax,
					op,
				)
			}

			i++
			target = argv[i]
		}

		stage.Redirections = append(stage.Redirections, Redirection{
			Op:     op,
			Target: target,
		})
	}

	return stage, nil
}

func splitRedirection(token string) (RedirectOp, string) {
	switch {
	case strings.HasPrefix(token, ">>"):
		return RedirectAppend, token[2:]
	case strings.HasPrefix(token, ">"):
		return RedirectOut, token[1:]
	case strings.HasPrefix(token, "<"):
		return RedirectIn, token[1:]
	default:
		return 0, ""
	}
}

// ParsePipeline parses the redirections of every stage and validates the
// result with ValidatePipeline.
func ParsePipeline(stages [][]string) ([]Stage, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: empty pipeline", ErrSyntax)
	}

	parsed := make([]Stage, 0, len(stages))

	for _, argv := range stages {
		stage, err := ParseRedirections(argv)
		if err != nil {
			return nil, err
		}

		parsed = append(parsed, stage)
	}

	if err := ValidatePipeline(parsed); err != nil {
		return nil, err
	}

	return parsed, nil
}

// ValidatePipeline checks the pipeline shape: no stage may be empty, only the
// first stage may redirect its stdin and only the last stage may redirect its
// stdout.
func ValidatePipeline(stages []Stage) error {
	if len(stages) == 0 {
		return fmt.Errorf("%w: empty pipeline", ErrSyntax)
	}

	for i, stage := range stages {
		if len(stage.Args) == 0 {
			return fmt.Errorf("%w: empty command in pipeline", ErrSyntax)
		}

		for _, r := range stage.Redirections {
			if r.Target == "" {
				return fmt.Errorf("%w: missing target for %s", ErrSyntax, r.Op)
			}
		}

		if i > 0 && stage.redirectsInput() {
			return fmt.Errorf(
				"%w: %s: input redirection on a piped stage",
				ErrSyntax,
				stage.Name(),
			)
		}

		if i < len(stages)-1 && stage.redirectsOutput() {
			return fmt.Errorf(
				"%w: %s: output redirection on a piped stage",
				ErrSyntax,
				stage.Name(),
			)
		}
	}

	return nil
}

// openedRedirections holds the files opened for a stage's redirections. A
// nil field means the stream is not redirected.
type openedRedirections struct {
	stdin  *os.File
	stdout *os.File
}

func (o openedRedirections) close() {
	if o.stdin != nil {
		o.stdin.Close()
	}

	if o.stdout != nil {
		o.stdout.Close()
	}
}

// openRedirections opens the stage's redirection targets in order. A later
// redirection of the same stream supersedes and closes the earlier one, but
// its file is still created or truncated.
func (s Stage) openRedirections() (openedRedirections, error) {
	var opened openedRedirections

	for _, r := range s.Redirections {
		var (
			f   *os.File
			err error
		)

		switch r.Op {
		case RedirectIn:
			f, err = os.Open(r.Target)
		case RedirectOut:
			f, err = os.OpenFile(r.Target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		case RedirectAppend:
			f, err = os.OpenFile(r.Target, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		}

		if err != nil {
			opened.close()

			var pathErr *fs.PathError
			if errors.As(err, &pathErr) {
				err = pathErr.Err
			}

			return openedRedirections{}, &CommandError{
				Command: r.Target,
				Err:     fmt.Errorf("%w: %w", ErrRedirect, err),
			}
		}

		if r.Op == RedirectIn {
			if opened.stdin != nil {
				opened.stdin.Close()
			}

			opened.stdin = f
		} else {
			if opened.stdout != nil {
				opened.stdout.Close()
			}

			opened.stdout = f
		}
	}

	return opened, nil
}
