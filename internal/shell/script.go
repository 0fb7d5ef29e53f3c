package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nixpig/jobshell/internal/jobmanager"
	"mvdan.cc/sh/v3/syntax"
)

// RunLine parses and runs one complete command line and returns its status.
func (s *Shell) RunLine(ctx context.Context, line string) int {
	f, err := parser().Parse(strings.NewReader(line), "")
	if err != nil {
		s.diagnose(fmt.Errorf("%w: %w", jobmanager.ErrSyntax, err))
		s.setStatus(jobmanager.ExitFailure)

		return jobmanager.ExitFailure
	}

	return s.runStmts(ctx, f.Stmts)
}

// RunCommand runs the commands in text, as given to -c, and returns the
// shell's exit status.
func (s *Shell) RunCommand(ctx context.Context, text string, args []string) int {
	s.setArgs(args)

	return s.exitStatus(s.RunLine(ctx, text))
}

// RunReader runs commands from r one statement at a time, stopping at the
// first syntax error, and returns the shell's exit status.
func (s *Shell) RunReader(ctx context.Context, r io.Reader, name string, args []string) int {
	s.setArgs(args)

	return s.exitStatus(s.runReader(ctx, r, name))
}

func (s *Shell) runReader(ctx context.Context, r io.Reader, name string) int {
	code := s.LastStatus()

	err := parser().Stmts(r, func(stmt *syntax.Stmt) bool {
		code = s.runStmt(ctx, stmt)
		return !s.stopped(ctx)
	})
	if err != nil {
		var perr syntax.ParseError
		if errors.As(err, &perr) && perr.Filename == "" {
			perr.Filename = name
			err = perr
		}

		s.diagnose(fmt.Errorf("%w: %w", jobmanager.ErrSyntax, err))
		code = jobmanager.ExitFailure
		s.setStatus(code)
	}

	return code
}

// RunScript runs the commands in the file at path in the current shell, with
// args, when given, as its positional parameters. Aliases, variables and directory changes
// made by the script stay in effect.
func (s *Shell) RunScript(ctx context.Context, path string, args []string) int {
	s.mu.Lock()
	if s.depth >= maxSourceDepth {
		s.mu.Unlock()
		s.diagnose(fmt.Errorf("%s: maximum nesting depth exceeded", path))

		return jobmanager.ExitFailure
	}

	s.depth++
	saved := s.args
	if len(args) > 0 {
		s.args = append([]string(nil), args...)
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.depth--
		s.args = saved
		s.mu.Unlock()
	}()

	f, err := s.fs.Open(path)
	if err != nil {
		s.diagnose(err)
		s.setStatus(jobmanager.ExitFailure)

		return jobmanager.ExitFailure
	}
	defer f.Close()

	return s.runReader(ctx, f, path)
}

// exitStatus is the status the shell exits with: the code passed to exit, or
// the status of the last command.
func (s *Shell) exitStatus(last int) int {
	if code, ok := s.Exited(); ok {
		return code
	}

	return last
}

func (s *Shell) setArgs(args []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.args = append([]string(nil), args...)
}
