package jobmanager

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound      = errors.New("no such job")
	ErrCommandNotFound  = errors.New("command not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSpawnFailure     = errors.New("failed to start")
	ErrRedirect         = errors.New("cannot open redirection")
	ErrSyntax           = errors.New("syntax error")
	ErrUnsupported      = errors.New("job control is not supported on this platform")
	ErrNoProcessGroup   = errors.New("job has no process group")
)

const (
	// ExitSuccess is returned by a command that completed successfully.
	ExitSuccess = 0

	// ExitFailure is returned for generic failures, including syntax errors.
	ExitFailure = 1

	// ExitCannotExecute is returned when a command was found but could not be
	// executed, or its redirections could not be opened.
	ExitCannotExecute = 126

	// ExitNotFound is returned when a command could not be resolved.
	ExitNotFound = 127
)

// InvalidStateError is returned when attempting an invalid Job status
// transition.
type InvalidStateError struct {
	from JobStatus
	to   JobStatus
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot go from %s to %s", e.from, e.to)
}

func NewInvalidStateError(from, to JobStatus) InvalidStateError {
	return InvalidStateError{from, to}
}

// CommandError is returned when a single pipeline stage fails to resolve or
// start.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// JobError is returned by job control operations on a specific job.
type JobError struct {
	ID  int
	Err error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %d: %v", e.ID, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error returned by the Manager to the exit code the shell
// reports for it.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, ErrCommandNotFound):
		return ExitNotFound
	case errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrSpawnFailure),
		errors.Is(err, ErrRedirect):
		return ExitCannotExecute
	default:
		return ExitFailure
	}
}
