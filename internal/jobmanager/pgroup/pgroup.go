// Package pgroup wraps the platform primitives used for job control: placing
// children into process groups, signalling whole groups, polling child state
// changes without blocking, and handing the controlling terminal between the
// shell and a job.
package pgroup

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	ErrUnsupported   = errors.New("job control is not supported on this platform")
	ErrNotTerminal   = errors.New("not a terminal")
	ErrNotForeground = errors.New("shell is not the terminal foreground process group")
	ErrUnknownSignal = errors.New("unknown signal")
)

// ChangeKind describes how a child process changed state.
type ChangeKind int

const (
	// Exited indicates the process called exit.
	Exited ChangeKind = iota + 1

	// Signaled indicates the process was terminated by a signal.
	Signaled

	// Stopped indicates the process was stopped by a signal and can be
	// continued.
	Stopped

	// Continued indicates a previously stopped process was resumed.
	Continued
)

var changeKinds = []string{
	"unknown",
	"exited",
	"signaled",
	"stopped",
	"continued",
}

func (k ChangeKind) String() string {
	if int(k) < 0 || int(k) >= len(changeKinds) {
		return changeKinds[0]
	}

	return changeKinds[k]
}

// Change is a single state change reported for a child process.
type Change struct {
	PID      int
	Kind     ChangeKind
	ExitCode int
	Signal   syscall.Signal
}

// Code returns the shell exit code for the change: the exit status for
// Exited, 128 plus the signal number for Signaled and Stopped, and -1 for
// Continued.
func (c Change) Code() int {
	switch c.Kind {
	case Exited:
		return c.ExitCode
	case Signaled, Stopped:
		return 128 + int(c.Signal)
	default:
		return -1
	}
}

func (c Change) String() string {
	switch c.Kind {
	case Exited:
		return fmt.Sprintf("pid %d exited with %d", c.PID, c.ExitCode)
	case Signaled, Stopped:
		return fmt.Sprintf("pid %d %s by %s", c.PID, c.Kind, SignalName(c.Signal))
	default:
		return fmt.Sprintf("pid %d %s", c.PID, c.Kind)
	}
}
