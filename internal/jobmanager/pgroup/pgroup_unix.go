//go:build linux || darwin || freebsd || netbsd || openbsd

package pgroup

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
)

// Supported reports whether process groups, group signalling and terminal
// handover are available.
const Supported = true

const (
	HangupSignal   = unix.SIGHUP
	ContinueSignal = unix.SIGCONT
	StopSignal     = unix.SIGSTOP
	SuspendSignal  = unix.SIGTSTP
	TermSignal     = unix.SIGTERM
	KillSignal     = unix.SIGKILL
)

// SuspendExitCode is reported for a foreground job that was suspended from
// the terminal.
const SuspendExitCode = 128 + int(unix.SIGTSTP)

var (
	// ChildSignals are delivered when a child changes state.
	ChildSignals = []os.Signal{unix.SIGCHLD}

	// TerminalSignals are generated by the terminal for the foreground group
	// and forwarded by the shell when it still holds the terminal.
	TerminalSignals = []os.Signal{unix.SIGINT, unix.SIGTSTP}
)

// Attr returns the SysProcAttr that places a child into the process group
// pgid. A pgid of 0 creates a new group led by the child. When tty is
// non-nil the new group becomes the terminal's foreground group before the
// child execs.
func Attr(pgid int, tty *os.File) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    pgid,
	}

	if tty != nil && pgid == 0 {
		attr.Foreground = true
		attr.Ctty = int(tty.Fd())
	}

	return attr
}

// Signal sends sig to every process in the group pgid.
func Signal(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return fmt.Errorf("invalid process group %d", pgid)
	}

	if err := unix.Kill(-pgid, sig); err != nil {
		return fmt.Errorf("signal group %d with %s: %w", pgid, SignalName(sig), err)
	}

	return nil
}

// Poll reports the next pending state change of the child pid without
// blocking. The boolean is false when nothing is pending.
func Poll(pid int) (Change, bool, error) {
	var ws unix.WaitStatus

	for {
		wpid, err := unix.Wait4(
			pid,
			&ws,
			unix.WNOHANG|unix.WUNTRACED|unix.WCONTINUED,
			nil,
		)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		if err != nil {
			return Change{}, false, fmt.Errorf("wait4 %d: %w", pid, err)
		}

		if wpid == 0 {
			return Change{}, false, nil
		}

		break
	}

	c := Change{PID: pid}

	switch {
	case ws.Exited():
		c.Kind = Exited
		c.ExitCode = ws.ExitStatus()
	case ws.Signaled():
		c.Kind = Signaled
		c.Signal = ws.Signal()
	case ws.Stopped():
		c.Kind = Stopped
		c.Signal = ws.StopSignal()
	case ws.Continued():
		c.Kind = Continued
	default:
		return Change{}, false, nil
	}

	return c, true, nil
}

// ParseSignal parses a signal given by name ("TERM", "SIGTERM", "term") or by
// number ("15").
func ParseSignal(s string) (syscall.Signal, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || SignalName(syscall.Signal(n)) == "" {
			return 0, fmt.Errorf("%w: %s", ErrUnknownSignal, s)
		}

		return syscall.Signal(n), nil
	}

	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}

	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSignal, s)
	}

	return sig, nil
}

// SignalName returns the short name of sig, e.g. "TERM", or an empty string
// if sig is unknown.
func SignalName(sig syscall.Signal) string {
	return strings.TrimPrefix(unix.SignalName(sig), "SIG")
}

// Terminal is the controlling terminal of the shell while the shell is its
// foreground process group.
type Terminal struct {
	file *os.File
	fd   int
	pgrp int
}

// OpenTerminal returns the Terminal for f. It fails if f is not a terminal or
// the calling process group is not in the terminal's foreground.
func OpenTerminal(f *os.File) (*Terminal, error) {
	if f == nil || !isatty.IsTerminal(f.Fd()) {
		return nil, ErrNotTerminal
	}

	fd := int(f.Fd())

	fg, err := unix.IoctlGetInt(fd, unix.TIOCGPGRP)
	if err != nil {
		return nil, fmt.Errorf("get terminal foreground group: %w", err)
	}

	pgrp := unix.Getpgrp()
	if fg != pgrp {
		return nil, ErrNotForeground
	}

	return &Terminal{file: f, fd: fd, pgrp: pgrp}, nil
}

// File returns the terminal file.
func (t *Terminal) File() *os.File {
	return t.file
}

// Give makes pgid the terminal's foreground process group.
func (t *Terminal) Give(pgid int) error {
	return t.setForeground(pgid)
}

// Reclaim makes the shell's own process group the terminal's foreground
// group again.
//
// NOTE: SIGTTOU is ignored while the ioctl runs, so callers must make sure no
// child is forked concurrently or it would inherit the ignored disposition.
func (t *Terminal) Reclaim() error {
	return t.setForeground(t.pgrp)
}

func (t *Terminal) setForeground(pgid int) error {
	signal.Ignore(unix.SIGTTOU)
	defer signal.Reset(unix.SIGTTOU)

	if err := unix.IoctlSetPointerInt(t.fd, unix.TIOCSPGRP, pgid); err != nil {
		return fmt.Errorf("set terminal foreground group %d: %w", pgid, err)
	}

	return nil
}
