//go:build linux || darwin || freebsd || netbsd || openbsd

package pgroup_test

import (
	"errors"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/nixpig/jobshell/internal/jobmanager/pgroup"
)

func pollUntil(
	t *testing.T,
	pid int,
	kind pgroup.ChangeKind,
) pgroup.Change {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for time.Now().Before(deadline) {
		c, ok, err := pgroup.Poll(pid)
		if err != nil {
			t.Fatalf("expected poll not to return error: got '%v'", err)
		}

		if ok && c.Kind == kind {
			return c
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("expected pid %d to be %s within deadline", pid, kind)

	return pgroup.Change{}
}

func startInGroup(t *testing.T, pgid int, name string, args ...string) *exec.Cmd {
	t.Helper()

	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = pgroup.Attr(pgid, nil)

	if err := cmd.Start(); err != nil {
		t.Fatalf("expected start not to return error: got '%v'", err)
	}

	return cmd
}

func TestPoll(t *testing.T) {
	t.Parallel()

	t.Run("Test exit code", func(t *testing.T) {
		t.Parallel()

		cmd := startInGroup(t, 0, "sh", "-c", "exit 3")
		defer cmd.Process.Release()

		c := pollUntil(t, cmd.Process.Pid, pgroup.Exited)

		if c.Code() != 3 {
			t.Errorf("expected exit code: got '%d', want '%d'", c.Code(), 3)
		}
	})

	t.Run("Test nothing pending", func(t *testing.T) {
		t.Parallel()

		cmd := startInGroup(t, 0, "sleep", "5")
		defer cmd.Process.Release()

		_, ok, err := pgroup.Poll(cmd.Process.Pid)
		if err != nil {
			t.Errorf("expected poll not to return error: got '%v'", err)
		}

		if ok {
			t.Errorf("expected no pending change")
		}

		if err := pgroup.Signal(cmd.Process.Pid, pgroup.KillSignal); err != nil {
			t.Errorf("expected signal not to return error: got '%v'", err)
		}

		c := pollUntil(t, cmd.Process.Pid, pgroup.Signaled)

		if c.Signal != syscall.SIGKILL {
			t.Errorf("expected signal: got '%v', want '%v'", c.Signal, syscall.SIGKILL)
		}

		if c.Code() != 128+int(syscall.SIGKILL) {
			t.Errorf("expected code: got '%d', want '%d'", c.Code(), 128+int(syscall.SIGKILL))
		}
	})

	t.Run("Test stop and continue whole group", func(t *testing.T) {
		t.Parallel()

		leader := startInGroup(t, 0, "sleep", "5")
		defer leader.Process.Release()

		pgid := leader.Process.Pid

		member := startInGroup(t, pgid, "sleep", "5")
		defer member.Process.Release()

		if err := pgroup.Signal(pgid, pgroup.StopSignal); err != nil {
			t.Fatalf("expected signal not to return error: got '%v'", err)
		}

		pollUntil(t, leader.Process.Pid, pgroup.Stopped)
		pollUntil(t, member.Process.Pid, pgroup.Stopped)

		if err := pgroup.Signal(pgid, pgroup.ContinueSignal); err != nil {
			t.Fatalf("expected signal not to return error: got '%v'", err)
		}

		pollUntil(t, leader.Process.Pid, pgroup.Continued)
		pollUntil(t, member.Process.Pid, pgroup.Continued)

		if err := pgroup.Signal(pgid, pgroup.KillSignal); err != nil {
			t.Fatalf("expected signal not to return error: got '%v'", err)
		}

		pollUntil(t, leader.Process.Pid, pgroup.Signaled)
		pollUntil(t, member.Process.Pid, pgroup.Signaled)
	})
}

func TestSignal(t *testing.T) {
	t.Parallel()

	if err := pgroup.Signal(0, pgroup.TermSignal); err == nil {
		t.Errorf("expected signalling group 0 to return error")
	}
}

func TestParseSignal(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		input string
		want  syscall.Signal
		err   error
	}{
		"Short name":    {input: "TERM", want: syscall.SIGTERM},
		"Full name":     {input: "SIGKILL", want: syscall.SIGKILL},
		"Lower case":    {input: "int", want: syscall.SIGINT},
		"Number":        {input: "9", want: syscall.SIGKILL},
		"Unknown name":  {input: "BOGUS", err: pgroup.ErrUnknownSignal},
		"Out of range":  {input: "999", err: pgroup.ErrUnknownSignal},
		"Zero is empty": {input: "0", err: pgroup.ErrUnknownSignal},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			got, err := pgroup.ParseSignal(config.input)
			if !errors.Is(err, config.err) {
				t.Errorf("expected error: got '%v', want '%v'", err, config.err)
			}

			if got != config.want {
				t.Errorf("expected signal: got '%v', want '%v'", got, config.want)
			}
		})
	}
}

func TestSignalName(t *testing.T) {
	t.Parallel()

	if got := pgroup.SignalName(syscall.SIGTSTP); got != "TSTP" {
		t.Errorf("expected name: got '%s', want '%s'", got, "TSTP")
	}
}

func TestOpenTerminalRejectsNonTerminal(t *testing.T) {
	t.Parallel()

	_, err := pgroup.OpenTerminal(nil)
	if !errors.Is(err, pgroup.ErrNotTerminal) {
		t.Errorf("expected error: got '%v', want '%v'", err, pgroup.ErrNotTerminal)
	}
}
