//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package pgroup

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

const Supported = false

const (
	HangupSignal   syscall.Signal = 0x1
	ContinueSignal syscall.Signal = 0x12
	StopSignal     syscall.Signal = 0x13
	SuspendSignal  syscall.Signal = 0x14
	TermSignal     syscall.Signal = 0xf
	KillSignal     syscall.Signal = 0x9
)

const SuspendExitCode = 128 + int(SuspendSignal)

var (
	ChildSignals    []os.Signal
	TerminalSignals = []os.Signal{os.Interrupt}
)

var signalNames = map[syscall.Signal]string{
	0x2:            "INT",
	TermSignal:     "TERM",
	KillSignal:     "KILL",
	HangupSignal:   "HUP",
	ContinueSignal: "CONT",
	StopSignal:     "STOP",
	SuspendSignal:  "TSTP",
}

func Attr(pgid int, tty *os.File) *syscall.SysProcAttr {
	return nil
}

func Signal(pgid int, sig syscall.Signal) error {
	return ErrUnsupported
}

func Poll(pid int) (Change, bool, error) {
	return Change{}, false, ErrUnsupported
}

func ParseSignal(s string) (syscall.Signal, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if _, ok := signalNames[syscall.Signal(n)]; ok {
			return syscall.Signal(n), nil
		}

		return 0, fmt.Errorf("%w: %s", ErrUnknownSignal, s)
	}

	name := strings.TrimPrefix(strings.ToUpper(s), "SIG")
	for sig, n := range signalNames {
		if n == name {
			return sig, nil
		}
	}

	return 0, fmt.Errorf("%w: %s", ErrUnknownSignal, s)
}

func SignalName(sig syscall.Signal) string {
	return signalNames[sig]
}

type Terminal struct{}

func OpenTerminal(f *os.File) (*Terminal, error) {
	return nil, ErrUnsupported
}

func (t *Terminal) File() *os.File { return nil }
func (t *Terminal) Give(int) error { return ErrUnsupported }
func (t *Terminal) Reclaim() error { return ErrUnsupported }
