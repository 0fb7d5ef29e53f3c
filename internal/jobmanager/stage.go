package jobmanager

import (
	"context"
	"os"
	"os/exec"
	"sync"

	"github.com/nixpig/jobshell/internal/jobmanager/pgroup"
)

// StageHandle is a running pipeline stage, either an OS process or a
// built-in executing inside the shell.
type StageHandle interface {
	// Wait blocks until the stage has finished and returns its exit code.
	Wait() int

	// Finished reports whether the stage has finished without blocking.
	Finished() bool
}

// stageState is implemented by every StageHandle created by the Manager and is
// used to derive the status of the owning Job.
type stageState interface {
	StageHandle
	Stopped() bool
	Signaled() bool
}

var (
	_ stageState = (*ExternalStageHandle)(nil)
	_ stageState = (*BuiltinStageHandle)(nil)
)

// ExternalStageHandle wraps a child process started with exec.Cmd. Its state
// is driven by the changes the signal router polls for the process; cmd.Wait
// is never called.
type ExternalStageHandle struct {
	name string
	pid  int
	proc *os.Process

	mu       sync.Mutex
	finished bool
	stopped  bool
	signaled bool
	exitCode int
	done     chan struct{}
}

func newExternalStageHandle(cmd *exec.Cmd) *ExternalStageHandle {
	return &ExternalStageHandle{
		name:     cmd.Args[0],
		pid:      cmd.Process.Pid,
		proc:     cmd.Process,
		exitCode: -1,
		done:     make(chan struct{}),
	}
}

// PID returns the process id of the stage.
func (h *ExternalStageHandle) PID() int {
	return h.pid
}

func (h *ExternalStageHandle) Wait() int {
	<-h.done

	h.mu.Lock()
	defer h.mu.Unlock()

	return h.exitCode
}

func (h *ExternalStageHandle) Finished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.finished
}

// Stopped reports whether the process is currently stopped.
func (h *ExternalStageHandle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.stopped
}

// Signaled reports whether the process was terminated by a signal.
func (h *ExternalStageHandle) Signaled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.signaled
}

// apply records a state change for the process. It returns true once the
// process has finished.
func (h *ExternalStageHandle) apply(c pgroup.Change) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finished {
		return true
	}

	switch c.Kind {
	case pgroup.Stopped:
		h.stopped = true
		return false
	case pgroup.Continued:
		h.stopped = false
		return false
	case pgroup.Signaled:
		h.signaled = true
	}

	h.finish(c.Code())

	return true
}

func (h *ExternalStageHandle) resume() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopped = false
}

func (h *ExternalStageHandle) finish(code int) {
	h.finished = true
	h.stopped = false
	h.exitCode = code

	// The process has been reaped, so only the handle's resources remain.
	h.proc.Release()

	close(h.done)
}

// BuiltinStageHandle wraps a built-in executing on its own goroutine.
type BuiltinStageHandle struct {
	name   string
	cancel context.CancelFunc

	mu          sync.Mutex
	finished    bool
	interrupted bool
	exitCode    int
	done        chan struct{}
}

func newBuiltinStageHandle(name string, cancel context.CancelFunc) *BuiltinStageHandle {
	return &BuiltinStageHandle{
		name:     name,
		cancel:   cancel,
		exitCode: -1,
		done:     make(chan struct{}),
	}
}

func (h *BuiltinStageHandle) Wait() int {
	<-h.done

	h.mu.Lock()
	defer h.mu.Unlock()

	return h.exitCode
}

func (h *BuiltinStageHandle) Finished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.finished
}

// Stopped is always false. Built-ins share the shell's process and cannot be
// stopped independently of it.
func (h *BuiltinStageHandle) Stopped() bool {
	return false
}

// Signaled reports whether the built-in was interrupted before it finished.
func (h *BuiltinStageHandle) Signaled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.interrupted
}

// Interrupt cancels the context passed to the built-in.
func (h *BuiltinStageHandle) Interrupt() {
	h.mu.Lock()
	if !h.finished {
		h.interrupted = true
	}
	h.mu.Unlock()

	h.cancel()
}

func (h *BuiltinStageHandle) finish(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finished {
		return
	}

	h.finished = true
	h.exitCode = code

	h.cancel()
	close(h.done)
}
