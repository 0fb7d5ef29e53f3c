package jobmanager

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"github.com/nixpig/jobshell/internal/jobmanager/pgroup"
)

type trackedProcess struct {
	job    *Job
	handle *ExternalStageHandle
}

// router turns asynchronous signals into job table updates. SIGCHLD
// notifications only wake its goroutine; the goroutine then polls every
// tracked child without blocking and applies the changes. Terminal signals
// received by the shell are handed to forward.
type router struct {
	table   *Table
	logger  *slog.Logger
	forward func(os.Signal)

	// mu is held while reaping. Spawning a pipeline holds it too, so a group
	// leader cannot be reaped before the later stages have joined its group.
	mu      sync.Mutex
	tracked map[int]trackedProcess

	childCh chan os.Signal
	termCh  chan os.Signal
	poke    chan struct{}

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func newRouter(
	table *Table,
	logger *slog.Logger,
	forward func(os.Signal),
) *router {
	return &router{
		table:   table,
		logger:  logger,
		forward: forward,
		tracked: make(map[int]trackedProcess),
		childCh: make(chan os.Signal, 1),
		termCh:  make(chan os.Signal, 1),
		poke:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// start subscribes to child signals and, when forwardTerminal is set, to the
// terminal signals, then starts the router goroutine.
func (r *router) start(forwardTerminal bool) {
	if len(pgroup.ChildSignals) > 0 {
		signal.Notify(r.childCh, pgroup.ChildSignals...)
	}

	if forwardTerminal && r.forward != nil {
		signal.Notify(r.termCh, pgroup.TerminalSignals...)
	}

	go r.run()
}

func (r *router) run() {
	defer close(r.stopped)

	for {
		select {
		case <-r.stop:
			return
		case <-r.childCh:
			r.reap()
		case <-r.poke:
			r.reap()
		case sig := <-r.termCh:
			r.handleTerminal(sig)
		}
	}
}

// close unsubscribes from signals and stops the router goroutine.
func (r *router) close() {
	r.stopOnce.Do(func() {
		signal.Stop(r.childCh)
		signal.Stop(r.termCh)

		close(r.stop)
	})

	<-r.stopped
}

// hold blocks reaping until release is called.
func (r *router) hold() {
	r.mu.Lock()
}

// release lets reaping continue and triggers a pass for anything that changed
// state while held.
func (r *router) release() {
	r.mu.Unlock()
	r.kick()
}

func (r *router) kick() {
	select {
	case r.poke <- struct{}{}:
	default:
	}
}

// trackLocked registers a child for reaping. The caller must hold the router
// via hold.
func (r *router) trackLocked(j *Job, h *ExternalStageHandle) {
	r.tracked[h.PID()] = trackedProcess{job: j, handle: h}
}

func (r *router) reap() {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("recovered panic while reaping", "panic", fmt.Sprint(v))
		}
	}()

	// Value is true if any stage of the job was continued in this pass.
	changed := make(map[*Job]bool)

	r.mu.Lock()

	for pid, t := range r.tracked {
		for {
			c, ok, err := pgroup.Poll(pid)
			if err != nil {
				// NOTE: The child is gone without us reaping it, most likely collected
				// by someone else waiting on any child. Its status is lost.
				r.logger.Warn("lost track of child", "pid", pid, "err", err)

				t.handle.apply(pgroup.Change{
					PID:      pid,
					Kind:     pgroup.Exited,
					ExitCode: ExitFailure,
				})
				delete(r.tracked, pid)
				if _, ok := changed[t.job]; !ok {
					changed[t.job] = false
				}

				break
			}

			if !ok {
				break
			}

			r.logger.Debug("child state changed", "job", t.job.id, "change", c.String())

			changed[t.job] = changed[t.job] || c.Kind == pgroup.Continued

			if t.handle.apply(c) {
				delete(r.tracked, pid)
				break
			}
		}
	}

	r.mu.Unlock()

	for j, continued := range changed {
		r.table.reconcile(j, continued)
	}
}

func (r *router) handleTerminal(sig os.Signal) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("recovered panic while forwarding signal", "signal", sig, "panic", fmt.Sprint(v))
		}
	}()

	r.forward(sig)
}
