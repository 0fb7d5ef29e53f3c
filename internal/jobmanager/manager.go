package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"

	"github.com/nixpig/jobshell/internal/jobmanager/pgroup"
)

// Journal durably records finished jobs.
type Journal interface {
	Record(info JobInfo) error
}

// Options configures a Manager.
type Options struct {
	// Stdin, Stdout and Stderr are the shell's standard streams. When Stdout or
	// Stderr is an *os.File, foreground external stages write to it directly.
	// Otherwise their output is captured and copied to it.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Builtins BuiltinLookup
	Paths    PathSearcher
	Journal  Journal
	Logger   *slog.Logger

	// Terminal is the controlling terminal. Foreground jobs are given the
	// terminal when it is set and the shell is its foreground process group.
	Terminal *os.File

	// ForwardSignals forwards SIGINT and SIGTSTP received by the shell to the
	// foreground job.
	ForwardSignals bool
}

// Result is the outcome of running a pipeline.
type Result struct {
	ExitCode   int
	JobID      int
	Background bool
}

// Manager launches pipelines as jobs and implements job control over them.
type Manager struct {
	table  *Table
	router *router
	term   *pgroup.Terminal

	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
	stdoutFile *os.File
	stderrFile *os.File

	builtins BuiltinLookup
	paths    PathSearcher
	journal  Journal
	logger   *slog.Logger

	// spawnMu serialises forking children with terminal handovers, which
	// briefly ignore SIGTTOU.
	spawnMu sync.Mutex

	fgMu       sync.Mutex
	foreground *Job

	watchers  sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a Manager and starts its signal router. Close must be
// called to stop it.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	paths := opts.Paths
	if paths == nil {
		paths = SystemPath{}
	}

	stdout := opts.Stdout
	if stdout == nil {
		stdout = io.Discard
	}

	stderr := opts.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	m := &Manager{
		table:    NewTable(),
		stdin:    opts.Stdin,
		builtins: opts.Builtins,
		paths:    paths,
		journal:  opts.Journal,
		logger:   logger,
		done:     make(chan struct{}),
	}

	m.stdoutFile, _ = stdout.(*os.File)
	m.stderrFile, _ = stderr.(*os.File)

	// Captured output and built-ins write concurrently.
	out := &syncWriter{w: stdout}
	m.stdout = out
	m.stderr = out

	if stderr != stdout {
		m.stderr = &syncWriter{w: stderr}
	}

	if opts.Terminal != nil {
		term, err := pgroup.OpenTerminal(opts.Terminal)
		if err != nil {
			logger.Debug("job control without terminal", "err", err)
		} else {
			m.term = term
		}
	}

	m.router = newRouter(m.table, logger, m.forward)
	m.router.start(opts.ForwardSignals)

	return m
}

// Run runs a single command. It is shorthand for a one-stage RunPipeline.
func (m *Manager) Run(
	ctx context.Context,
	argv []string,
	background bool,
) (Result, error) {
	return m.RunPipeline(ctx, [][]string{argv}, background)
}

// RunPipeline spawns stages as one job. A foreground job is waited for and its
// exit code returned. A background job is left running with a watcher
// attached and its id returned.
func (m *Manager) RunPipeline(
	ctx context.Context,
	stages [][]string,
	background bool,
) (Result, error) {
	parsed, err := ParsePipeline(stages)
	if err != nil {
		return Result{ExitCode: ExitCode(err), Background: background}, err
	}

	return m.run(ctx, parsed, commandLine(stages), background)
}

// RunStages is RunPipeline for stages whose redirections have already been
// separated from their arguments. command is shown in job listings.
func (m *Manager) RunStages(
	ctx context.Context,
	command string,
	stages []Stage,
	background bool,
) (Result, error) {
	if err := ValidatePipeline(stages); err != nil {
		return Result{ExitCode: ExitCode(err), Background: background}, err
	}

	if command == "" {
		command = stagesLine(stages)
	}

	return m.run(ctx, stages, command, background)
}

func (m *Manager) run(
	ctx context.Context,
	stages []Stage,
	command string,
	background bool,
) (Result, error) {
	j, err := m.spawn(ctx, stages, command, background)
	if err != nil {
		return Result{ExitCode: ExitCode(err), Background: background}, err
	}

	info, _ := m.table.snapshot(j)

	if background {
		fmt.Fprintf(m.stderr, "[%d] %d\n", info.ID, info.LeaderPID)

		m.watch(j)

		return Result{ExitCode: ExitSuccess, JobID: info.ID, Background: true}, nil
	}

	code, err := m.waitForeground(ctx, j)

	return Result{ExitCode: code, JobID: info.ID}, err
}

// Fg resumes the job with the given id in the foreground and waits for it to
// finish or stop.
func (m *Manager) Fg(ctx context.Context, id int) (int, error) {
	j, info, err := m.table.job(id)
	if err != nil {
		return ExitFailure, &JobError{ID: id, Err: err}
	}

	if info.Status.Terminal() {
		return ExitFailure, &JobError{
			ID:  id,
			Err: NewInvalidStateError(info.Status, JobStatusRunning),
		}
	}

	if err := m.table.SetBackground(id, false); err != nil {
		return ExitFailure, &JobError{ID: id, Err: err}
	}

	fmt.Fprintln(m.stdout, info.Command)

	m.giveTerminal(j, info.PGID)

	if info.Status == JobStatusStopped {
		if err := m.resume(j, info); err != nil {
			m.reclaimTerminal(j)
			return ExitFailure, &JobError{ID: id, Err: err}
		}
	}

	return m.waitForeground(ctx, j)
}

// Bg resumes the job with the given id in the background. It does not block.
func (m *Manager) Bg(id int) error {
	j, info, err := m.table.job(id)
	if err != nil {
		return &JobError{ID: id, Err: err}
	}

	if info.Status.Terminal() {
		return &JobError{
			ID:  id,
			Err: NewInvalidStateError(info.Status, JobStatusRunning),
		}
	}

	if info.Status == JobStatusStopped {
		if err := m.resume(j, info); err != nil {
			return &JobError{ID: id, Err: err}
		}
	}

	if err := m.table.SetBackground(id, true); err != nil {
		return &JobError{ID: id, Err: err}
	}

	m.watch(j)

	fmt.Fprintf(m.stderr, "[%d] %s &\n", info.ID, info.Command)

	return nil
}

// Stop stops every process of the job with the given id.
func (m *Manager) Stop(id int) error {
	if !pgroup.Supported {
		return &JobError{ID: id, Err: ErrUnsupported}
	}

	j, info, err := m.table.job(id)
	if err != nil {
		return &JobError{ID: id, Err: err}
	}

	if info.Status.Terminal() {
		return &JobError{
			ID:  id,
			Err: NewInvalidStateError(info.Status, JobStatusStopped),
		}
	}

	if info.PGID == 0 {
		return &JobError{ID: id, Err: ErrNoProcessGroup}
	}

	if err := pgroup.Signal(info.PGID, pgroup.StopSignal); err != nil {
		return &JobError{ID: id, Err: err}
	}

	var stateErr error

	m.table.with(j, func(j *Job) {
		stateErr = j.setStatus(JobStatusStopped)
	})

	if stateErr != nil {
		return &JobError{ID: id, Err: stateErr}
	}

	if m.foregroundJob() != j {
		if err := m.table.SetBackground(id, true); err == nil {
			m.watch(j)
		}
	}

	return nil
}

// Kill sends sig to every process of the job with the given id. The job's
// status is left to the signal router. Built-in stages have their context
// cancelled.
func (m *Manager) Kill(id int, sig syscall.Signal) error {
	j, info, err := m.table.job(id)
	if err != nil {
		return &JobError{ID: id, Err: err}
	}

	if info.Status.Terminal() {
		return &JobError{
			ID:  id,
			Err: NewInvalidStateError(info.Status, JobStatusFailed),
		}
	}

	if info.PGID != 0 {
		if err := pgroup.Signal(info.PGID, sig); err != nil {
			return &JobError{ID: id, Err: err}
		}

		// A stopped job cannot act on the signal until it runs again.
		if info.Status == JobStatusStopped &&
			sig != pgroup.KillSignal &&
			sig != pgroup.ContinueSignal {
			if err := pgroup.Signal(info.PGID, pgroup.ContinueSignal); err != nil {
				m.logger.Debug("continue after kill", "job", id, "err", err)
			}
		}
	}

	if sig != pgroup.ContinueSignal && sig != pgroup.StopSignal {
		m.table.with(j, (*Job).interrupt)
	}

	return nil
}

// Get returns a snapshot of the job with the given id.
func (m *Manager) Get(id int) (JobInfo, error) {
	info, err := m.table.Get(id)
	if err != nil {
		return JobInfo{}, &JobError{ID: id, Err: err}
	}

	return info, nil
}

// List returns snapshots of the jobs in the table sorted by id.
func (m *Manager) List(activeOnly bool) []JobInfo {
	return m.table.List(activeOnly)
}

// Current returns the most recently started job that is still active. It is
// the default target of fg and bg.
func (m *Manager) Current() (JobInfo, bool) {
	infos := m.table.List(true)
	if len(infos) == 0 {
		return JobInfo{}, false
	}

	return infos[len(infos)-1], true
}

// ForegroundJob returns the job the shell is currently waiting on, if any.
func (m *Manager) ForegroundJob() (JobInfo, bool) {
	j := m.foregroundJob()
	if j == nil {
		return JobInfo{}, false
	}

	info, _ := m.table.snapshot(j)

	return info, true
}

// Shutdown hangs up every active job, continuing stopped ones so they can
// receive the signal, then closes the Manager.
func (m *Manager) Shutdown() {
	for _, info := range m.table.List(true) {
		if info.PGID != 0 {
			if err := pgroup.Signal(info.PGID, pgroup.HangupSignal); err != nil {
				// NOTE: Best effort, the group may already be gone.
				m.logger.Debug("hang up job", "job", info.ID, "err", err)
			}

			pgroup.Signal(info.PGID, pgroup.ContinueSignal)
		}

		if j, _, err := m.table.job(info.ID); err == nil {
			m.table.with(j, (*Job).interrupt)
		}
	}

	m.Close()
}

// Close stops the signal router and background watchers. Running jobs are
// left alone.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.router.close()
		close(m.done)
		m.watchers.Wait()
	})

	return nil
}

func (m *Manager) foregroundJob() *Job {
	m.fgMu.Lock()
	defer m.fgMu.Unlock()

	return m.foreground
}

func (m *Manager) setForeground(j *Job) {
	m.fgMu.Lock()
	defer m.fgMu.Unlock()

	m.foreground = j
}

// waitForeground blocks until j finishes or stops. A finished job is removed
// from the table. A stopped job is moved to the background.
func (m *Manager) waitForeground(ctx context.Context, j *Job) (int, error) {
	m.setForeground(j)
	defer m.setForeground(nil)

	for {
		info, changed := m.table.snapshot(j)

		switch {
		case info.Status.Terminal():
			m.reclaimTerminal(j)
			m.drain(j)

			if err := m.table.Remove(info.ID); err != nil && !errors.Is(err, ErrJobNotFound) {
				m.logger.Warn("remove finished job", "job", info.ID, "err", err)
			}

			m.record(j, info)

			return info.ExitCode, nil

		case info.Status == JobStatusStopped:
			m.reclaimTerminal(j)
			m.table.SetBackground(info.ID, true)
			m.watch(j)

			fmt.Fprintf(m.stderr, "\n[%d]+  Stopped\t%s\n", info.ID, info.Command)

			return pgroup.SuspendExitCode, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			m.reclaimTerminal(j)
			m.table.SetBackground(info.ID, true)
			m.watch(j)

			return ExitFailure, ctx.Err()
		}
	}
}

// watch attaches the single background watcher of j. It blocks until j
// finishes and then records it. The finished job stays in the table until it
// is reported.
func (m *Manager) watch(j *Job) {
	if !m.table.startWatch(j) {
		return
	}

	m.watchers.Go(func() {
		for {
			info, changed := m.table.snapshot(j)

			if info.Status.Terminal() {
				m.drain(j)
				m.record(j, info)

				m.logger.Debug(
					"background job finished",
					"job", info.ID,
					"status", info.Status,
					"exit_code", info.ExitCode,
				)

				return
			}

			select {
			case <-changed:
			case <-m.done:
				return
			}
		}
	})
}

func (m *Manager) drain(j *Job) {
	for _, s := range m.table.streamers(j) {
		if err := s.Wait(); err != nil {
			m.logger.Debug("drain job output", "err", err)
		}
	}
}

func (m *Manager) record(j *Job, info JobInfo) {
	if m.journal == nil || !m.table.markJournaled(j) {
		return
	}

	if err := m.journal.Record(info); err != nil {
		m.logger.Warn("record job", "job", info.ID, "err", err)
	}
}

// resume continues a stopped job and marks it Running.
func (m *Manager) resume(j *Job, info JobInfo) error {
	if info.PGID != 0 {
		if err := pgroup.Signal(info.PGID, pgroup.ContinueSignal); err != nil {
			return err
		}
	}

	var err error

	m.table.with(j, func(j *Job) {
		j.resumed()
		err = j.setStatus(JobStatusRunning)
	})

	return err
}

// forward handles a terminal signal received by the shell itself, which
// happens when the foreground job does not own the terminal.
func (m *Manager) forward(sig os.Signal) {
	j := m.foregroundJob()
	if j == nil {
		fmt.Fprintln(m.stderr, "\nno foreground job")
		return
	}

	info, _ := m.table.snapshot(j)

	if s, ok := sig.(syscall.Signal); ok && info.PGID != 0 {
		if err := pgroup.Signal(info.PGID, s); err != nil {
			m.logger.Debug("forward signal", "job", info.ID, "signal", sig, "err", err)
		}
	}

	if sig == os.Interrupt {
		m.table.with(j, (*Job).interrupt)
	}
}

func (m *Manager) giveTerminal(j *Job, pgid int) {
	if m.term == nil || pgid == 0 || !m.usesTerminal(j) {
		return
	}

	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()

	if err := m.term.Give(pgid); err != nil {
		m.logger.Warn("give terminal", "pgid", pgid, "err", err)
	}
}

func (m *Manager) reclaimTerminal(j *Job) {
	if m.term == nil || !m.usesTerminal(j) {
		return
	}

	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()

	m.reclaimTerminalLocked()
}

func (m *Manager) reclaimTerminalLocked() {
	if err := m.term.Reclaim(); err != nil {
		m.logger.Warn("reclaim terminal", "err", err)
	}
}

func (m *Manager) usesTerminal(j *Job) bool {
	var uses bool

	m.table.with(j, func(j *Job) {
		uses = j.usesTerminal
	})

	return uses
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.w.Write(p)
}
