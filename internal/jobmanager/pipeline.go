package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/nixpig/jobshell/internal/jobmanager/output"
	"github.com/nixpig/jobshell/internal/jobmanager/pgroup"
)

// pipelineSpawn holds the state of a single RunPipeline invocation while its
// stages are being started.
type pipelineSpawn struct {
	m          *Manager
	ctx        context.Context
	job        *Job
	background bool

	// prevRead is the read end of the pipe feeding the next stage.
	prevRead *os.File

	// stderrPipe is the write end of the pipe capturing stderr of foreground
	// external stages when the shell's stderr is not a file. It is shared by
	// every stage and closed once all stages are started.
	stderrPipe *os.File
}

// stageIO is the resolved standard streams of one stage. owned holds the files
// the stage is responsible for: closed right after Start for external stages,
// and when Main returns for built-ins.
type stageIO struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	owned  []io.Closer
}

func (s *stageIO) own(c io.Closer) {
	s.owned = append(s.owned, c)
}

func (s *stageIO) close() {
	for _, c := range s.owned {
		c.Close()
	}

	s.owned = nil
}

// spawn starts every stage of a pipeline left to right and returns the job.
// If a stage fails, no further stages are started and the error is returned.
// Stages that were already running are left to drain under a job that is
// removed once they finish.
func (m *Manager) spawn(
	ctx context.Context,
	stages []Stage,
	command string,
	background bool,
) (*Job, error) {
	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()

	m.router.hold()
	defer m.router.release()

	sp := &pipelineSpawn{
		m:          m,
		ctx:        ctx,
		job:        NewJob(command, background),
		background: background,
	}

	defer sp.closeShared()

	for i, stage := range stages {
		if err := sp.spawnStage(stage, i == 0, i == len(stages)-1); err != nil {
			sp.closePrev()

			if sp.job.id == 0 {
				return nil, err
			}

			m.logger.Debug("pipeline failed after start", "job", sp.job.id, "err", err)

			m.table.seal(sp.job, true)

			if !background && m.term != nil && sp.job.usesTerminal {
				m.reclaimTerminalLocked()
			}

			return nil, err
		}
	}

	m.table.seal(sp.job, false)

	return sp.job, nil
}

func (sp *pipelineSpawn) spawnStage(stage Stage, first, last bool) error {
	m := sp.m
	name := stage.Name()

	// Redirections are opened before the command is resolved, so a target
	// file is created even when the command turns out not to exist.
	redirs, err := stage.openRedirections()
	if err != nil {
		return err
	}

	builtin, path, err := m.resolve(name)
	if err != nil {
		redirs.close()
		return err
	}

	stdio, err := sp.resolveIO(redirs, builtin != nil, first, last)
	if err != nil {
		stdio.close()
		return &CommandError{Command: name, Err: err}
	}

	if builtin != nil {
		sp.startBuiltin(builtin, stage.Args, stdio)
	} else if err := sp.startExternal(path, stage.Args, stdio, first); err != nil {
		return err
	}

	if sp.job.id == 0 {
		m.table.Register(sp.job)
	}

	return nil
}

// resolveIO wires the stage's streams. The first stage reads its redirection,
// the shell's stdin (foreground) or nothing (background). Later stages read
// the previous stage's pipe. The last stage writes its redirection, the
// shell's stdout (foreground) or nothing (background). Earlier stages write a
// new pipe.
func (sp *pipelineSpawn) resolveIO(
	redirs openedRedirections,
	builtin bool,
	first bool,
	last bool,
) (stageIO, error) {
	m := sp.m

	var stdio stageIO

	switch {
	case redirs.stdin != nil:
		stdio.stdin = redirs.stdin
		stdio.own(redirs.stdin)

		// A piped stage never redirects its input, so this only happens first.
	case !first:
		stdio.stdin = sp.prevRead
		stdio.own(sp.prevRead)
		sp.prevRead = nil
	case sp.background:
	case m.stdin != nil:
		stdio.stdin = m.stdin
	}

	switch {
	case redirs.stdout != nil:
		stdio.stdout = redirs.stdout
		stdio.own(redirs.stdout)
	case !last:
		pr, pw, err := os.Pipe()
		if err != nil {
			return stdio, fmt.Errorf("%w: create pipe: %w", ErrSpawnFailure, err)
		}

		stdio.stdout = pw
		stdio.own(pw)
		sp.prevRead = pr
	case sp.background:
	case builtin:
		stdio.stdout = m.stdout
	case m.stdoutFile != nil:
		stdio.stdout = m.stdoutFile
	default:
		pw, err := sp.capture(m.stdout)
		if err != nil {
			return stdio, err
		}

		stdio.stdout = pw
		stdio.own(pw)
	}

	switch {
	case sp.background:
	case builtin:
		stdio.stderr = m.stderr
	case m.stderrFile != nil:
		stdio.stderr = m.stderrFile
	default:
		if sp.stderrPipe == nil {
			pw, err := sp.capture(m.stderr)
			if err != nil {
				return stdio, err
			}

			sp.stderrPipe = pw
		}

		stdio.stderr = sp.stderrPipe
	}

	return stdio, nil
}

// capture returns the write end of a pipe whose output is copied to dest by a
// Streamer owned by the job.
func (sp *pipelineSpawn) capture(dest io.Writer) (*os.File, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create capture pipe: %w", ErrSpawnFailure, err)
	}

	sp.m.table.addStreamer(sp.job, output.NewStreamer(pr, dest))

	return pw, nil
}

func (sp *pipelineSpawn) startExternal(
	path string,
	args []string,
	stdio stageIO,
	first bool,
) error {
	m := sp.m
	j := sp.job

	cmd := &exec.Cmd{
		Path: path,
		Args: args,
	}

	// NOTE: Assigning a nil *os.File to an io.Reader field would not be nil, so
	// only set streams that are present.
	if stdio.stdin != nil {
		cmd.Stdin = stdio.stdin
	}

	if stdio.stdout != nil {
		cmd.Stdout = stdio.stdout
	}

	if stdio.stderr != nil {
		cmd.Stderr = stdio.stderr
	}

	var tty *os.File
	if j.pgid == 0 && first && !sp.background && m.term != nil {
		tty = m.term.File()
	}

	cmd.SysProcAttr = pgroup.Attr(j.pgid, tty)

	err := cmd.Start()

	// The child has its own copies now, or never will.
	stdio.close()

	if err != nil {
		return &CommandError{Command: args[0], Err: classifyStartError(err)}
	}

	h := newExternalStageHandle(cmd)

	pgid := j.pgid
	if pgid == 0 {
		pgid = h.PID()
	}

	if first && m.term != nil {
		m.table.with(j, func(j *Job) {
			j.usesTerminal = true
		})
	}

	m.table.addStage(j, h, pgid)

	if pgroup.Supported {
		m.router.trackLocked(j, h)
	} else {
		go m.waitProcess(j, h)
	}

	m.logger.Debug("started stage", "command", args[0], "pid", h.PID(), "pgid", pgid)

	return nil
}

func (sp *pipelineSpawn) startBuiltin(b Builtin, args []string, stdio stageIO) {
	m := sp.m
	j := sp.job

	ctx, cancel := context.WithCancel(sp.ctx)
	h := newBuiltinStageHandle(args[0], cancel)

	builtinIO := IO{
		Stdin:  stdio.stdin,
		Stdout: stdio.stdout,
		Stderr: stdio.stderr,
	}

	if builtinIO.Stdin == nil {
		builtinIO.Stdin = strings.NewReader("")
	}

	if builtinIO.Stdout == nil {
		builtinIO.Stdout = io.Discard
	}

	if builtinIO.Stderr == nil {
		builtinIO.Stderr = io.Discard
	}

	m.table.addStage(j, h, 0)

	go m.runBuiltin(ctx, j, h, b, builtinIO, args, stdio)
}

func (m *Manager) runBuiltin(
	ctx context.Context,
	j *Job,
	h *BuiltinStageHandle,
	b Builtin,
	stdio IO,
	args []string,
	owned stageIO,
) {
	code := ExitFailure

	defer func() {
		if v := recover(); v != nil {
			m.logger.Error("built-in panicked", "command", args[0], "panic", fmt.Sprint(v))
			fmt.Fprintf(stdio.Stderr, "%s: internal error\n", args[0])
		}

		// Closing the write end lets the next stage see EOF.
		owned.close()

		h.finish(code)
		m.table.reconcile(j, false)
	}()

	code = b.Main(ctx, stdio, args)
}

// waitProcess is used instead of the signal router on platforms without
// non-blocking child polling.
func (m *Manager) waitProcess(j *Job, h *ExternalStageHandle) {
	c := pgroup.Change{PID: h.PID(), Kind: pgroup.Exited, ExitCode: ExitFailure}

	state, err := h.proc.Wait()
	if err == nil && state.ExitCode() >= 0 {
		c.ExitCode = state.ExitCode()
	}

	h.apply(c)
	m.table.reconcile(j, false)
}

func (m *Manager) resolve(name string) (Builtin, string, error) {
	if m.builtins != nil {
		if b, ok := m.builtins.Lookup(name); ok {
			return b, "", nil
		}
	}

	path, err := m.paths.LookPath(name)
	if err != nil {
		return nil, "", &CommandError{Command: name, Err: err}
	}

	return nil, path, nil
}

func (sp *pipelineSpawn) closePrev() {
	if sp.prevRead != nil {
		sp.prevRead.Close()
		sp.prevRead = nil
	}
}

// closeShared closes the parent's copy of the shared stderr capture pipe.
func (sp *pipelineSpawn) closeShared() {
	if sp.stderrPipe != nil {
		sp.stderrPipe.Close()
	}
}

func classifyStartError(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}

	return fmt.Errorf("%w: %w", ErrSpawnFailure, err)
}

// commandLine renders the stages of a pipeline for display.
func commandLine(stages [][]string) string {
	parts := make([]string, 0, len(stages))

	for _, argv := range stages {
		parts = append(parts, strings.Join(argv, " "))
	}

	return strings.Join(parts, " | ")
}

// stagesLine renders parsed stages, redirections included, for display.
func stagesLine(stages []Stage) string {
	parts := make([]string, 0, len(stages))

	for _, stage := range stages {
		words := slices.Clone(stage.Args)

		for _, r := range stage.Redirections {
			words = append(words, r.Op.String()+r.Target)
		}

		parts = append(parts, strings.Join(words, " "))
	}

	return strings.Join(parts, " | ")
}
