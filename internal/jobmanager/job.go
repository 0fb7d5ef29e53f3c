package jobmanager

import (
	"time"

	"github.com/nixpig/jobshell/internal/jobmanager/output"
)

// builtinPIDBase offsets the synthetic leader id reported for jobs made only of
// built-ins. It sits above the largest pid Linux will allocate.
const builtinPIDBase = 1 << 22

// Job is one pipeline launched by the shell. All fields are guarded by the
// mutex of the Table the Job is registered in.
type Job struct {
	id         int
	pgid       int
	leaderPID  int
	command    string
	background bool
	status     JobStatus
	startTime  time.Time
	endTime    time.Time
	exitCode   int

	stages    []StageHandle
	streamers []*output.Streamer

	// usesTerminal is set when the job's group may own the terminal while in
	// the foreground.
	usesTerminal bool

	// sealed is set once every stage has been spawned. Status is only derived
	// from stages after that point.
	sealed bool

	// discard is set for the partial job left behind when a later stage fails
	// to spawn. It is removed silently once it finishes.
	discard bool

	watched   bool
	journaled bool

	// changed is closed and replaced on every status change.
	changed chan struct{}
}

// NewJob creates a Running Job for command. The Job has no id until it is
// registered with a Table.
func NewJob(command string, background bool) *Job {
	return &Job{
		command:    command,
		background: background,
		status:     JobStatusRunning,
		startTime:  time.Now(),
		exitCode:   -1,
		changed:    make(chan struct{}),
	}
}

// JobInfo is a point-in-time snapshot of a Job.
type JobInfo struct {
	ID         int
	LeaderPID  int
	PGID       int
	Command    string
	Status     JobStatus
	Background bool
	StartTime  time.Time
	EndTime    time.Time

	// ExitCode is -1 until the job has finished.
	ExitCode int
	Stages   int
}

func (j *Job) info() JobInfo {
	return JobInfo{
		ID:         j.id,
		LeaderPID:  j.leaderPID,
		PGID:       j.pgid,
		Command:    j.command,
		Status:     j.status,
		Background: j.background,
		StartTime:  j.startTime,
		EndTime:    j.endTime,
		ExitCode:   j.exitCode,
		Stages:     len(j.stages),
	}
}

func (j *Job) notify() {
	close(j.changed)
	j.changed = make(chan struct{})
}

func (j *Job) setStatus(status JobStatus) error {
	if j.status == status {
		return nil
	}

	if !j.status.canTransition(status) {
		return NewInvalidStateError(j.status, status)
	}

	j.status = status

	if status.Terminal() && j.endTime.IsZero() {
		j.endTime = time.Now()
	}

	j.notify()

	return nil
}

// reconcile derives the job status from its stages. A stopped job only goes
// back to Running when continued is set, so an explicit stop is not undone
// before its signal has been delivered. It returns true if the status
// changed.
func (j *Job) reconcile(continued bool) bool {
	if !j.sealed || j.status.Terminal() || len(j.stages) == 0 {
		return false
	}

	finished := true
	stopped := false

	for _, s := range j.stages {
		if s.Finished() {
			continue
		}

		finished = false

		if st, ok := s.(stageState); ok && st.Stopped() {
			stopped = true
		}
	}

	if finished {
		last := j.stages[len(j.stages)-1]

		j.exitCode = last.Wait()

		status := JobStatusDone
		if st, ok := last.(stageState); (ok && st.Signaled()) || j.exitCode != ExitSuccess {
			status = JobStatusFailed
		}

		return j.setStatus(status) == nil
	}

	switch {
	case stopped && j.status == JobStatusRunning:
		return j.setStatus(JobStatusStopped) == nil
	case continued && !stopped && j.status == JobStatusStopped:
		return j.setStatus(JobStatusRunning) == nil
	}

	return false
}

// resumed clears the stopped flag of every stage after the job's group was
// sent SIGCONT, ahead of the router observing each process continue.
func (j *Job) resumed() {
	for _, s := range j.stages {
		if e, ok := s.(*ExternalStageHandle); ok {
			e.resume()
		}
	}
}

// interrupt cancels every built-in stage of the job.
func (j *Job) interrupt() {
	for _, s := range j.stages {
		if b, ok := s.(*BuiltinStageHandle); ok {
			b.Interrupt()
		}
	}
}
