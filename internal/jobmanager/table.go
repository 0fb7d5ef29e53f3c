package jobmanager

import (
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nixpig/jobshell/internal/jobmanager/output"
)

// Table is the set of jobs known to the shell, keyed by job id. Ids start at 1,
// increase monotonically and are never reused. Readers only ever receive
// JobInfo snapshots taken under the lock.
type Table struct {
	jobs   map[int]*Job
	nextID int

	mu sync.Mutex
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{
		jobs:   make(map[int]*Job),
		nextID: 1,
	}
}

// Allocate reserves and returns the next job id.
func (t *Table) Allocate() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.allocate()
}

func (t *Table) allocate() int {
	id := t.nextID
	t.nextID++

	return id
}

// Insert adds a Job that has already been given an id with Allocate.
func (t *Table) Insert(j *Job, id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id <= 0 || id >= t.nextID {
		return errors.New("job id was not allocated")
	}

	if _, exists := t.jobs[id]; exists {
		return errors.New("job id already in use")
	}

	j.id = id
	t.jobs[id] = j

	return nil
}

// Register allocates an id for j and adds it in a single step.
func (t *Table) Register(j *Job) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	j.id = t.allocate()
	t.jobs[j.id] = j

	return j.id
}

// Get returns a snapshot of the Job with the given id or ErrJobNotFound.
func (t *Table) Get(id int) (JobInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, exists := t.jobs[id]
	if !exists {
		return JobInfo{}, ErrJobNotFound
	}

	return j.info(), nil
}

// Remove deletes the Job with the given id or returns ErrJobNotFound.
func (t *Table) Remove(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.jobs[id]; !exists {
		return ErrJobNotFound
	}

	delete(t.jobs, id)

	return nil
}

// List returns snapshots of all jobs sorted by id. When activeOnly is set,
// finished jobs are left out.
func (t *Table) List(activeOnly bool) []JobInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := slices.Sorted(maps.Keys(t.jobs))

	infos := make([]JobInfo, 0, len(ids))

	for _, id := range ids {
		j := t.jobs[id]
		if activeOnly && !j.status.Active() {
			continue
		}

		infos = append(infos, j.info())
	}

	return infos
}

// UpdateStatus moves the Job to status. Illegal transitions return an
// InvalidStateError.
func (t *Table) UpdateStatus(id int, status JobStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, exists := t.jobs[id]
	if !exists {
		return ErrJobNotFound
	}

	return j.setStatus(status)
}

// Complete moves the Job to a terminal status with the given exit code and end
// time.
func (t *Table) Complete(
	id int,
	status JobStatus,
	exitCode int,
	endTime time.Time,
) error {
	if !status.Terminal() {
		return NewInvalidStateError(JobStatusUnknown, status)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	j, exists := t.jobs[id]
	if !exists {
		return ErrJobNotFound
	}

	if !j.status.canTransition(status) {
		return NewInvalidStateError(j.status, status)
	}

	j.exitCode = exitCode
	j.endTime = endTime

	return j.setStatus(status)
}

// SetBackground marks the Job as running in the background or foreground.
func (t *Table) SetBackground(id int, background bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, exists := t.jobs[id]
	if !exists {
		return ErrJobNotFound
	}

	j.background = background

	return nil
}

// job returns the registered Job with the given id.
func (t *Table) job(id int) (*Job, JobInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, exists := t.jobs[id]
	if !exists {
		return nil, JobInfo{}, ErrJobNotFound
	}

	return j, j.info(), nil
}

// snapshot returns a snapshot of j and a channel that is closed on its next
// status change. It works whether or not j is still in the table.
func (t *Table) snapshot(j *Job) (JobInfo, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return j.info(), j.changed
}

// startWatch returns true the first time it is called for a job.
func (t *Table) startWatch(j *Job) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if j.watched {
		return false
	}

	j.watched = true

	return true
}

// removeFinished removes the jobs with the given ids that are finished and
// were running in the background.
func (t *Table) removeFinished(ids []int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range ids {
		if j, exists := t.jobs[id]; exists && j.background && j.status.Terminal() {
			delete(t.jobs, id)
		}
	}
}

// reconcile re-derives the status of j from its stages.
func (t *Table) reconcile(j *Job, continued bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j.reconcile(continued)

	if j.discard && j.status.Terminal() {
		if cur, exists := t.jobs[j.id]; exists && cur == j {
			delete(t.jobs, j.id)
		}
	}
}

// addStage appends a spawned stage to j. The first external stage fixes the
// job's process group.
func (t *Table) addStage(j *Job, h StageHandle, pgid int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j.stages = append(j.stages, h)

	if pgid != 0 && j.pgid == 0 {
		j.pgid = pgid
		j.leaderPID = pgid
	}
}

func (t *Table) addStreamer(j *Job, s *output.Streamer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j.streamers = append(j.streamers, s)
}

// seal marks every stage of j as spawned and derives its initial status.
func (t *Table) seal(j *Job, discard bool) {
	t.mu.Lock()

	j.sealed = true
	j.discard = discard

	if j.leaderPID == 0 {
		j.leaderPID = builtinPIDBase + j.id
	}

	t.mu.Unlock()

	t.reconcile(j, false)
}

// purgeFinished returns the terminal jobs that have not been reported
// and removes them from the table.
func (t *Table) purgeFinished(backgroundOnly bool) []JobInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	var infos []JobInfo

	for _, id := range slices.Sorted(maps.Keys(t.jobs)) {
		j := t.jobs[id]
		if !j.status.Terminal() || (backgroundOnly && !j.background) {
			continue
		}

		infos = append(infos, j.info())
		delete(t.jobs, id)
	}

	return infos
}

// markJournaled returns true the first time it is called for a job.
func (t *Table) markJournaled(j *Job) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if j.journaled {
		return false
	}

	j.journaled = true

	return true
}

func (t *Table) streamers(j *Job) []*output.Streamer {
	t.mu.Lock()
	defer t.mu.Unlock()

	return slices.Clone(j.streamers)
}

// with runs fn on j under the table lock.
func (t *Table) with(j *Job, fn func(j *Job)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fn(j)
}
