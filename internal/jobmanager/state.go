package jobmanager

type JobStatus int

const (
	// JobStatusUnknown indicates the status of the job is unknown. It's used as
	// the zero value for functions that return a (possibly absent) JobStatus.
	JobStatusUnknown JobStatus = iota

	// JobStatusRunning indicates at least one stage of the job is running and
	// none are stopped.
	JobStatusRunning

	// JobStatusStopped indicates the job's process group was stopped and can be
	// resumed with fg or bg.
	JobStatusStopped

	// JobStatusDone indicates every stage has finished and the last stage
	// exited with status 0.
	JobStatusDone

	// JobStatusFailed indicates every stage has finished and the last stage
	// exited with a nonzero status or was terminated by a signal.
	JobStatusFailed
)

// NOTE: This slice needs to be kept in sync with any changes to the JobStatus
// values.
var jobStatuses = []string{
	"Unknown",
	"Running",
	"Stopped",
	"Done",
	"Failed",
}

// String implements the Stringer interface for JobStatus and returns a string
// representation of the JobStatus by using the int value to index into a
// slice.
func (s JobStatus) String() string {
	if int(s) < 0 || int(s) >= len(jobStatuses) {
		return jobStatuses[0]
	}

	return jobStatuses[s]
}

// Active reports whether the job still has live processes.
func (s JobStatus) Active() bool {
	return s == JobStatusRunning || s == JobStatusStopped
}

// Terminal reports whether the job has finished. Terminal statuses are never
// left.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

func (s JobStatus) canTransition(to JobStatus) bool {
	switch s {
	case JobStatusUnknown:
		return to != JobStatusUnknown
	case JobStatusRunning, JobStatusStopped:
		return to != JobStatusUnknown
	default:
		return false
	}
}
