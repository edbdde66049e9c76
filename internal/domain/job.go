package domain

// JobState tracks the lifecycle of one backend ingestion run as observed
// through its event stream.
type JobState string

const (
	JobStarting  JobState = "starting"
	JobListening JobState = "listening"
	JobDone      JobState = "done"
	JobFailed    JobState = "failed"
)

func (s JobState) Terminal() bool {
	return s == JobDone || s == JobFailed
}

// JobProgress is a progress event forwarded to the presentation layer.
type JobProgress struct {
	JobID string
	State JobState
	Done  int
}

// JobResult is the terminal outcome delivered to every waiter of a job.
type JobResult struct {
	JobID string
	State JobState
	Added int
}
