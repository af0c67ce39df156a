package scheduler

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an operation names an unregistered job.
var ErrNotFound = errors.New("job not found")

// ConfigError reports an invalid job registration. It is surfaced to the
// caller of Register and never swallowed by the loop.
type ConfigError struct {
	Job    string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Job == "" {
		return "scheduler config: " + e.Reason
	}
	return fmt.Sprintf("scheduler config: job %q: %s", e.Job, e.Reason)
}

// JobExecutionError wraps any failure raised by a job's run function,
// including recovered panics. The loop converts it into a RunRecord; it
// never propagates far enough to stop the loop.
type JobExecutionError struct {
	Job string
	Err error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %q: %v", e.Job, e.Err)
}

func (e *JobExecutionError) Unwrap() error { return e.Err }

// FatalSchedulerError reports a scheduler-internal invariant violation.
// It is the only failure class permitted to stop Run.
type FatalSchedulerError struct {
	Reason string
}

func (e *FatalSchedulerError) Error() string {
	return "fatal scheduler error: " + e.Reason
}
