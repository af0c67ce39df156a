package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is one unit of work. It either completes or returns an error;
// there is no mid-execution cancellation beyond ctx.
type JobFunc func(ctx context.Context) error

// OverlapPolicy decides what happens when a job comes due while its
// previous run is still in flight.
type OverlapPolicy int

const (
	// OverlapSkip logs and skips the trigger. Default.
	OverlapSkip OverlapPolicy = iota
	// OverlapAllow starts another run alongside the one in flight.
	OverlapAllow
)

func (p OverlapPolicy) String() string {
	if p == OverlapAllow {
		return "allow"
	}
	return "skip"
}

// JobSpec describes a job at registration time. Exactly one of Every or
// Cron must be set; the trigger rule is immutable once registered.
type JobSpec struct {
	Name    string
	Every   time.Duration // fixed interval trigger
	Cron    string        // standard cron expression or @descriptor
	Run     JobFunc
	Overlap OverlapPolicy
}

type job struct {
	name    string
	every   time.Duration
	sched   cron.Schedule // nil for interval jobs
	spec    string
	run     JobFunc
	overlap OverlapPolicy

	lastRun time.Time // start of the most recent dispatch; monotonic
	nextRun time.Time // cron jobs only
	forced  bool      // set by RunNow, cleared at dispatch
	running int       // in-flight executions
}

// due reports whether the job's trigger condition is satisfied at now.
func (j *job) due(now time.Time) bool {
	if j.forced {
		return true
	}
	if j.sched != nil {
		return !now.Before(j.nextRun)
	}
	if j.lastRun.IsZero() {
		return true
	}
	return !now.Before(j.lastRun.Add(j.every))
}

// nextDue returns the earliest future instant the job can come due.
// Used to size the loop's sleep.
func (j *job) nextDue(now time.Time) time.Time {
	if j.sched != nil {
		return j.nextRun
	}
	if j.lastRun.IsZero() {
		return now
	}
	return j.lastRun.Add(j.every)
}

// advance moves trigger bookkeeping past the slot at now. The last-run
// timestamp only ever moves forward.
func (j *job) advance(now time.Time) {
	j.forced = false
	j.lastRun = now
	if j.sched != nil {
		j.nextRun = j.sched.Next(now)
	}
}

// markDispatched advances the trigger and counts a run as in flight.
func (j *job) markDispatched(now time.Time) {
	j.advance(now)
	j.running++
}

// JobInfo is a read-side snapshot of one registered job.
type JobInfo struct {
	Name    string        `json:"name"`
	Trigger string        `json:"trigger"`
	Overlap string        `json:"overlap"`
	LastRun *time.Time    `json:"last_run,omitempty"`
	NextDue time.Time     `json:"next_due"`
	Running int           `json:"running"`
	Every   time.Duration `json:"-"`
}

// RunRecord is the recorded outcome of one job execution. Records live in
// a bounded in-memory FIFO and do not survive a restart.
type RunRecord struct {
	ID         string    `json:"id"`
	Job        string    `json:"job"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
}
