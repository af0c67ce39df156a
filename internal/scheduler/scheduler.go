// Package scheduler implements the perpetual scheduling loop that owns the
// process lifetime: it decides when each registered job is due, executes it,
// converts failures into run records, and sleeps until the next candidate
// time. A failing job never terminates the loop; only a context cancellation
// or a FatalSchedulerError does.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Mode selects how due jobs are dispatched within one tick.
type Mode int

const (
	// Sequential runs due jobs one at a time in registration order.
	Sequential Mode = iota
	// Concurrent runs due jobs in goroutines bounded by MaxConcurrent.
	Concurrent
)

func (m Mode) String() string {
	if m == Concurrent {
		return "concurrent"
	}
	return "sequential"
}

// ParseMode maps a config string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "sequential":
		return Sequential, nil
	case "concurrent":
		return Concurrent, nil
	}
	return Sequential, &ConfigError{Reason: fmt.Sprintf("unknown mode %q", s)}
}

// State of the loop.
type State int

const (
	Stopped State = iota
	Running
)

// Config controls the scheduler.
type Config struct {
	Mode          Mode
	MaxConcurrent int           // concurrent mode bound; <=0 means 4
	HistorySize   int           // run record cap; <=0 means 256
	Floor         time.Duration // minimum sleep between ticks; <=0 means 250ms
}

// Scheduler holds the registered job set and the bounded run history.
// All registry state is mutated only under mu; history has its own lock so
// concurrent completions can append without blocking the loop.
type Scheduler struct {
	cfg Config

	mu    sync.Mutex
	jobs  []*job // registration order
	index map[string]*job
	state State

	hmu     sync.Mutex
	history []RunRecord

	wake chan struct{}
	sem  chan struct{}
	wg   sync.WaitGroup

	// Injectable time source so tests can drive the loop with a fake clock.
	clock func() time.Time
	after func(time.Duration) <-chan time.Time
}

func New(cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 256
	}
	if cfg.Floor <= 0 {
		cfg.Floor = 250 * time.Millisecond
	}
	return &Scheduler{
		cfg:   cfg,
		index: map[string]*job{},
		wake:  make(chan struct{}, 1),
		sem:   make(chan struct{}, cfg.MaxConcurrent),
		clock: time.Now,
		after: time.After,
	}
}

// Register adds a job definition. It returns a ConfigError on a duplicate
// name, a non-positive interval, or an invalid cron expression, leaving the
// existing registry untouched. Safe to call while the loop is running; the
// loop is woken so a new job does not wait out a long sleep.
func (s *Scheduler) Register(spec JobSpec) error {
	if spec.Name == "" {
		return &ConfigError{Reason: "name is required"}
	}
	if spec.Run == nil {
		return &ConfigError{Job: spec.Name, Reason: "run function is required"}
	}
	if spec.Every != 0 && spec.Cron != "" {
		return &ConfigError{Job: spec.Name, Reason: "interval and cron triggers are mutually exclusive"}
	}

	j := &job{name: spec.Name, run: spec.Run, overlap: spec.Overlap}
	switch {
	case spec.Cron != "":
		sched, err := cron.ParseStandard(spec.Cron)
		if err != nil {
			return &ConfigError{Job: spec.Name, Reason: fmt.Sprintf("invalid cron expression %q: %v", spec.Cron, err)}
		}
		j.sched = sched
		j.spec = spec.Cron
		j.nextRun = sched.Next(s.clock())
	case spec.Every > 0:
		j.every = spec.Every
		j.spec = "@every " + spec.Every.String()
	default:
		return &ConfigError{Job: spec.Name, Reason: fmt.Sprintf("interval must be positive, got %s", spec.Every)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[spec.Name]; exists {
		return &ConfigError{Job: spec.Name, Reason: "already registered"}
	}
	s.jobs = append(s.jobs, j)
	s.index[spec.Name] = j
	s.kick()
	log.Info().Str("job", j.name).Str("trigger", j.spec).Str("overlap", j.overlap.String()).Msg("job registered")
	return nil
}

// RunNow marks a job due immediately, regardless of its trigger rule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.index[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	j.forced = true
	s.kick()
	return nil
}

// Run drives the loop until ctx is canceled (the external termination
// signal) or an internal invariant violation surfaces as a
// FatalSchedulerError. It never returns for job-level failures.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Running {
		s.mu.Unlock()
		return &FatalSchedulerError{Reason: "loop entered twice"}
	}
	s.state = Running
	s.mu.Unlock()

	defer func() {
		s.wg.Wait()
		s.mu.Lock()
		s.state = Stopped
		s.mu.Unlock()
	}()

	log.Info().
		Stringer("mode", s.cfg.Mode).
		Int("max_concurrent", s.cfg.MaxConcurrent).
		Dur("floor", s.cfg.Floor).
		Msg("scheduler loop started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler loop stopped")
			return ctx.Err()
		default:
		}

		now := s.clock()
		due, err := s.collectDue(now)
		if err != nil {
			log.Error().Err(err).Msg("scheduler state corrupted")
			return err
		}

		if s.cfg.Mode == Sequential {
			for _, j := range due {
				s.execute(ctx, j)
			}
		} else {
			for i, j := range due {
				select {
				case s.sem <- struct{}{}:
				case <-ctx.Done():
					for _, rest := range due[i:] {
						s.finish(rest)
					}
					log.Info().Msg("scheduler loop stopped")
					return ctx.Err()
				}
				s.wg.Add(1)
				go func(j *job) {
					defer s.wg.Done()
					s.execute(ctx, j)
					<-s.sem
				}(j)
			}
		}

		wait, ok := s.nextWake(s.clock())
		if !ok {
			// Nothing registered: block until a registration or shutdown.
			select {
			case <-ctx.Done():
				log.Info().Msg("scheduler loop stopped")
				return ctx.Err()
			case <-s.wake:
			}
			continue
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler loop stopped")
			return ctx.Err()
		case <-s.wake:
		case <-s.after(wait):
		}
	}
}

// collectDue scans the registry in registration order, applies the overlap
// policy, and advances trigger bookkeeping for every job it returns.
func (s *Scheduler) collectDue(now time.Time) ([]*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.jobs) != len(s.index) {
		return nil, &FatalSchedulerError{Reason: fmt.Sprintf("registry mismatch: %d jobs, %d index entries", len(s.jobs), len(s.index))}
	}

	var due []*job
	for _, j := range s.jobs {
		if s.index[j.name] != j {
			return nil, &FatalSchedulerError{Reason: fmt.Sprintf("registry mismatch for job %q", j.name)}
		}
		if !j.due(now) {
			continue
		}
		if j.running > 0 && j.overlap == OverlapSkip {
			log.Warn().Str("job", j.name).Msg("previous run still in flight, skipping trigger")
			// Push the trigger to the next slot so the skip isn't re-evaluated
			// every tick while the slow run drags on.
			j.advance(now)
			continue
		}
		j.markDispatched(now)
		due = append(due, j)
	}
	return due, nil
}

// execute runs one job and appends its record in completion order.
func (s *Scheduler) execute(ctx context.Context, j *job) {
	start := s.clock()
	err := s.runJob(ctx, j)
	rec := RunRecord{
		ID:         "run_" + uuid.NewString(),
		Job:        j.name,
		StartedAt:  start,
		FinishedAt: s.clock(),
		OK:         err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
		log.Warn().Str("job", j.name).Err(err).Msg("job failed")
	} else {
		log.Debug().Str("job", j.name).Dur("took", rec.FinishedAt.Sub(rec.StartedAt)).Msg("job ok")
	}
	s.append(rec)
	s.finish(j)
}

// runJob is the isolation boundary: any error or panic from the job's run
// function comes back as a JobExecutionError and nothing else escapes.
func (s *Scheduler) runJob(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &JobExecutionError{Job: j.name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if e := j.run(ctx); e != nil {
		err = &JobExecutionError{Job: j.name, Err: e}
	}
	return err
}

func (s *Scheduler) finish(j *job) {
	s.mu.Lock()
	j.running--
	s.mu.Unlock()
}

func (s *Scheduler) append(rec RunRecord) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, rec)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}

// nextWake returns how long to sleep before the next candidate check,
// clamped below by the configured floor. ok is false when no jobs exist.
func (s *Scheduler) nextWake(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) == 0 {
		return 0, false
	}
	var min time.Time
	for _, j := range s.jobs {
		nd := j.nextDue(now)
		if min.IsZero() || nd.Before(min) {
			min = nd
		}
	}
	wait := min.Sub(now)
	if wait < s.cfg.Floor {
		wait = s.cfg.Floor
	}
	return wait, true
}

// kick wakes the loop out of its sleep. Callers hold s.mu.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// State reports whether the loop is running.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Jobs returns a snapshot of the registry in registration order.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := JobInfo{
			Name:    j.name,
			Trigger: j.spec,
			Overlap: j.overlap.String(),
			NextDue: j.nextDue(now),
			Running: j.running,
			Every:   j.every,
		}
		if !j.lastRun.IsZero() {
			lr := j.lastRun
			info.LastRun = &lr
		}
		out = append(out, info)
	}
	return out
}

// History returns a copy of the run records, oldest first.
func (s *Scheduler) History() []RunRecord {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]RunRecord, len(s.history))
	copy(out, s.history)
	return out
}
