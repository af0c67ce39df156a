package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock drives the loop through virtual time: every After call advances
// the clock and fires immediately. When the clock would pass stopAt, the
// loop's context is canceled instead, bounding the number of iterations.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	stopAt time.Time
	cancel context.CancelFunc
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.now.Add(d)
	if c.cancel != nil && !c.stopAt.IsZero() && next.After(c.stopAt) {
		c.cancel()
		return make(chan time.Time) // never fires; cancellation ends the loop
	}
	c.now = next
	ch := make(chan time.Time, 1)
	ch <- next
	return ch
}

// newTestScheduler wires a scheduler to a fake clock that cancels the
// returned context once virtual time would exceed t0+horizon.
func newTestScheduler(cfg Config, horizon time.Duration) (*Scheduler, *fakeClock, context.Context) {
	s := New(cfg)
	clk := &fakeClock{now: t0, stopAt: t0.Add(horizon)}
	ctx, cancel := context.WithCancel(context.Background())
	clk.cancel = cancel
	s.clock = clk.Now
	s.after = clk.After
	return s, clk, ctx
}

func countRecords(recs []RunRecord, job string, ok bool) int {
	n := 0
	for _, r := range recs {
		if r.Job == job && r.OK == ok {
			n++
		}
	}
	return n
}

func TestRegisterDuplicateName(t *testing.T) {
	s := New(Config{})
	require.NoError(t, s.Register(JobSpec{Name: "sync", Every: time.Minute, Run: func(context.Context) error { return nil }}))

	err := s.Register(JobSpec{Name: "sync", Every: time.Second, Run: func(context.Context) error { return nil }})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)

	// Original trigger untouched.
	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "@every 1m0s", jobs[0].Trigger)
}

func TestRegisterNonPositiveInterval(t *testing.T) {
	s := New(Config{})
	for _, every := range []time.Duration{0, -time.Second} {
		err := s.Register(JobSpec{Name: "bad", Every: every, Run: func(context.Context) error { return nil }})
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr, "interval %s", every)
	}
	assert.Empty(t, s.Jobs(), "rejected job must not be added to the registry")
}

func TestRegisterInvalidCron(t *testing.T) {
	s := New(Config{})
	err := s.Register(JobSpec{Name: "bad", Cron: "not a cron", Run: func(context.Context) error { return nil }})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Empty(t, s.Jobs())
}

func TestRegisterMissingRun(t *testing.T) {
	s := New(Config{})
	var cfgErr *ConfigError
	require.ErrorAs(t, s.Register(JobSpec{Name: "norun", Every: time.Second}), &cfgErr)
}

func TestIntervalJobFiresEachPeriod(t *testing.T) {
	s, _, ctx := newTestScheduler(Config{}, 4500*time.Millisecond)

	var runs atomic.Int64
	require.NoError(t, s.Register(JobSpec{
		Name:  "sync",
		Every: time.Second,
		Run:   func(context.Context) error { runs.Add(1); return nil },
	}))

	err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// Due at t0 and then once per second: five runs inside five time units.
	recs := s.History()
	assert.GreaterOrEqual(t, countRecords(recs, "sync", true), 4)
	assert.EqualValues(t, countRecords(recs, "sync", true), runs.Load())
}

func TestFailingJobNeverStopsLoop(t *testing.T) {
	s, _, ctx := newTestScheduler(Config{}, 2500*time.Millisecond)

	boom := errors.New("extract failed")
	require.NoError(t, s.Register(JobSpec{
		Name:  "fail",
		Every: time.Second,
		Run:   func(context.Context) error { return boom },
	}))

	err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled, "a failing job must never terminate the loop")

	recs := s.History()
	require.Equal(t, 3, len(recs), "three trigger cycles, three records")
	for _, r := range recs {
		assert.False(t, r.OK)
		assert.Contains(t, r.Error, "extract failed")
	}

	// Still accepting registrations afterward.
	require.NoError(t, s.Register(JobSpec{Name: "late", Every: time.Second, Run: func(context.Context) error { return nil }}))
}

func TestPanicConvertedToFailureRecord(t *testing.T) {
	s, _, ctx := newTestScheduler(Config{}, 1500*time.Millisecond)

	require.NoError(t, s.Register(JobSpec{
		Name:  "panicky",
		Every: time.Second,
		Run:   func(context.Context) error { panic("boom") },
	}))

	require.ErrorIs(t, s.Run(ctx), context.Canceled)

	recs := s.History()
	require.NotEmpty(t, recs)
	for _, r := range recs {
		assert.False(t, r.OK)
		assert.Contains(t, r.Error, "panic: boom")
	}
}

func TestSequentialOrderWithinTick(t *testing.T) {
	s, _, ctx := newTestScheduler(Config{Mode: Sequential}, 500*time.Millisecond)

	for _, name := range []string{"a", "b"} {
		require.NoError(t, s.Register(JobSpec{Name: name, Every: time.Second, Run: func(context.Context) error { return nil }}))
	}

	require.ErrorIs(t, s.Run(ctx), context.Canceled)

	recs := s.History()
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Job)
	assert.Equal(t, "b", recs[1].Job)
}

func TestConcurrentLimitOneMatchesSequential(t *testing.T) {
	s, _, ctx := newTestScheduler(Config{Mode: Concurrent, MaxConcurrent: 1}, 500*time.Millisecond)

	for _, name := range []string{"a", "b"} {
		require.NoError(t, s.Register(JobSpec{Name: name, Every: time.Second, Run: func(context.Context) error { return nil }}))
	}

	require.ErrorIs(t, s.Run(ctx), context.Canceled)

	recs := s.History()
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Job)
	assert.Equal(t, "b", recs[1].Job)
}

func TestHistoryBoundedFIFO(t *testing.T) {
	s, _, ctx := newTestScheduler(Config{HistorySize: 3}, 5500*time.Millisecond)

	var n atomic.Int64
	require.NoError(t, s.Register(JobSpec{
		Name:  "fail",
		Every: time.Second,
		Run: func(context.Context) error {
			return fmt.Errorf("failure #%d", n.Add(1))
		},
	}))

	require.ErrorIs(t, s.Run(ctx), context.Canceled)

	recs := s.History()
	require.Len(t, recs, 3, "history capped at 3")
	// Oldest evicted first: the surviving records are the most recent ones.
	assert.Contains(t, recs[2].Error, fmt.Sprintf("failure #%d", n.Load()))
}

func TestOverlapSkipPolicy(t *testing.T) {
	s := New(Config{})
	s.clock = func() time.Time { return t0 }

	require.NoError(t, s.Register(JobSpec{
		Name:    "slow",
		Every:   time.Second,
		Overlap: OverlapSkip,
		Run:     func(context.Context) error { return nil },
	}))

	due, err := s.collectDue(t0)
	require.NoError(t, err)
	require.Len(t, due, 1)

	// Previous run still in flight one interval later: skipped, not re-run.
	due2, err := s.collectDue(t0.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, due2)

	s.finish(due[0])

	due3, err := s.collectDue(t0.Add(2 * time.Second))
	require.NoError(t, err)
	assert.Len(t, due3, 1)
}

func TestOverlapAllowPolicy(t *testing.T) {
	s := New(Config{})
	s.clock = func() time.Time { return t0 }

	require.NoError(t, s.Register(JobSpec{
		Name:    "slow",
		Every:   time.Second,
		Overlap: OverlapAllow,
		Run:     func(context.Context) error { return nil },
	}))

	due, err := s.collectDue(t0)
	require.NoError(t, err)
	require.Len(t, due, 1)

	due2, err := s.collectDue(t0.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, due2, 1, "allow policy runs alongside the in-flight execution")
}

func TestRunNow(t *testing.T) {
	s, _, ctx := newTestScheduler(Config{}, 500*time.Millisecond)

	var runs atomic.Int64
	require.NoError(t, s.Register(JobSpec{
		Name: "yearly",
		Cron: "0 0 1 1 *",
		Run:  func(context.Context) error { runs.Add(1); return nil },
	}))

	require.ErrorIs(t, s.RunNow("nope"), ErrNotFound)
	require.NoError(t, s.RunNow("yearly"))

	require.ErrorIs(t, s.Run(ctx), context.Canceled)
	assert.EqualValues(t, 1, runs.Load(), "forced run fires without waiting for the cron slot")
}

func TestRunTwiceIsFatal(t *testing.T) {
	s := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.State() == Running }, time.Second, 5*time.Millisecond)

	var fatal *FatalSchedulerError
	require.ErrorAs(t, s.Run(ctx), &fatal)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Eventually(t, func() bool { return s.State() == Stopped }, time.Second, 5*time.Millisecond)
}

func TestCorruptedRegistryIsFatal(t *testing.T) {
	s, _, ctx := newTestScheduler(Config{}, time.Minute)
	require.NoError(t, s.Register(JobSpec{Name: "sync", Every: time.Second, Run: func(context.Context) error { return nil }}))

	s.mu.Lock()
	s.index["ghost"] = &job{name: "ghost"}
	s.mu.Unlock()

	var fatal *FatalSchedulerError
	require.ErrorAs(t, s.Run(ctx), &fatal)
}

func TestLastRunMonotonic(t *testing.T) {
	s, _, ctx := newTestScheduler(Config{}, 3500*time.Millisecond)
	require.NoError(t, s.Register(JobSpec{Name: "sync", Every: time.Second, Run: func(context.Context) error { return nil }}))

	require.ErrorIs(t, s.Run(ctx), context.Canceled)

	recs := s.History()
	require.GreaterOrEqual(t, len(recs), 2)
	for i := 1; i < len(recs); i++ {
		assert.False(t, recs[i].StartedAt.Before(recs[i-1].StartedAt))
	}
}
