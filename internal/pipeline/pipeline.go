// Package pipeline composes the extract, transform and load stages into
// the per-stream sync cycles the scheduler runs. Each stream is isolated:
// a broken query or source column affects only its own stream, the other
// five keep syncing.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"clearsync/internal/domain"
	"clearsync/internal/scheduler"
	"clearsync/internal/transform"
)

// Source is the incremental read side, one method per stream.
type Source interface {
	Scenarios(ctx context.Context, since time.Time) ([]domain.ScenarioRow, error)
	NodeData(ctx context.Context, since time.Time) ([]domain.NodeDataRow, error)
	Runs(ctx context.Context, since time.Time) ([]domain.RunRow, error)
	NodeCalc(ctx context.Context, since time.Time) ([]domain.NodeCalcRow, error)
	EventData(ctx context.Context, since time.Time) ([]domain.EventDataRow, error)
	Timeline(ctx context.Context, since time.Time) ([]domain.TimelineRow, error)
}

// Mart is the write side: loaders plus watermark bookkeeping.
type Mart interface {
	Watermark(ctx context.Context, table string, overlap time.Duration) (time.Time, error)
	AdvanceWatermark(ctx context.Context, table string, now time.Time, rowsFetched int) error
	LoadScenarios(ctx context.Context, rows []domain.ScenarioRow) (int, error)
	LoadNodeInputs(ctx context.Context, recs []transform.NodeInputRecord) (int, error)
	LoadRuns(ctx context.Context, rows []domain.RunRow) (int, error)
	LoadNodeCalc(ctx context.Context, rows []domain.NodeCalcRow) (int, error)
	LoadEventInputs(ctx context.Context, recs []transform.EventInputRecord) (int, error)
	LoadTimeline(ctx context.Context, rows []domain.TimelineRow) (int, error)
}

type Pipeline struct {
	source     Source
	mart       Mart
	overlap    time.Duration
	alertAfter int
	clock      func() time.Time

	mu       sync.Mutex
	failures map[string]int
}

func New(source Source, mart Mart, overlap time.Duration, alertAfter int) *Pipeline {
	return &Pipeline{
		source:     source,
		mart:       mart,
		overlap:    overlap,
		alertAfter: alertAfter,
		clock:      time.Now,
		failures:   map[string]int{},
	}
}

// Jobs returns one interval job per stream, in a fixed order so the
// sequential mode processes streams deterministically. Scenarios go
// first: the other streams reference them.
func (p *Pipeline) Jobs(every time.Duration) []scheduler.JobSpec {
	return []scheduler.JobSpec{
		{Name: "sync-scenarios", Every: every, Run: p.SyncScenarios},
		{Name: "sync-node-inputs", Every: every, Run: p.SyncNodeInputs},
		{Name: "sync-runs", Every: every, Run: p.SyncRuns},
		{Name: "sync-node-calc", Every: every, Run: p.SyncNodeCalc},
		{Name: "sync-event-inputs", Every: every, Run: p.SyncEventInputs},
		{Name: "sync-timeline", Every: every, Run: p.SyncTimeline},
	}
}

// SyncScenarios runs one scenario cycle: watermark, extract, upsert.
func (p *Pipeline) SyncScenarios(ctx context.Context) error {
	return p.cycle(ctx, "sync-scenarios", domain.TableScenario, func(ctx context.Context, since time.Time) (int, int, error) {
		rows, err := p.source.Scenarios(ctx, since)
		if err != nil {
			return 0, 0, err
		}
		written, err := p.mart.LoadScenarios(ctx, rows)
		return len(rows), written, err
	})
}

// SyncNodeInputs flattens the JSONB payloads before loading.
func (p *Pipeline) SyncNodeInputs(ctx context.Context) error {
	return p.cycle(ctx, "sync-node-inputs", domain.TableNodeData, func(ctx context.Context, since time.Time) (int, int, error) {
		rows, err := p.source.NodeData(ctx, since)
		if err != nil {
			return 0, 0, err
		}
		written, err := p.mart.LoadNodeInputs(ctx, transform.NodeInputs(rows))
		return len(rows), written, err
	})
}

func (p *Pipeline) SyncRuns(ctx context.Context) error {
	return p.cycle(ctx, "sync-runs", domain.TableRun, func(ctx context.Context, since time.Time) (int, int, error) {
		rows, err := p.source.Runs(ctx, since)
		if err != nil {
			return 0, 0, err
		}
		written, err := p.mart.LoadRuns(ctx, rows)
		return len(rows), written, err
	})
}

func (p *Pipeline) SyncNodeCalc(ctx context.Context) error {
	return p.cycle(ctx, "sync-node-calc", domain.TableNodeCalc, func(ctx context.Context, since time.Time) (int, int, error) {
		rows, err := p.source.NodeCalc(ctx, since)
		if err != nil {
			return 0, 0, err
		}
		written, err := p.mart.LoadNodeCalc(ctx, rows)
		return len(rows), written, err
	})
}

func (p *Pipeline) SyncEventInputs(ctx context.Context) error {
	return p.cycle(ctx, "sync-event-inputs", domain.TableEventData, func(ctx context.Context, since time.Time) (int, int, error) {
		rows, err := p.source.EventData(ctx, since)
		if err != nil {
			return 0, 0, err
		}
		written, err := p.mart.LoadEventInputs(ctx, transform.EventInputs(rows))
		return len(rows), written, err
	})
}

func (p *Pipeline) SyncTimeline(ctx context.Context) error {
	return p.cycle(ctx, "sync-timeline", domain.TableTimeline, func(ctx context.Context, since time.Time) (int, int, error) {
		rows, err := p.source.Timeline(ctx, since)
		if err != nil {
			return 0, 0, err
		}
		written, err := p.mart.LoadTimeline(ctx, rows)
		return len(rows), written, err
	})
}

// cycle is the shared shape of every stream: read the watermark, fetch
// and load, then advance the watermark. The watermark only moves after a
// fully successful cycle, so a failed cycle is retried from the same
// position next time.
func (p *Pipeline) cycle(ctx context.Context, stream, table string, sync func(context.Context, time.Time) (fetched, written int, err error)) error {
	since, err := p.mart.Watermark(ctx, table, p.overlap)
	if err != nil {
		return p.fail(stream, fmt.Errorf("%s: %w", stream, err))
	}
	started := p.clock()

	fetched, written, err := sync(ctx, since)
	if err != nil {
		return p.fail(stream, fmt.Errorf("%s: %w", stream, err))
	}
	if err := p.mart.AdvanceWatermark(ctx, table, started, fetched); err != nil {
		return p.fail(stream, fmt.Errorf("%s: %w", stream, err))
	}

	p.mu.Lock()
	p.failures[stream] = 0
	p.mu.Unlock()

	log.Debug().
		Str("stream", stream).
		Int("fetched", fetched).
		Int("written", written).
		Time("since", since).
		Msg("sync cycle complete")
	return nil
}

// fail counts consecutive failures per stream and escalates to an alert
// once the threshold is crossed. The error is returned either way so the
// scheduler records the failed run.
func (p *Pipeline) fail(stream string, err error) error {
	p.mu.Lock()
	p.failures[stream]++
	n := p.failures[stream]
	p.mu.Unlock()

	if p.alertAfter > 0 && n >= p.alertAfter {
		log.Error().
			Str("stream", stream).
			Int("consecutive_failures", n).
			Err(err).
			Msg("stream keeps failing, needs attention")
	}
	return err
}

// Failures reports the current consecutive-failure count per stream.
func (p *Pipeline) Failures() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.failures))
	for k, v := range p.failures {
		out[k] = v
	}
	return out
}
