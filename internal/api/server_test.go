package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clearsync/internal/domain"
	"clearsync/internal/scheduler"
)

type fakeWatermarks struct {
	wms []domain.Watermark
	err error
}

func (f *fakeWatermarks) Watermarks(context.Context) ([]domain.Watermark, error) {
	return f.wms, f.err
}

func newTestServer(t *testing.T) (*scheduler.Scheduler, http.Handler) {
	t.Helper()
	sched := scheduler.New(scheduler.Config{})
	marks := &fakeWatermarks{wms: []domain.Watermark{
		{Table: domain.TableScenario, LastFetchedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), RowsLastRun: 3},
	}}
	failures := func() map[string]int { return map[string]int{"sync-runs": 2} }
	return sched, NewServer(sched, marks, failures)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	_, h := newTestServer(t)
	rec := get(t, h, "/health")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestMetricsExposeRunCounters(t *testing.T) {
	sched, h := newTestServer(t)
	require.NoError(t, sched.Register(scheduler.JobSpec{
		Name:  "sync-scenarios",
		Every: time.Minute,
		Run:   func(context.Context) error { return nil },
	}))

	rec := get(t, h, "/metrics")
	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "clearsync_up 1")
	assert.Contains(t, body, "clearsync_jobs_registered 1")
	assert.Contains(t, body, `clearsync_consecutive_failures{stream="sync-runs"} 2`)
}

func TestListJobs(t *testing.T) {
	sched, h := newTestServer(t)
	require.NoError(t, sched.Register(scheduler.JobSpec{
		Name:  "sync-timeline",
		Every: 30 * time.Second,
		Run:   func(context.Context) error { return nil },
	}))

	rec := get(t, h, "/api/jobs")
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"sync-timeline"`)
	assert.Contains(t, rec.Body.String(), `"trigger":"@every 30s"`)
}

func TestRunJobTriggersAndRejectsUnknown(t *testing.T) {
	sched, h := newTestServer(t)
	require.NoError(t, sched.Register(scheduler.JobSpec{
		Name: "sync-runs",
		Cron: "0 0 1 1 *",
		Run:  func(context.Context) error { return nil },
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/jobs/sync-runs/run", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/jobs/no-such-job/run", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestListWatermarks(t *testing.T) {
	_, h := newTestServer(t)
	rec := get(t, h, "/api/watermarks")
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), domain.TableScenario)
}

func TestListWatermarksError(t *testing.T) {
	sched := scheduler.New(scheduler.Config{})
	h := NewServer(sched, &fakeWatermarks{err: errors.New("mart offline")}, nil)
	rec := get(t, h, "/api/watermarks")
	assert.Equal(t, 500, rec.Code)
}

func TestListRunsEmpty(t *testing.T) {
	sched := scheduler.New(scheduler.Config{})
	h := NewServer(sched, &fakeWatermarks{}, nil)

	// No runs yet: empty JSON array, not an error.
	rec := get(t, h, "/api/runs")
	assert.Equal(t, 200, rec.Code)
}
