// Package api exposes the daemon's observation surface: job registry,
// run history, watermark positions, and a manual trigger. The mart itself
// is queried with any SQLite client; this API is about the loop.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"clearsync/internal/domain"
	"clearsync/internal/scheduler"
)

// Watermarks is the slice of the mart the API needs.
type Watermarks interface {
	Watermarks(ctx context.Context) ([]domain.Watermark, error)
}

type Server struct {
	sched    *scheduler.Scheduler
	marks    Watermarks
	failures func() map[string]int
}

func NewServer(sched *scheduler.Scheduler, marks Watermarks, failures func() map[string]int) http.Handler {
	return NewServerWithDebug(sched, marks, failures, false)
}

func NewServerWithDebug(sched *scheduler.Scheduler, marks Watermarks, failures func() map[string]int, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{sched: sched, marks: marks, failures: failures}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/api/jobs", s.listJobs)
	r.Post("/api/jobs/{name}/run", s.runJob)
	r.Get("/api/runs", s.listRuns)
	r.Get("/api/watermarks", s.listWatermarks)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	var ok, failed int
	for _, rec := range s.sched.History() {
		if rec.OK {
			ok++
		} else {
			failed++
		}
	}

	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "clearsync_up 1\n")
	fmt.Fprintf(w, "clearsync_jobs_registered %d\n", len(s.sched.Jobs()))
	fmt.Fprintf(w, "clearsync_runs_ok %d\n", ok)
	fmt.Fprintf(w, "clearsync_runs_failed %d\n", failed)
	if s.failures != nil {
		for stream, n := range s.failures() {
			fmt.Fprintf(w, "clearsync_consecutive_failures{stream=%q} %d\n", stream, n)
		}
	}
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.sched.Jobs())
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.sched.RunNow(name); err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job": name, "status": "triggered"})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	// Newest first: the history is kept oldest-first internally.
	recs := s.sched.History()
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	writeJSON(w, 200, recs)
}

func (s *Server) listWatermarks(w http.ResponseWriter, r *http.Request) {
	wms, err := s.marks.Watermarks(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, wms)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
