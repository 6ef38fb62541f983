// Package server exposes the operational HTTP API: health and status
// probes, the manual sync trigger, scheduler job management, the
// progress websocket and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/KBT0207/tally-project-sub000/engine"
	"github.com/KBT0207/tally-project-sub000/metrics"
	"github.com/KBT0207/tally-project-sub000/model"
	"github.com/KBT0207/tally-project-sub000/progress"
	"github.com/KBT0207/tally-project-sub000/scheduler"
)

// SyncRunner is the slice of the orchestrator the API needs.
type SyncRunner interface {
	TryRun(ctx context.Context, company model.Company, from *time.Time, to time.Time) (engine.RunResult, error)
	Running(company string) bool
}

// StateReader reads watermarks for the status endpoint.
type StateReader interface {
	All(ctx context.Context, company string) ([]model.SyncState, error)
}

// CompanyResolver maps a path slug to a configured company.
type CompanyResolver func(name string) (model.Company, bool)

type Server struct {
	runner    SyncRunner
	states    StateReader
	sched     *scheduler.Scheduler
	hub       *progress.Hub
	collector *metrics.Collector
	resolve   CompanyResolver
	logger    *zap.Logger

	http *http.Server
}

func New(addr string, runner SyncRunner, states StateReader, sched *scheduler.Scheduler,
	hub *progress.Hub, collector *metrics.Collector, resolve CompanyResolver, logger *zap.Logger) *Server {
	s := &Server{
		runner:    runner,
		states:    states,
		sched:     sched,
		hub:       hub,
		collector: collector,
		resolve:   resolve,
		logger:    logger,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", s.handleHealth)
	r.Get("/status/{company}", s.handleStatus)
	r.Post("/sync/{company}", s.handleSync)
	r.Get("/jobs", s.handleListJobs)
	r.Put("/jobs/{id}", s.handleSaveJob)
	r.Delete("/jobs/{id}", s.handleDeleteJob)
	r.Get("/ws", s.hub.ServeWS)
	r.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))
	return r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "company")
	company, ok := s.resolve(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown company"})
		return
	}

	states, err := s.states.All(r.Context(), company.Name)
	if err != nil {
		s.logger.Error("status read failed", zap.String("company", company.Name), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "state read failed"})
		return
	}

	type kindStatus struct {
		Kind            string    `json:"kind"`
		LastAlterID     int64     `json:"last_alter_id"`
		IsInitialDone   bool      `json:"is_initial_done"`
		LastSyncedMonth string    `json:"last_synced_month,omitempty"`
		LastSyncTime    time.Time `json:"last_sync_time"`
	}
	out := struct {
		Company string       `json:"company"`
		Running bool         `json:"running"`
		Kinds   []kindStatus `json:"kinds"`
	}{
		Company: company.Name,
		Running: s.runner.Running(company.Name),
	}
	for _, st := range states {
		out.Kinds = append(out.Kinds, kindStatus{
			Kind:            string(st.VoucherType),
			LastAlterID:     st.LastAlterID,
			IsInitialDone:   st.IsInitialDone,
			LastSyncedMonth: st.LastSyncedMonth,
			LastSyncTime:    st.LastSyncTime,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "company")
	company, ok := s.resolve(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown company"})
		return
	}
	if !company.IsActive {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "company is inactive"})
		return
	}

	var from *time.Time
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "from must be YYYY-MM-DD"})
			return
		}
		from = &t
	}
	to := time.Now()
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "to must be YYYY-MM-DD"})
			return
		}
		to = t
	}

	if s.runner.Running(company.Name) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "sync already running"})
		return
	}

	// The trigger returns immediately; progress is observable on the
	// websocket and the status endpoint.
	go func() {
		if _, err := s.runner.TryRun(context.Background(), company, from, to); err != nil {
			s.logger.Warn("manual sync rejected", zap.String("company", company.Name), zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "company": company.Name})
}

type jobPayload struct {
	CompanyName string `json:"company_name"`
	Trigger     string `json:"trigger"`
	IntervalSec int    `json:"interval_seconds,omitempty"`
	DailyTime   string `json:"daily_time,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Jobs())
}

func (s *Server) handleSaveJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var p jobPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if _, ok := s.resolve(p.CompanyName); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown company"})
		return
	}
	job := scheduler.Job{
		ID:          id,
		CompanyName: p.CompanyName,
		Trigger:     scheduler.TriggerKind(p.Trigger),
		Interval:    time.Duration(p.IntervalSec) * time.Second,
		DailyTime:   p.DailyTime,
		Timezone:    p.Timezone,
		Enabled:     p.Enabled,
	}
	if err := s.sched.AddJob(r.Context(), job); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved", "id": id})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.RemoveJob(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "id": id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
