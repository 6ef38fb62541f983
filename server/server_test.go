package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/KBT0207/tally-project-sub000/engine"
	"github.com/KBT0207/tally-project-sub000/metrics"
	"github.com/KBT0207/tally-project-sub000/model"
	"github.com/KBT0207/tally-project-sub000/progress"
	"github.com/KBT0207/tally-project-sub000/scheduler"
)

type fakeRunner struct {
	running atomic.Bool
	runs    atomic.Int32
}

func (r *fakeRunner) TryRun(ctx context.Context, company model.Company, from *time.Time, to time.Time) (engine.RunResult, error) {
	r.runs.Add(1)
	return engine.RunResult{Company: company.Name}, nil
}

func (r *fakeRunner) Running(company string) bool { return r.running.Load() }

type fakeStates struct {
	states []model.SyncState
}

func (s *fakeStates) All(ctx context.Context, company string) ([]model.SyncState, error) {
	return s.states, nil
}

func newTestServer(t *testing.T, runner *fakeRunner, states *fakeStates) *Server {
	t.Helper()
	logger := zap.NewNop()
	sched := scheduler.New(scheduler.NewMemStore(),
		func(ctx context.Context, company string) error { return nil },
		nil, logger, scheduler.Options{Tick: time.Hour})
	resolve := func(name string) (model.Company, bool) {
		if name == "Acme" {
			return model.Company{Name: "Acme", IsActive: true}, true
		}
		if name == "Dormant" {
			return model.Company{Name: "Dormant"}, true
		}
		return model.Company{}, false
	}
	return New(":0", runner, states, sched, progress.NewHub(logger), metrics.NewCollector(), resolve, logger)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakeRunner{}, &fakeStates{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	states := &fakeStates{states: []model.SyncState{
		{CompanyName: "Acme", VoucherType: model.KindSales, LastAlterID: 42, IsInitialDone: true, LastSyncedMonth: "202409"},
	}}
	s := newTestServer(t, &fakeRunner{}, states)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/Acme", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var out struct {
		Company string `json:"company"`
		Kinds   []struct {
			Kind        string `json:"kind"`
			LastAlterID int64  `json:"last_alter_id"`
		} `json:"kinds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Company != "Acme" || len(out.Kinds) != 1 || out.Kinds[0].LastAlterID != 42 {
		t.Errorf("body = %s", rec.Body)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/Nobody", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown company status = %d", rec.Code)
	}
}

func TestSyncTrigger(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestServer(t, runner, &fakeStates{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync/Acme", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	deadline := time.Now().Add(2 * time.Second)
	for runner.runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runner.runs.Load() != 1 {
		t.Error("trigger did not start a run")
	}
}

func TestSyncTriggerConflicts(t *testing.T) {
	runner := &fakeRunner{}
	runner.running.Store(true)
	s := newTestServer(t, runner, &fakeStates{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync/Acme", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("running company: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync/Dormant", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("inactive company: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync/Acme?from=yesterday", nil))
	runner.running.Store(false)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad from date: status = %d", rec.Code)
	}
}

func TestJobEndpoints(t *testing.T) {
	s := newTestServer(t, &fakeRunner{}, &fakeStates{})

	body := `{"company_name":"Acme","trigger":"daily","daily_time":"02:00","enabled":true}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/jobs/acme", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("save status = %d: %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	var jobs []scheduler.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].CompanyName != "Acme" {
		t.Fatalf("jobs = %s", rec.Body)
	}

	bad := `{"company_name":"Acme","trigger":"daily","daily_time":"99:99","enabled":true}`
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/jobs/acme", strings.NewReader(bad)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid trigger: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/jobs/acme", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	if strings.Contains(rec.Body.String(), "Acme") {
		t.Errorf("job survived delete: %s", rec.Body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeRunner{}, &fakeStates{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
