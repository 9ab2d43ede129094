package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"pgprofiler/internal/cache"
	"pgprofiler/internal/collector"
	"pgprofiler/internal/pool"
	"pgprofiler/internal/scheduler"
	"pgprofiler/internal/storage"
)

type fakeRepo struct {
	targets map[int64]storage.Target
	nextID  int64
	latest  map[int64]storage.MetricSample
	history []storage.MetricSample
	slow    []storage.QueryStat
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{targets: map[int64]storage.Target{}, latest: map[int64]storage.MetricSample{}, nextID: 1}
}

func (f *fakeRepo) CreateTarget(_ context.Context, t *storage.Target) error {
	t.ID = f.nextID
	f.nextID++
	f.targets[t.ID] = *t
	return nil
}

func (f *fakeRepo) ListTargets(_ context.Context, activeOnly bool) ([]storage.Target, error) {
	var out []storage.Target
	for _, t := range f.targets {
		if activeOnly && !t.Active {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeRepo) GetTarget(_ context.Context, id int64) (storage.Target, error) {
	t, ok := f.targets[id]
	if !ok {
		return storage.Target{}, storage.ErrNotFound
	}
	return t, nil
}

func (f *fakeRepo) SetTargetActive(_ context.Context, id int64, active bool) error {
	t := f.targets[id]
	t.Active = active
	f.targets[id] = t
	return nil
}

func (f *fakeRepo) LatestSample(_ context.Context, targetID int64) (storage.MetricSample, error) {
	s, ok := f.latest[targetID]
	if !ok {
		return storage.MetricSample{}, storage.ErrNotFound
	}
	return s, nil
}

func (f *fakeRepo) RecentSamples(_ context.Context, _ int64, _ time.Time, _ int) ([]storage.MetricSample, error) {
	return f.history, nil
}

func (f *fakeRepo) SlowQueryStats(_ context.Context, _ int64, _ int) ([]storage.QueryStat, error) {
	return f.slow, nil
}

type fakeJobs struct {
	jobs map[string]scheduler.Job
}

func (f *fakeJobs) Submit(kind scheduler.TaskKind, targetID *int64) (scheduler.Job, error) {
	job := scheduler.Job{ID: "job-1", Kind: kind, TargetID: targetID, Status: scheduler.StatePending}
	if f.jobs == nil {
		f.jobs = map[string]scheduler.Job{}
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobs) Job(id string) (scheduler.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return scheduler.Job{}, scheduler.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeJobs) Cancel(id string) error {
	if _, ok := f.jobs[id]; !ok {
		return scheduler.ErrJobNotFound
	}
	job := f.jobs[id]
	job.Status = scheduler.StateCancelled
	f.jobs[id] = job
	return nil
}

type fakeInspector struct{}

func (fakeInspector) ActiveQueries(_ context.Context, _ int64) ([]collector.ActiveQuery, error) {
	return []collector.ActiveQuery{{PID: 42, State: "active", Query: "SELECT 1"}}, nil
}

func (fakeInspector) TableStats(_ context.Context, _ int64) ([]collector.TableStat, error) {
	return nil, pool.ErrNoPool
}

func newTestRouter(repo *fakeRepo, jobs *fakeJobs) http.Handler {
	h := &Handler{
		Repo:      repo,
		Jobs:      jobs,
		Inspector: fakeInspector{},
		Cache:     cache.NewService(cache.NewMemory(), nil),
		CheckTarget: func(_ context.Context, _ pool.Config) (pool.ServerInfo, error) {
			return pool.ServerInfo{Version: "PostgreSQL 16.2", Uptime: "3 days"}, nil
		},
	}
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func TestTargetCreateAndGet(t *testing.T) {
	repo := newFakeRepo()
	router := newTestRouter(repo, &fakeJobs{})

	body, _ := json.Marshal(map[string]any{
		"name": "prod", "host": "db.internal", "port": 5432,
		"database": "app", "username": "monitor", "password": "s3cret",
		"alert_thresholds": map[string]float64{"cpu_usage": 75},
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/targets/", bytes.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
	}
	var created storage.Target
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == 0 || !created.AutoMonitoring {
		t.Fatalf("unexpected target %+v", created)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/targets/1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get returned %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/targets/99", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing target returned %d", rec.Code)
	}
}

func TestTargetCreateValidation(t *testing.T) {
	router := newTestRouter(newFakeRepo(), &fakeJobs{})

	body, _ := json.Marshal(map[string]any{"name": "prod"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/targets/", bytes.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("incomplete target returned %d", rec.Code)
	}
}

func TestLatestMetricsCacheAside(t *testing.T) {
	repo := newFakeRepo()
	cpu := 42.5
	repo.latest[1] = storage.MetricSample{ID: 10, TargetID: 1, Timestamp: time.Now().UTC(), CPUUsage: &cpu}
	router := newTestRouter(repo, &fakeJobs{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/targets/1/metrics/latest", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("latest returned %d", rec.Code)
	}

	// remove the backing row; the cached copy must still serve
	delete(repo.latest, 1)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/targets/1/metrics/latest", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("cached latest returned %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/targets/2/metrics/latest", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("target without metrics returned %d", rec.Code)
	}
}

func TestTargetCheck(t *testing.T) {
	repo := newFakeRepo()
	repo.targets[1] = storage.Target{ID: 1, Name: "prod", Host: "db", Port: 5432, Database: "app", Username: "monitor"}
	router := newTestRouter(repo, &fakeJobs{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/targets/1/check", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("check returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["version"] != "PostgreSQL 16.2" {
		t.Fatalf("unexpected check response %v", resp)
	}
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	router := newTestRouter(newFakeRepo(), &fakeJobs{})

	body, _ := json.Marshal(map[string]any{"kind": "collect_metrics"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/", bytes.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit returned %d: %s", rec.Code, rec.Body.String())
	}
	var job scheduler.Job
	_ = json.Unmarshal(rec.Body.Bytes(), &job)
	if job.ID == "" {
		t.Fatalf("job id missing")
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get job returned %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/jobs/"+job.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel returned %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job returned %d", rec.Code)
	}
}

func TestActivityAndTables(t *testing.T) {
	repo := newFakeRepo()
	router := newTestRouter(repo, &fakeJobs{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/targets/1/activity", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("activity returned %d", rec.Code)
	}

	// the fake inspector reports no pool for table stats
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/targets/1/tables", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("unmonitored target returned %d", rec.Code)
	}
}
