package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"pgprofiler/internal/cache"
	"pgprofiler/internal/collector"
	"pgprofiler/internal/pool"
	"pgprofiler/internal/scheduler"
	"pgprofiler/internal/storage"
)

// Repo is the storage slice the HTTP layer reads and writes.
type Repo interface {
	CreateTarget(ctx context.Context, t *storage.Target) error
	ListTargets(ctx context.Context, activeOnly bool) ([]storage.Target, error)
	GetTarget(ctx context.Context, id int64) (storage.Target, error)
	SetTargetActive(ctx context.Context, id int64, active bool) error
	LatestSample(ctx context.Context, targetID int64) (storage.MetricSample, error)
	RecentSamples(ctx context.Context, targetID int64, since time.Time, limit int) ([]storage.MetricSample, error)
	SlowQueryStats(ctx context.Context, targetID int64, limit int) ([]storage.QueryStat, error)
}

// Jobs is the scheduler surface exposed over HTTP; *scheduler.Registry
// satisfies it.
type Jobs interface {
	Submit(kind scheduler.TaskKind, targetID *int64) (scheduler.Job, error)
	Job(id string) (scheduler.Job, error)
	Cancel(id string) error
}

// Inspector serves live introspection reads; *collector.Collector satisfies
// it.
type Inspector interface {
	ActiveQueries(ctx context.Context, targetID int64) ([]collector.ActiveQuery, error)
	TableStats(ctx context.Context, targetID int64) ([]collector.TableStat, error)
}

type Publisher interface {
	Publish(subject string, payload any) error
}

type Handler struct {
	Repo      Repo
	Jobs      Jobs
	Inspector Inspector
	Cache     *cache.Service
	Bus       Publisher

	// CheckTarget probes a candidate target without registering a pool;
	// defaults to pool.CheckTarget.
	CheckTarget func(ctx context.Context, cfg pool.Config) (pool.ServerInfo, error)
}

type targetRequest struct {
	Name            string             `json:"name"`
	Host            string             `json:"host"`
	Port            int                `json:"port"`
	Database        string             `json:"database"`
	Username        string             `json:"username"`
	Password        string             `json:"password"`
	SSLMode         string             `json:"ssl_mode"`
	AutoMonitoring  *bool              `json:"auto_monitoring"`
	AlertThresholds map[string]float64 `json:"alert_thresholds"`
}

type jobRequest struct {
	Kind     string `json:"kind"`
	TargetID *int64 `json:"target_id"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/targets", func(r chi.Router) {
		r.Post("/", h.handleTargetCreate)
		r.Get("/", h.handleTargetList)
		r.Get("/{id}", h.handleTargetGet)
		r.Post("/{id}/enable", h.handleTargetEnable)
		r.Post("/{id}/disable", h.handleTargetDisable)
		r.Post("/{id}/check", h.handleTargetCheck)
		r.Get("/{id}/metrics/latest", h.handleLatestMetrics)
		r.Get("/{id}/metrics", h.handleMetricHistory)
		r.Get("/{id}/queries", h.handleSlowQueries)
		r.Get("/{id}/activity", h.handleActivity)
		r.Get("/{id}/tables", h.handleTables)
	})
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.handleJobCreate)
		r.Get("/{id}", h.handleJobGet)
		r.Delete("/{id}", h.handleJobCancel)
	})
	r.Get("/healthz", h.handleHealthz)
}

func (h *Handler) handleTargetCreate(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	if req.Name == "" || req.Host == "" || req.Database == "" || req.Username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "name, host, database and username are required"})
		return
	}
	target := storage.Target{
		Name:             req.Name,
		Host:             req.Host,
		Port:             req.Port,
		Database:         req.Database,
		Username:         req.Username,
		Password:         req.Password,
		SSLMode:          req.SSLMode,
		Active:           true,
		AutoMonitoring:   req.AutoMonitoring == nil || *req.AutoMonitoring,
		ConnectionStatus: storage.StatusUnknown,
		AlertThresholds:  req.AlertThresholds,
	}
	if err := h.Repo.CreateTarget(r.Context(), &target); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to store target"})
		return
	}
	h.publishTargetUpdate(target.ID)
	writeJSON(w, http.StatusCreated, target)
}

func (h *Handler) handleTargetList(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	targets, err := h.Repo.ListTargets(r.Context(), activeOnly)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to list targets"})
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

func (h *Handler) handleTargetGet(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}
	target, err := h.Repo.GetTarget(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "target not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to load target"})
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (h *Handler) handleTargetEnable(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *Handler) handleTargetDisable(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}
	if err := h.Repo.SetTargetActive(r.Context(), id, active); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to update target"})
		return
	}
	h.publishTargetUpdate(id)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleTargetCheck probes the target with a one-off connection and reports
// server version and uptime without touching the pool registry.
func (h *Handler) handleTargetCheck(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}
	target, err := h.Repo.GetTarget(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "target not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to load target"})
		return
	}
	check := h.CheckTarget
	if check == nil {
		check = pool.CheckTarget
	}
	info, err := check(r.Context(), pool.Config{
		Host:     target.Host,
		Port:     target.Port,
		Database: target.Database,
		Username: target.Username,
		Password: target.Password,
		SSLMode:  target.SSLMode,
	})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": info.Version, "uptime": info.Uptime})
}

func (h *Handler) handleLatestMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}
	key := cache.Key("latest_metrics", id)
	var cached storage.MetricSample
	if h.Cache.Get(r.Context(), key, &cached) {
		writeJSON(w, http.StatusOK, cached)
		return
	}
	sample, err := h.Repo.LatestSample(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "no metrics recorded"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to load metrics"})
		return
	}
	h.Cache.Set(r.Context(), key, sample, cache.MetricsTTL)
	writeJSON(w, http.StatusOK, sample)
}

func (h *Handler) handleMetricHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}
	hours := queryInt(r, "hours", 1)
	limit := queryInt(r, "limit", 500)
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	samples, err := h.Repo.RecentSamples(r.Context(), id, since, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to load metrics"})
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (h *Handler) handleSlowQueries(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 50)
	key := cache.Key("queries", id, "slow", limit)
	var cached []storage.QueryStat
	if h.Cache.Get(r.Context(), key, &cached) {
		writeJSON(w, http.StatusOK, cached)
		return
	}
	stats, err := h.Repo.SlowQueryStats(r.Context(), id, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to load query stats"})
		return
	}
	h.Cache.Set(r.Context(), key, stats, cache.DefaultTTL)
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}
	queries, err := h.Inspector.ActiveQueries(r.Context(), id)
	if errors.Is(err, pool.ErrNoPool) {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "message": "target is not being monitored yet"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to inspect activity"})
		return
	}
	writeJSON(w, http.StatusOK, queries)
}

func (h *Handler) handleTables(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}
	tables, err := h.Inspector.TableStats(r.Context(), id)
	if errors.Is(err, pool.ErrNoPool) {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "message": "target is not being monitored yet"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to inspect tables"})
		return
	}
	writeJSON(w, http.StatusOK, tables)
}

func (h *Handler) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	job, err := h.Jobs.Submit(scheduler.TaskKind(req.Kind), req.TargetID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, err := h.Jobs.Job(chi.URLParam(r, "id"))
	if errors.Is(err, scheduler.ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "job not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to load job"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	err := h.Jobs.Cancel(chi.URLParam(r, "id"))
	if errors.Is(err, scheduler.ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "job not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) publishTargetUpdate(id int64) {
	if h.Bus == nil {
		return
	}
	_ = h.Bus.Publish("target.updated", map[string]any{"target_id": id})
}

func targetID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "invalid target id"})
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
