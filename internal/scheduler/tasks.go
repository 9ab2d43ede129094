package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"pgprofiler/internal/cache"
	"pgprofiler/internal/collector"
	"pgprofiler/internal/metrics"
	"pgprofiler/internal/ml"
	"pgprofiler/internal/pool"
	"pgprofiler/internal/storage"
)

// TaskKind names a schedulable unit of work.
type TaskKind string

const (
	TaskCollectMetrics    TaskKind = "collect_metrics"
	TaskCollectQueryStats TaskKind = "collect_query_stats"
	TaskAnalyze           TaskKind = "analyze_performance"
	TaskTrainLoad         TaskKind = "train_load_predictor"
	TaskTrainAnomaly      TaskKind = "train_anomaly_detector"
	TaskTrainQueryTime    TaskKind = "train_query_time_predictor"
	TaskTrainAll          TaskKind = "train_all_models"
	TaskCleanup           TaskKind = "cleanup"
	TaskHealthCheck       TaskKind = "health_check"
)

func validKind(kind TaskKind) bool {
	switch kind {
	case TaskCollectMetrics, TaskCollectQueryStats, TaskAnalyze,
		TaskTrainLoad, TaskTrainAnomaly, TaskTrainQueryTime, TaskTrainAll,
		TaskCleanup, TaskHealthCheck:
		return true
	}
	return false
}

// Retention windows applied by the cleanup task.
const (
	metricRetention         = 30 * 24 * time.Hour
	queryStatRetention      = 30 * 24 * time.Hour
	alertRetention          = 7 * 24 * time.Hour
	recommendationRetention = 30 * 24 * time.Hour
	modelRetention          = 7 * 24 * time.Hour
)

// The analyzer inspects the top 20 slow and critical statements per pass.
const slowQueryLimit = 20

// Repo is the storage slice the tasks read and write.
type Repo interface {
	ListMonitoredTargets(ctx context.Context) ([]storage.Target, error)
	GetTarget(ctx context.Context, id int64) (storage.Target, error)
	UpdateConnectionStatus(ctx context.Context, id int64, status string, connectedAt *time.Time) error
	InsertSample(ctx context.Context, s *storage.MetricSample) error
	UpsertQueryStat(ctx context.Context, q *storage.QueryStat) error
	SlowQueryStats(ctx context.Context, targetID int64, limit int) ([]storage.QueryStat, error)
	DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteQueryStatsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteResolvedAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteAppliedRecommendationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pools manages per-target connection pools; *pool.Manager satisfies it.
type Pools interface {
	Acquire(ctx context.Context, targetID int64, cfg pool.Config) (*pgxpool.Pool, error)
	Ping(ctx context.Context, targetID int64) error
	Release(targetID int64)
}

type Collector interface {
	Collect(ctx context.Context, targetID int64) (storage.MetricSample, error)
	CollectQueryStats(ctx context.Context, targetID int64) ([]storage.QueryStat, error)
}

type Analyzer interface {
	AnalyzeMetrics(ctx context.Context, targetID int64, thresholds map[string]float64) (int, error)
	AnalyzeQueries(ctx context.Context, targetID int64, stats []storage.QueryStat) (int, error)
	TrendRecommendations(ctx context.Context, targetID int64) (int, error)
}

type Engine interface {
	DetectAnomaly(ctx context.Context, targetID int64) (ml.AnomalyResult, error)
	Recommend(ctx context.Context, targetID int64) (int, error)
}

type Trainer interface {
	Train(ctx context.Context, kind string, targetID *int64) (ml.TrainResult, error)
	TrainAll(ctx context.Context, targetIDs []int64) []ml.TrainResult
}

// ModelReaper removes stale model artifacts; *ml.FileStore satisfies it.
type ModelReaper interface {
	DeleteOlderThan(cutoff time.Time) (int, error)
}

type Tasks struct {
	repo      Repo
	pools     Pools
	collector Collector
	analyzer  Analyzer
	engine    Engine
	trainer   Trainer
	models    ModelReaper
	cache     *cache.Service
	meter     *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

type TaskDeps struct {
	Repo      Repo
	Pools     Pools
	Collector Collector
	Analyzer  Analyzer
	Engine    Engine
	Trainer   Trainer
	Models    ModelReaper
	Cache     *cache.Service
	Meter     *metrics.Metrics
	Logger    *slog.Logger
}

func NewTasks(d TaskDeps) *Tasks {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tasks{
		repo:      d.Repo,
		pools:     d.Pools,
		collector: d.Collector,
		analyzer:  d.Analyzer,
		engine:    d.Engine,
		trainer:   d.Trainer,
		models:    d.Models,
		cache:     d.Cache,
		meter:     d.Meter,
		logger:    logger,
		now:       time.Now,
	}
}

// Run dispatches one task. Fan-out tasks cover every monitored target unless
// targetID narrows them; a failing target is logged and skipped so the rest
// of the fleet still gets served.
func (t *Tasks) Run(ctx context.Context, kind TaskKind, targetID *int64) (any, error) {
	switch kind {
	case TaskCollectMetrics:
		return t.fanOut(ctx, targetID, t.collectMetrics)
	case TaskCollectQueryStats:
		return t.fanOut(ctx, targetID, t.collectQueryStats)
	case TaskAnalyze:
		return t.fanOut(ctx, targetID, t.analyze)
	case TaskHealthCheck:
		return t.fanOut(ctx, targetID, t.healthCheck)
	case TaskTrainLoad:
		return t.trainer.Train(ctx, ml.KindLoad, targetID)
	case TaskTrainAnomaly:
		return t.trainer.Train(ctx, ml.KindAnomaly, targetID)
	case TaskTrainQueryTime:
		return t.trainer.Train(ctx, ml.KindQueryTime, targetID)
	case TaskTrainAll:
		return t.trainAll(ctx)
	case TaskCleanup:
		return t.cleanup(ctx)
	}
	return nil, fmt.Errorf("unknown task kind %q", kind)
}

type fanOutResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

func (t *Tasks) fanOut(ctx context.Context, targetID *int64, fn func(context.Context, storage.Target) error) (any, error) {
	var targets []storage.Target
	if targetID != nil {
		target, err := t.repo.GetTarget(ctx, *targetID)
		if err != nil {
			return nil, fmt.Errorf("load target %d: %w", *targetID, err)
		}
		targets = []storage.Target{target}
	} else {
		var err error
		targets, err = t.repo.ListMonitoredTargets(ctx)
		if err != nil {
			return nil, fmt.Errorf("list monitored targets: %w", err)
		}
	}

	result := fanOutResult{}
	for _, target := range targets {
		if err := fn(ctx, target); err != nil {
			result.Failed++
			t.logger.Error("target task failed",
				slog.Int64("target_id", target.ID),
				slog.String("error", err.Error()))
			continue
		}
		result.Processed++
	}
	return result, nil
}

func poolConfig(t storage.Target) pool.Config {
	return pool.Config{
		Host:     t.Host,
		Port:     t.Port,
		Database: t.Database,
		Username: t.Username,
		Password: t.Password,
		SSLMode:  t.SSLMode,
	}
}

// collectMetrics gathers one sample for the target, building its pool on
// first use, and refreshes the cached latest reading.
func (t *Tasks) collectMetrics(ctx context.Context, target storage.Target) error {
	sample, err := t.collector.Collect(ctx, target.ID)
	if errors.Is(err, pool.ErrNoPool) {
		if _, err = t.pools.Acquire(ctx, target.ID, poolConfig(target)); err == nil {
			sample, err = t.collector.Collect(ctx, target.ID)
		}
	}
	if err != nil {
		_ = t.repo.UpdateConnectionStatus(ctx, target.ID, storage.StatusError, nil)
		return err
	}
	if err := t.repo.InsertSample(ctx, &sample); err != nil {
		return fmt.Errorf("store sample: %w", err)
	}
	t.meter.SampleStored()
	t.cache.Set(ctx, cache.Key("latest_metrics", target.ID), sample, cache.MetricsTTL)

	now := t.now().UTC()
	return t.repo.UpdateConnectionStatus(ctx, target.ID, storage.StatusConnected, &now)
}

// collectQueryStats refreshes statement statistics. A target without
// pg_stat_statements is skipped, not failed.
func (t *Tasks) collectQueryStats(ctx context.Context, target storage.Target) error {
	stats, err := t.collector.CollectQueryStats(ctx, target.ID)
	if errors.Is(err, pool.ErrNoPool) {
		if _, err = t.pools.Acquire(ctx, target.ID, poolConfig(target)); err == nil {
			stats, err = t.collector.CollectQueryStats(ctx, target.ID)
		}
	}
	if errors.Is(err, collector.ErrExtensionUnavailable) {
		t.logger.Debug("pg_stat_statements unavailable", slog.Int64("target_id", target.ID))
		return nil
	}
	if err != nil {
		return err
	}
	for i := range stats {
		if err := t.repo.UpsertQueryStat(ctx, &stats[i]); err != nil {
			return fmt.Errorf("store query stat: %w", err)
		}
	}
	t.cache.DeleteByPattern(ctx, cache.Key("queries", target.ID)+":*")
	return nil
}

// analyze runs the full rule and model pass for a target. Model-side checks
// are best effort until training has produced artifacts.
func (t *Tasks) analyze(ctx context.Context, target storage.Target) error {
	if _, err := t.analyzer.AnalyzeMetrics(ctx, target.ID, target.AlertThresholds); err != nil {
		return fmt.Errorf("analyze metrics: %w", err)
	}
	slow, err := t.repo.SlowQueryStats(ctx, target.ID, slowQueryLimit)
	if err != nil {
		return fmt.Errorf("load slow queries: %w", err)
	}
	if _, err := t.analyzer.AnalyzeQueries(ctx, target.ID, slow); err != nil {
		return fmt.Errorf("analyze queries: %w", err)
	}
	if _, err := t.analyzer.TrendRecommendations(ctx, target.ID); err != nil {
		return fmt.Errorf("analyze trends: %w", err)
	}
	if _, err := t.engine.DetectAnomaly(ctx, target.ID); err != nil && !modelNotReady(err) {
		return fmt.Errorf("detect anomaly: %w", err)
	}
	if _, err := t.engine.Recommend(ctx, target.ID); err != nil {
		return fmt.Errorf("model recommendations: %w", err)
	}
	return nil
}

func modelNotReady(err error) bool {
	return errors.Is(err, ml.ErrModelUnavailable) ||
		errors.Is(err, ml.ErrInsufficientHistory) ||
		errors.Is(err, ml.ErrIncompleteSample) ||
		errors.Is(err, storage.ErrNotFound)
}

// healthCheck verifies the target is reachable and records its status.
func (t *Tasks) healthCheck(ctx context.Context, target storage.Target) error {
	err := t.pools.Ping(ctx, target.ID)
	if errors.Is(err, pool.ErrNoPool) {
		_, err = t.pools.Acquire(ctx, target.ID, poolConfig(target))
	}
	if err != nil {
		_ = t.repo.UpdateConnectionStatus(ctx, target.ID, storage.StatusError, nil)
		return err
	}
	now := t.now().UTC()
	return t.repo.UpdateConnectionStatus(ctx, target.ID, storage.StatusConnected, &now)
}

func (t *Tasks) trainAll(ctx context.Context) (any, error) {
	targets, err := t.repo.ListMonitoredTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list monitored targets: %w", err)
	}
	ids := make([]int64, 0, len(targets))
	for _, target := range targets {
		ids = append(ids, target.ID)
	}
	return t.trainer.TrainAll(ctx, ids), nil
}

type cleanupResult struct {
	Samples         int64 `json:"samples"`
	QueryStats      int64 `json:"query_stats"`
	Alerts          int64 `json:"alerts"`
	Recommendations int64 `json:"recommendations"`
	ModelFiles      int   `json:"model_files"`
}

// cleanup applies the retention windows and reaps stale model artifacts.
func (t *Tasks) cleanup(ctx context.Context) (any, error) {
	now := t.now().UTC()
	result := cleanupResult{}
	var err error

	if result.Samples, err = t.repo.DeleteSamplesBefore(ctx, now.Add(-metricRetention)); err != nil {
		return nil, fmt.Errorf("delete samples: %w", err)
	}
	if result.QueryStats, err = t.repo.DeleteQueryStatsBefore(ctx, now.Add(-queryStatRetention)); err != nil {
		return nil, fmt.Errorf("delete query stats: %w", err)
	}
	if result.Alerts, err = t.repo.DeleteResolvedAlertsBefore(ctx, now.Add(-alertRetention)); err != nil {
		return nil, fmt.Errorf("delete alerts: %w", err)
	}
	if result.Recommendations, err = t.repo.DeleteAppliedRecommendationsBefore(ctx, now.Add(-recommendationRetention)); err != nil {
		return nil, fmt.Errorf("delete recommendations: %w", err)
	}
	if result.ModelFiles, err = t.models.DeleteOlderThan(now.Add(-modelRetention)); err != nil {
		return nil, fmt.Errorf("reap models: %w", err)
	}

	t.logger.Info("cleanup finished",
		slog.Int64("samples", result.Samples),
		slog.Int64("query_stats", result.QueryStats),
		slog.Int64("alerts", result.Alerts),
		slog.Int64("recommendations", result.Recommendations),
		slog.Int("model_files", result.ModelFiles))
	return result, nil
}
