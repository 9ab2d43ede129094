package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pgprofiler/internal/metrics"
	"pgprofiler/internal/storage"
)

var (
	ErrModelUnavailable    = errors.New("no trained model available")
	ErrInsufficientHistory = errors.New("insufficient metric history")
	ErrIncompleteSample    = errors.New("latest sample missing required metrics")
)

// modelCacheTTL bounds how long a loaded artifact is served before the disk
// copy is consulted again.
const modelCacheTTL = time.Hour

const predictedLoadLimit = 80.0

// Repo is the storage slice the prediction engine needs.
type Repo interface {
	LatestSample(ctx context.Context, targetID int64) (storage.MetricSample, error)
	CountSamples(ctx context.Context, targetID *int64) (int, error)
	CreateAlert(ctx context.Context, a *storage.Alert) error
	CreateRecommendation(ctx context.Context, rec *storage.Recommendation) error
}

// Publisher emits domain events; nil disables eventing.
type Publisher interface {
	Publish(subject string, payload any) error
}

type cacheEntry struct {
	model    *Model
	scaler   *Scaler
	loadedAt time.Time
}

// Engine serves predictions from trained models, preferring a per-target
// model and falling back to the fleet-wide one.
type Engine struct {
	repo   Repo
	store  *FileStore
	bus    Publisher
	meter  *metrics.Metrics
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewEngine(repo Repo, store *FileStore, bus Publisher, meter *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:   repo,
		store:  store,
		bus:    bus,
		meter:  meter,
		logger: logger,
		now:    time.Now,
		cache:  map[string]cacheEntry{},
	}
}

func modelKey(kind string, targetID *int64) string {
	if targetID == nil {
		return kind + "_global"
	}
	return fmt.Sprintf("%s_%d", kind, *targetID)
}

// Invalidate drops the cached artifact so the next prediction reloads it.
func (e *Engine) Invalidate(kind string, targetID *int64) {
	e.mu.Lock()
	delete(e.cache, modelKey(kind, targetID))
	e.mu.Unlock()
}

// artifacts resolves the model and scaler for a kind, trying the per-target
// artifact first and falling back to the global one.
func (e *Engine) artifacts(kind string, targetID *int64) (*Model, *Scaler, string, error) {
	if targetID != nil {
		if m, s, err := e.cached(kind, targetID); err == nil {
			return m, s, modelKey(kind, targetID), nil
		} else if !errors.Is(err, ErrModelMissing) {
			return nil, nil, "", err
		}
	}
	m, s, err := e.cached(kind, nil)
	if errors.Is(err, ErrModelMissing) {
		return nil, nil, "", fmt.Errorf("%w: %s", ErrModelUnavailable, kind)
	}
	if err != nil {
		return nil, nil, "", err
	}
	return m, s, modelKey(kind, nil), nil
}

func (e *Engine) cached(kind string, targetID *int64) (*Model, *Scaler, error) {
	key := modelKey(kind, targetID)
	now := e.now()

	e.mu.Lock()
	entry, ok := e.cache[key]
	e.mu.Unlock()
	if ok && now.Sub(entry.loadedAt) < modelCacheTTL {
		return entry.model, entry.scaler, nil
	}

	model, err := e.store.LoadModel(kind, targetID)
	if err != nil {
		return nil, nil, err
	}
	scaler, err := e.store.LoadScaler(kind, targetID)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	e.cache[key] = cacheEntry{model: model, scaler: scaler, loadedAt: now}
	e.mu.Unlock()
	return model, scaler, nil
}

func (e *Engine) checkHistory(ctx context.Context, targetID int64) error {
	count, err := e.repo.CountSamples(ctx, &targetID)
	if err != nil {
		return fmt.Errorf("count history: %w", err)
	}
	if count < MinPredictionSize {
		return fmt.Errorf("%w: %d of %d samples", ErrInsufficientHistory, count, MinPredictionSize)
	}
	return nil
}

// PredictLoad forecasts the composite load score for the target from its
// latest sample.
func (e *Engine) PredictLoad(ctx context.Context, targetID int64) (float64, error) {
	value, _, err := e.predict(ctx, KindLoad, targetID)
	return value, err
}

// PredictQueryTime forecasts the average statement time in milliseconds.
func (e *Engine) PredictQueryTime(ctx context.Context, targetID int64) (float64, error) {
	value, _, err := e.predict(ctx, KindQueryTime, targetID)
	return value, err
}

// predict reports the served value together with the resolved model key so
// downstream records can name the model that produced them.
func (e *Engine) predict(ctx context.Context, kind string, targetID int64) (float64, string, error) {
	model, scaler, key, err := e.artifacts(kind, &targetID)
	if err != nil {
		return 0, "", err
	}
	if err := e.checkHistory(ctx, targetID); err != nil {
		return 0, "", err
	}
	sample, err := e.repo.LatestSample(ctx, targetID)
	if err != nil {
		return 0, "", fmt.Errorf("load latest sample: %w", err)
	}
	row, ok := featuresFor(kind, sample)
	if !ok {
		return 0, "", ErrIncompleteSample
	}
	value := model.Regressor.Predict(scaler.Transform(row))
	e.logger.Debug("prediction served",
		slog.String("model", key),
		slog.Int64("target_id", targetID),
		slog.Float64("value", value))
	return value, key, nil
}

type AnomalyResult struct {
	Detected bool    `json:"anomaly_detected"`
	Score    float64 `json:"anomaly_score"`
	ModelKey string  `json:"model_key"`
}

// DetectAnomaly scores the target's latest sample against the anomaly model
// and raises an alert when the score falls below zero. Deeper negative
// scores are graded more severe.
func (e *Engine) DetectAnomaly(ctx context.Context, targetID int64) (AnomalyResult, error) {
	model, scaler, key, err := e.artifacts(KindAnomaly, &targetID)
	if err != nil {
		return AnomalyResult{}, err
	}
	if err := e.checkHistory(ctx, targetID); err != nil {
		return AnomalyResult{}, err
	}
	sample, err := e.repo.LatestSample(ctx, targetID)
	if err != nil {
		return AnomalyResult{}, fmt.Errorf("load latest sample: %w", err)
	}
	row, ok := anomalyFeatures(sample)
	if !ok {
		return AnomalyResult{}, ErrIncompleteSample
	}

	score := model.Detector.Score(scaler.Transform(row))
	result := AnomalyResult{Detected: score < 0, Score: score, ModelKey: key}
	if !result.Detected {
		return result, nil
	}

	severity := "medium"
	if score < anomalyCritical {
		severity = "high"
	}
	metadata, _ := json.Marshal(map[string]any{
		"anomaly_score": score,
		"model_key":     key,
		"features":      namedFeatures(anomalyFeatureNames, row),
	})
	alert := &storage.Alert{
		TargetID:    targetID,
		Type:        "anomaly",
		Severity:    severity,
		Title:       "Anomalous database behavior detected",
		Description: fmt.Sprintf("Latest metrics deviate from learned behavior (score %.3f).", score),
		MetricName:  "anomaly_score",
		MetricValue: &score,
		Metadata:    metadata,
	}
	if err := e.repo.CreateAlert(ctx, alert); err != nil {
		return result, fmt.Errorf("create anomaly alert: %w", err)
	}
	e.meter.AlertCreated()
	e.publish("alert.created", alert)
	e.logger.Warn("anomaly detected",
		slog.Int64("target_id", targetID),
		slog.Float64("score", score),
		slog.String("severity", severity))
	return result, nil
}

// Recommend creates model-driven recommendations for the target: expected
// overload and expected query-time regression. Missing models and thin
// history are normal and skip the corresponding check. Each recommendation
// records the key of the model that produced it.
func (e *Engine) Recommend(ctx context.Context, targetID int64) (int, error) {
	created := 0

	load, loadKey, err := e.predict(ctx, KindLoad, targetID)
	if err == nil && load > predictedLoadLimit {
		metadata, _ := json.Marshal(map[string]any{
			"model_key":      loadKey,
			"predicted_load": load,
		})
		rec := &storage.Recommendation{
			TargetID: targetID,
			Category: "capacity_planning",
			Title:    "High predicted load",
			Description: fmt.Sprintf("The load model forecasts a %.1f%% composite load. Consider scaling before it materializes.",
				load),
			Priority: 70,
			Impact:   "high",
			Effort:   "medium",
			Metadata: metadata,
		}
		if err := e.repo.CreateRecommendation(ctx, rec); err != nil {
			return created, fmt.Errorf("create load recommendation: %w", err)
		}
		e.publish("recommendation.created", rec)
		created++
	} else if err != nil && !e.skippable(err) {
		return created, err
	}

	predicted, queryTimeKey, err := e.predict(ctx, KindQueryTime, targetID)
	if err != nil {
		if e.skippable(err) {
			return created, nil
		}
		return created, err
	}
	sample, err := e.repo.LatestSample(ctx, targetID)
	if err != nil {
		return created, fmt.Errorf("load latest sample: %w", err)
	}
	if sample.AvgQueryTime == nil || *sample.AvgQueryTime <= 0 {
		return created, nil
	}
	if predicted > *sample.AvgQueryTime*1.5 {
		metadata, _ := json.Marshal(map[string]any{
			"model_key":            queryTimeKey,
			"predicted_query_time": predicted,
			"current_query_time":   *sample.AvgQueryTime,
		})
		rec := &storage.Recommendation{
			TargetID: targetID,
			Category: "query_optimization",
			Title:    "Query time expected to degrade",
			Description: fmt.Sprintf("Predicted average query time %.1fms against current %.1fms.",
				predicted, *sample.AvgQueryTime),
			Priority: 50,
			Impact:   "medium",
			Effort:   "medium",
			Metadata: metadata,
		}
		if err := e.repo.CreateRecommendation(ctx, rec); err != nil {
			return created, fmt.Errorf("create query time recommendation: %w", err)
		}
		e.publish("recommendation.created", rec)
		created++
	}
	return created, nil
}

// skippable errors mean a model or its inputs are not ready yet; predictions
// resume once training catches up.
func (e *Engine) skippable(err error) bool {
	skip := errors.Is(err, ErrModelUnavailable) ||
		errors.Is(err, ErrInsufficientHistory) ||
		errors.Is(err, ErrIncompleteSample) ||
		errors.Is(err, storage.ErrNotFound)
	if skip {
		e.logger.Debug("prediction skipped", slog.String("reason", err.Error()))
	}
	return skip
}

func (e *Engine) publish(subject string, payload any) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(subject, payload); err != nil {
		e.logger.Debug("event publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
