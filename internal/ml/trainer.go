package ml

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pgprofiler/internal/storage"
)

// Training statuses.
const (
	StatusTrained          = "trained"
	StatusInsufficientData = "insufficient_data"
)

// History limits per model kind; the load model trains over a deeper window.
const (
	loadTrainLimit  = 10000
	otherTrainLimit = 5000
)

// TrainRepo is the storage slice the trainer reads from.
type TrainRepo interface {
	SamplesForTraining(ctx context.Context, targetID *int64, limit int) ([]storage.MetricSample, error)
}

type TrainResult struct {
	Status  string  `json:"status"`
	Kind    string  `json:"kind"`
	Samples int     `json:"samples"`
	R2      float64 `json:"r2,omitempty"`
}

// Trainer fits models from sample history and hands them to the file store.
// invalidate, when set, drops the engine's cached copy after a retrain.
type Trainer struct {
	repo       TrainRepo
	store      *FileStore
	logger     *slog.Logger
	invalidate func(kind string, targetID *int64)
	now        func() time.Time
}

func NewTrainer(repo TrainRepo, store *FileStore, logger *slog.Logger, invalidate func(kind string, targetID *int64)) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{repo: repo, store: store, logger: logger, invalidate: invalidate, now: time.Now}
}

// Train fits one model of the given kind, scoped to a target when targetID is
// set, otherwise fleet-wide. Too little valid history is a normal outcome
// reported in the result, not an error.
func (t *Trainer) Train(ctx context.Context, kind string, targetID *int64) (TrainResult, error) {
	limit := otherTrainLimit
	if kind == KindLoad {
		limit = loadTrainLimit
	}
	history, err := t.repo.SamplesForTraining(ctx, targetID, limit)
	if err != nil {
		return TrainResult{}, fmt.Errorf("load training history: %w", err)
	}

	var rows [][]float64
	var labels []float64
	for _, s := range history {
		row, ok := featuresFor(kind, s)
		if !ok {
			continue
		}
		rows = append(rows, row)
		switch kind {
		case KindLoad:
			labels = append(labels, loadLabel(s))
		case KindQueryTime:
			labels = append(labels, *s.AvgQueryTime)
		}
	}
	if len(rows) < MinTrainSize {
		t.logger.Warn("not enough valid history to train",
			slog.String("kind", kind),
			slog.Int("valid", len(rows)),
			slog.Int("required", MinTrainSize))
		return TrainResult{Status: StatusInsufficientData, Kind: kind, Samples: len(rows)}, nil
	}

	scaler, err := FitScaler(rows)
	if err != nil {
		return TrainResult{}, fmt.Errorf("fit scaler: %w", err)
	}
	scaled := scaler.TransformAll(rows)

	model := &Model{Kind: kind, TrainedAt: t.now().UTC(), Samples: len(rows)}
	var r2 float64
	switch kind {
	case KindAnomaly:
		detector, err := FitDetector(scaled)
		if err != nil {
			return TrainResult{}, fmt.Errorf("fit detector: %w", err)
		}
		model.Detector = detector
	default:
		regressor, score, err := FitRegressor(scaled, labels)
		if err != nil {
			return TrainResult{}, fmt.Errorf("fit regressor: %w", err)
		}
		model.Regressor = regressor
		r2 = score
	}

	if err := t.store.SaveModel(kind, targetID, model); err != nil {
		return TrainResult{}, err
	}
	if err := t.store.SaveScaler(kind, targetID, scaler); err != nil {
		return TrainResult{}, err
	}
	if t.invalidate != nil {
		t.invalidate(kind, targetID)
	}

	t.logger.Info("model trained",
		slog.String("kind", kind),
		slog.Int("samples", len(rows)),
		slog.Float64("r2", r2))
	return TrainResult{Status: StatusTrained, Kind: kind, Samples: len(rows), R2: r2}, nil
}

// TrainAll fits the global models and then a per-target set for each given
// target. Individual failures do not stop the sweep.
func (t *Trainer) TrainAll(ctx context.Context, targetIDs []int64) []TrainResult {
	kinds := []string{KindLoad, KindAnomaly, KindQueryTime}
	var results []TrainResult
	for _, kind := range kinds {
		res, err := t.Train(ctx, kind, nil)
		if err != nil {
			t.logger.Error("global model training failed", slog.String("kind", kind), slog.String("error", err.Error()))
			continue
		}
		results = append(results, res)
	}
	for _, id := range targetIDs {
		id := id
		for _, kind := range kinds {
			res, err := t.Train(ctx, kind, &id)
			if err != nil {
				t.logger.Error("target model training failed",
					slog.String("kind", kind),
					slog.Int64("target_id", id),
					slog.String("error", err.Error()))
				continue
			}
			results = append(results, res)
		}
	}
	return results
}
