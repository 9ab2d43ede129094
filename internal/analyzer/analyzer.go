package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"pgprofiler/internal/collector"
	"pgprofiler/internal/metrics"
	"pgprofiler/internal/stats"
	"pgprofiler/internal/storage"
)

const (
	// analysis window over metric samples
	windowDuration = time.Hour
	windowLimit    = 60

	// recommendation flood control per analysis pass
	maxRecommendations = 10

	trendWindow    = 24 * time.Hour
	trendMinPoints = 10
	cpuTrendLimit  = 2.0 // percent per hour
	memTrendLimit  = 1.0
)

// Repo is the slice of storage the analyzer needs; *storage.Repository
// satisfies it.
type Repo interface {
	RecentSamples(ctx context.Context, targetID int64, since time.Time, limit int) ([]storage.MetricSample, error)
	OpenAlert(ctx context.Context, targetID int64, metricName string) (storage.Alert, error)
	CreateAlert(ctx context.Context, a *storage.Alert) error
	CreateRecommendation(ctx context.Context, rec *storage.Recommendation) error
}

// Publisher emits domain events; a nil publisher disables eventing.
type Publisher interface {
	Publish(subject string, payload any) error
}

type Analyzer struct {
	repo   Repo
	bus    Publisher
	meter  *metrics.Metrics
	logger *slog.Logger
	now    func() time.Time
}

func New(repo Repo, bus Publisher, meter *metrics.Metrics, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{repo: repo, bus: bus, meter: meter, logger: logger, now: time.Now}
}

// AnalyzeMetrics evaluates the most recent metric window against the
// target's thresholds (system defaults fill gaps) and opens alerts for
// breaches. A still-open alert for the same metric suppresses duplicates.
// Returns the number of alerts created.
func (a *Analyzer) AnalyzeMetrics(ctx context.Context, targetID int64, thresholds map[string]float64) (int, error) {
	merged := DefaultThresholds()
	for name, limit := range thresholds {
		merged[name] = limit
	}

	since := a.now().UTC().Add(-windowDuration)
	window, err := a.repo.RecentSamples(ctx, targetID, since, windowLimit)
	if err != nil {
		return 0, fmt.Errorf("load metric window: %w", err)
	}
	if len(window) == 0 {
		return 0, nil
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	created := 0
	for _, name := range names {
		threshold := merged[name]
		value := latestValue(window, name)
		if value == nil || !breached(name, *value, threshold) {
			continue
		}
		if _, err := a.repo.OpenAlert(ctx, targetID, name); err == nil {
			continue // breach already has an open alert
		} else if !errors.Is(err, storage.ErrNotFound) {
			return created, fmt.Errorf("check open alert: %w", err)
		}
		severity := Severity(name, *value, threshold)
		metadata, _ := json.Marshal(map[string]any{
			"window_samples": len(window),
			"observed":       *value,
			"threshold":      threshold,
		})
		alert := &storage.Alert{
			TargetID:       targetID,
			Type:           "threshold",
			Severity:       severity,
			Title:          fmt.Sprintf("%s threshold exceeded", name),
			Description:    fmt.Sprintf("%s is %.2f against a limit of %.2f", name, *value, threshold),
			MetricName:     name,
			MetricValue:    value,
			ThresholdValue: &threshold,
			Metadata:       metadata,
		}
		if err := a.repo.CreateAlert(ctx, alert); err != nil {
			return created, fmt.Errorf("create alert: %w", err)
		}
		a.meter.AlertCreated()
		a.publish("alert.created", alert)
		created++
		a.logger.Info("threshold alert created",
			slog.Int64("target_id", targetID),
			slog.String("metric", name),
			slog.String("severity", severity))
	}
	return created, nil
}

// latestValue picks the newest non-nil reading for the metric; the window is
// ordered newest first.
func latestValue(window []storage.MetricSample, name string) *float64 {
	for _, s := range window {
		if v := metricValue(s, name); v != nil {
			return v
		}
	}
	return nil
}

// AnalyzeQueries turns slow and critical statements into recommendations,
// one per distinct (category, table) pattern, capped per pass. The input is
// expected ordered by mean time descending.
func (a *Analyzer) AnalyzeQueries(ctx context.Context, targetID int64, slowStats []storage.QueryStat) (int, error) {
	created := 0
	seen := map[string]bool{}
	for _, stat := range slowStats {
		if created >= maxRecommendations {
			break
		}
		if stat.PerformanceCategory != collector.CategorySlow &&
			stat.PerformanceCategory != collector.CategoryCritical {
			continue
		}
		table := tableHint(stat.QueryText)
		key := stat.PerformanceCategory + ":" + table
		if seen[key] {
			continue
		}
		seen[key] = true

		priority := 60
		impact := "medium"
		if stat.PerformanceCategory == collector.CategoryCritical {
			priority = 80
			impact = "high"
		}
		metadata, _ := json.Marshal(map[string]any{
			"query_hash": stat.QueryHash,
			"mean_time":  stat.MeanTime,
			"calls":      stat.Calls,
		})
		rec := &storage.Recommendation{
			TargetID: targetID,
			Category: "query_optimization",
			Title:    fmt.Sprintf("Optimize %s query on %s", stat.PerformanceCategory, table),
			Description: fmt.Sprintf("Statement averages %.1fms over %d calls (%s). Review its plan and indexes on %s.",
				stat.MeanTime, stat.Calls, stat.PerformanceCategory, table),
			Priority: priority,
			Impact:   impact,
			Effort:   "medium",
			Metadata: metadata,
		}
		if err := a.repo.CreateRecommendation(ctx, rec); err != nil {
			return created, fmt.Errorf("create recommendation: %w", err)
		}
		a.publish("recommendation.created", rec)
		created++
	}
	return created, nil
}

// TrendRecommendations fits a line over the last 24h of cpu and memory
// readings and recommends when usage grows faster than the configured rate.
func (a *Analyzer) TrendRecommendations(ctx context.Context, targetID int64) (int, error) {
	since := a.now().UTC().Add(-trendWindow)
	window, err := a.repo.RecentSamples(ctx, targetID, since, 1440)
	if err != nil {
		return 0, fmt.Errorf("load trend window: %w", err)
	}
	if len(window) < trendMinPoints {
		return 0, nil
	}
	// window arrives newest first; trends want ascending time
	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}

	created := 0
	for _, trend := range []struct {
		metric   string
		limit    float64
		category string
		effort   string
	}{
		{"cpu_usage", cpuTrendLimit, "resource_monitoring", "low"},
		{"memory_usage", memTrendLimit, "memory_management", "medium"},
	} {
		xs := make([]float64, 0, len(window))
		ys := make([]float64, 0, len(window))
		start := window[0].Timestamp
		for _, s := range window {
			v := metricValue(s, trend.metric)
			if v == nil {
				continue
			}
			xs = append(xs, s.Timestamp.Sub(start).Hours())
			ys = append(ys, *v)
		}
		if len(ys) < trendMinPoints {
			continue
		}
		slope, _, _, ok := stats.LinearRegression(xs, ys)
		if !ok || slope <= trend.limit {
			continue
		}
		metadata, _ := json.Marshal(map[string]any{
			"metric":           trend.metric,
			"slope_per_hour":   slope,
			"window_hours":     trendWindow.Hours(),
			"points_evaluated": len(ys),
		})
		rec := &storage.Recommendation{
			TargetID: targetID,
			Category: trend.category,
			Title:    fmt.Sprintf("Growing %s trend", trend.metric),
			Description: fmt.Sprintf("%s is rising at %.1f%% per hour over the last %d hours.",
				trend.metric, slope, int(trendWindow.Hours())),
			Priority: 50,
			Impact:   "medium",
			Effort:   trend.effort,
			Metadata: metadata,
		}
		if err := a.repo.CreateRecommendation(ctx, rec); err != nil {
			return created, fmt.Errorf("create trend recommendation: %w", err)
		}
		a.publish("recommendation.created", rec)
		created++
	}
	return created, nil
}

func (a *Analyzer) publish(subject string, payload any) {
	if a.bus == nil {
		return
	}
	if err := a.bus.Publish(subject, payload); err != nil {
		a.logger.Debug("event publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

// tableHint extracts a rough relation name from a statement for grouping
// recommendations; good enough for dedup, not a SQL parser.
func tableHint(query string) string {
	fields := strings.Fields(query)
	for i, field := range fields {
		switch strings.ToUpper(field) {
		case "FROM", "INTO", "UPDATE", "JOIN":
			if i+1 < len(fields) {
				return strings.ToLower(strings.Trim(fields[i+1], `"'(),;`))
			}
		}
	}
	return "unknown"
}
