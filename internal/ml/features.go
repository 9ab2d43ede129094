package ml

import "pgprofiler/internal/storage"

// Model kinds.
const (
	KindLoad      = "load"
	KindAnomaly   = "anomaly"
	KindQueryTime = "query_time"
)

// Training needs a minimum history before a model is worth fitting, and
// prediction refuses to run against a near-empty metric table.
const (
	MinTrainSize      = 50
	MinPredictionSize = 10
)

const defaultCacheHitRatio = 95.0

// loadFeatures builds the feature row for the load model. Samples missing
// any of the core readings are skipped entirely.
func loadFeatures(s storage.MetricSample) ([]float64, bool) {
	if s.CPUUsage == nil || s.MemoryUsage == nil || s.DiskIO == nil ||
		s.ActiveConnections == nil || s.CacheHitRatio == nil || s.AvgQueryTime == nil {
		return nil, false
	}
	return []float64{
		*s.CPUUsage,
		*s.MemoryUsage,
		*s.DiskIO,
		float64(*s.ActiveConnections),
		*s.CacheHitRatio,
		*s.AvgQueryTime,
		floatOrZero(s.LocksCount),
		floatOrZero(s.DeadlocksCount),
	}, true
}

// loadLabel is the weighted composite the load model is trained against.
// disk_io and connections are scaled down so no single term dominates.
func loadLabel(s storage.MetricSample) float64 {
	return *s.CPUUsage*0.3 +
		*s.MemoryUsage*0.3 +
		(*s.DiskIO/1000)*0.2 +
		(float64(*s.ActiveConnections)/100)*0.1 +
		(100-*s.CacheHitRatio)*0.1
}

// anomalyFeatureNames labels the anomaly feature vector, in row order, for
// alert metadata.
var anomalyFeatureNames = []string{
	"cpu_usage", "memory_usage", "active_connections", "avg_query_time",
	"cache_hit_ratio", "locks_count", "deadlocks_count",
}

func anomalyFeatures(s storage.MetricSample) ([]float64, bool) {
	if s.CPUUsage == nil || s.MemoryUsage == nil ||
		s.ActiveConnections == nil || s.AvgQueryTime == nil {
		return nil, false
	}
	return []float64{
		*s.CPUUsage,
		*s.MemoryUsage,
		float64(*s.ActiveConnections),
		*s.AvgQueryTime,
		floatOrDefault(s.CacheHitRatio, defaultCacheHitRatio),
		floatOrZero(s.LocksCount),
		floatOrZero(s.DeadlocksCount),
	}, true
}

func queryTimeFeatures(s storage.MetricSample) ([]float64, bool) {
	if s.CPUUsage == nil || s.MemoryUsage == nil ||
		s.ActiveConnections == nil || s.AvgQueryTime == nil || *s.AvgQueryTime <= 0 {
		return nil, false
	}
	return []float64{
		*s.CPUUsage,
		*s.MemoryUsage,
		float64(*s.ActiveConnections),
		floatOrDefault(s.CacheHitRatio, defaultCacheHitRatio),
		floatOrZero(s.LocksCount),
	}, true
}

// featuresFor dispatches to the kind-specific builder; query_time shares its
// feature row between training and prediction, labels are built separately.
func featuresFor(kind string, s storage.MetricSample) ([]float64, bool) {
	switch kind {
	case KindLoad:
		return loadFeatures(s)
	case KindAnomaly:
		return anomalyFeatures(s)
	case KindQueryTime:
		return queryTimeFeatures(s)
	}
	return nil, false
}

func namedFeatures(names []string, row []float64) map[string]float64 {
	out := make(map[string]float64, len(names))
	for i, name := range names {
		out[name] = row[i]
	}
	return out
}

func floatOrZero(v *int) float64 {
	if v == nil {
		return 0
	}
	return float64(*v)
}

func floatOrDefault(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
