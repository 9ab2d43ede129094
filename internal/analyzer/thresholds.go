package analyzer

import "pgprofiler/internal/storage"

// Severity levels, ordered.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// DefaultThresholds apply when a target configures no limit for a metric.
func DefaultThresholds() map[string]float64 {
	return map[string]float64{
		"cpu_usage":              80,
		"memory_usage":           85,
		"avg_query_time":         500,
		"connection_utilization": 80,
		"cache_hit_ratio":        90,
		"waiting_locks":          5,
	}
}

// lowerIsBad metrics breach when the observed value drops below the
// threshold instead of exceeding it.
var lowerIsBad = map[string]bool{
	"cache_hit_ratio":        true,
	"buffer_cache_hit_ratio": true,
}

// metricValue extracts the named metric from a sample, nil when the sample
// does not carry it.
func metricValue(s storage.MetricSample, name string) *float64 {
	switch name {
	case "cpu_usage":
		return s.CPUUsage
	case "memory_usage":
		return s.MemoryUsage
	case "disk_io":
		return s.DiskIO
	case "avg_query_time":
		return s.AvgQueryTime
	case "cache_hit_ratio":
		return s.CacheHitRatio
	case "buffer_cache_hit_ratio":
		return s.BufferCacheHitRatio
	case "active_connections":
		return intValue(s.ActiveConnections)
	case "locks_count":
		return intValue(s.LocksCount)
	case "waiting_locks":
		return intValue(s.WaitingLocks)
	case "connection_utilization":
		if s.ActiveConnections == nil || s.MaxConnections == nil || *s.MaxConnections == 0 {
			return nil
		}
		v := float64(*s.ActiveConnections) / float64(*s.MaxConnections) * 100
		return &v
	default:
		return nil
	}
}

func intValue(v *int) *float64 {
	if v == nil {
		return nil
	}
	f := float64(*v)
	return &f
}

// breached reports whether value violates the threshold for the metric's
// direction.
func breached(metric string, value, threshold float64) bool {
	if lowerIsBad[metric] {
		return value < threshold
	}
	return value > threshold
}

// Severity grades a breach by its magnitude relative to the threshold.
func Severity(metric string, value, threshold float64) string {
	if threshold == 0 {
		return SeverityLow
	}
	ratio := value / threshold
	if lowerIsBad[metric] {
		if value <= 0 {
			return SeverityCritical
		}
		ratio = threshold / value
	}
	switch {
	case ratio >= 1.5:
		return SeverityCritical
	case ratio >= 1.25:
		return SeverityHigh
	case ratio >= 1.1:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
