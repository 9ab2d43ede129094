package storage

import "time"

// Connection status values for a monitored target.
const (
	StatusUnknown   = "unknown"
	StatusConnected = "connected"
	StatusError     = "error"
)

type Target struct {
	ID               int64
	Name             string
	Host             string
	Port             int
	Database         string
	Username         string
	Password         string
	SSLMode          string
	Active           bool
	AutoMonitoring   bool
	ConnectionStatus string
	AlertThresholds  map[string]float64
	LastConnected    *time.Time
	CreatedAt        time.Time
}

// MetricSample is one snapshot of a target's engine statistics. Nullable
// fields stay nil when the source query could not provide them; feature
// builders decide per model whether nil disqualifies the sample.
type MetricSample struct {
	ID                  int64
	TargetID            int64
	Timestamp           time.Time
	ActiveConnections   *int
	IdleConnections     *int
	MaxConnections      *int
	TotalTransactions   *int64
	TotalTuples         *int64
	CacheHitRatio       *float64
	BufferCacheHitRatio *float64
	LocksCount          *int
	WaitingLocks        *int
	DeadlocksCount      *int
	DatabaseSize        *int64
	AvgQueryTime        *float64
	CPUUsage            *float64
	MemoryUsage         *float64
	DiskIO              *float64
}

type QueryStat struct {
	ID                  int64
	TargetID            int64
	QueryHash           string
	QueryText           string
	QueryType           string
	Calls               int64
	TotalTime           float64
	MeanTime            float64
	MinTime             float64
	MaxTime             float64
	RowsReturned        int64
	SharedBlksHit       int64
	SharedBlksRead      int64
	SharedBlksWritten   int64
	PerformanceCategory string
	LastSeen            time.Time
}

type Alert struct {
	ID             int64
	TargetID       int64
	Type           string
	Severity       string
	Title          string
	Description    string
	MetricName     string
	MetricValue    *float64
	ThresholdValue *float64
	Metadata       []byte
	Acknowledged   bool
	Resolved       bool
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

type Recommendation struct {
	ID          int64
	TargetID    int64
	Category    string
	Title       string
	Description string
	Priority    int
	Impact      string
	Effort      string
	Metadata    []byte
	Applied     bool
	CreatedAt   time.Time
	AppliedAt   *time.Time
}
