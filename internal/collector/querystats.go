package collector

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"pgprofiler/internal/storage"
)

// ErrExtensionUnavailable means the target lacks pg_stat_statements. It is a
// skip condition for query-stat collection, not a failure.
var ErrExtensionUnavailable = errors.New("pg_stat_statements extension unavailable")

const queryStatLimit = 100

// Latency bands for performance_category, upper-exclusive: a mean time of
// exactly 1000ms is slow, not critical.
const (
	CategoryCritical = "critical"
	CategorySlow     = "slow"
	CategoryNormal   = "normal"
	CategoryFast     = "fast"
)

// Categorize maps a statement's mean execution time (ms) to its band.
func Categorize(meanTime float64) string {
	switch {
	case meanTime > 1000:
		return CategoryCritical
	case meanTime > 500:
		return CategorySlow
	case meanTime > 100:
		return CategoryNormal
	default:
		return CategoryFast
	}
}

// QueryHash is the stable reconciliation key for one statement pattern.
func QueryHash(query string) string {
	sum := md5.Sum([]byte(query))
	return hex.EncodeToString(sum[:])
}

// QueryType detects the leading SQL verb of a statement.
func QueryType(query string) string {
	fields := strings.Fields(strings.ToUpper(strings.TrimSpace(query)))
	if len(fields) == 0 {
		return "OTHER"
	}
	switch fields[0] {
	case "SELECT", "INSERT", "UPDATE", "DELETE", "CREATE", "ALTER", "DROP":
		return fields[0]
	default:
		return "OTHER"
	}
}

// CollectQueryStats pulls the top statements by total execution time. Rows
// are not persisted here; the caller reconciles them by hash.
func (c *Collector) CollectQueryStats(ctx context.Context, targetID int64) ([]storage.QueryStat, error) {
	p, err := c.pools.Get(targetID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var extensionExists bool
	err = conn.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'pg_stat_statements')`).
		Scan(&extensionExists)
	if err != nil {
		return nil, fmt.Errorf("probe pg_stat_statements: %w", err)
	}
	if !extensionExists {
		return nil, ErrExtensionUnavailable
	}

	rows, err := conn.Query(ctx, `
		SELECT query, calls, total_exec_time, mean_exec_time, min_exec_time, max_exec_time,
			rows, shared_blks_hit, shared_blks_read, shared_blks_written
		FROM pg_stat_statements
		WHERE query NOT LIKE '%pg_stat_statements%'
		ORDER BY total_exec_time DESC
		LIMIT $1`, queryStatLimit)
	if err != nil {
		return nil, fmt.Errorf("query statement stats: %w", err)
	}
	defer rows.Close()

	collected := c.now().UTC()
	results := []storage.QueryStat{}
	for rows.Next() {
		var q storage.QueryStat
		if err := rows.Scan(&q.QueryText, &q.Calls, &q.TotalTime, &q.MeanTime,
			&q.MinTime, &q.MaxTime, &q.RowsReturned,
			&q.SharedBlksHit, &q.SharedBlksRead, &q.SharedBlksWritten); err != nil {
			return nil, fmt.Errorf("scan statement stats: %w", err)
		}
		q.TargetID = targetID
		q.QueryHash = QueryHash(q.QueryText)
		q.QueryType = QueryType(q.QueryText)
		q.PerformanceCategory = Categorize(q.MeanTime)
		q.LastSeen = collected
		results = append(results, q)
	}
	return results, rows.Err()
}
