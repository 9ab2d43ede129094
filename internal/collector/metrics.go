package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"pgprofiler/internal/storage"
)

// ErrCollectionFailed marks a sample that could not be completed. A partial
// battery never produces a partial sample.
var ErrCollectionFailed = errors.New("metrics collection failed")

// commandTimeout bounds one introspection pass against a target; a hung
// statement must not hold a scheduler worker for the full task limit.
const commandTimeout = 30 * time.Second

func withCommandTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, commandTimeout)
}

// PoolSource hands out the per-target pool; the manager satisfies it.
type PoolSource interface {
	Get(targetID int64) (*pgxpool.Pool, error)
}

type Collector struct {
	pools  PoolSource
	logger *slog.Logger
	now    func() time.Time
}

func New(pools PoolSource, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{pools: pools, logger: logger, now: time.Now}
}

// Collect runs the fixed introspection battery on one acquired connection
// and combines the results into a single timestamped sample. Requires an
// existing pool: callers see pool.ErrNoPool and decide whether to create one.
func (c *Collector) Collect(ctx context.Context, targetID int64) (storage.MetricSample, error) {
	p, err := c.pools.Get(targetID)
	if err != nil {
		return storage.MetricSample{}, err
	}
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()
	conn, err := p.Acquire(ctx)
	if err != nil {
		return storage.MetricSample{}, fmt.Errorf("%w: acquire connection: %v", ErrCollectionFailed, err)
	}
	defer conn.Release()

	sample := storage.MetricSample{TargetID: targetID, Timestamp: c.now().UTC()}

	var active, idle, max int
	err = conn.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE state = 'active'),
			count(*) FILTER (WHERE state = 'idle'),
			(SELECT setting::int FROM pg_settings WHERE name = 'max_connections')
		FROM pg_stat_activity`).Scan(&active, &idle, &max)
	if err != nil {
		return storage.MetricSample{}, fmt.Errorf("%w: connection stats: %v", ErrCollectionFailed, err)
	}
	sample.ActiveConnections = &active
	sample.IdleConnections = &idle
	sample.MaxConnections = &max

	var transactions, tuples int64
	var cacheHit float64
	err = conn.QueryRow(ctx, `
		SELECT
			xact_commit + xact_rollback,
			tup_returned + tup_fetched + tup_inserted + tup_updated + tup_deleted,
			CASE WHEN blks_read + blks_hit > 0
			     THEN round((blks_hit::float / (blks_read + blks_hit)) * 100, 2)
			     ELSE 0
			END
		FROM pg_stat_database
		WHERE datname = current_database()`).Scan(&transactions, &tuples, &cacheHit)
	if err != nil {
		return storage.MetricSample{}, fmt.Errorf("%w: database stats: %v", ErrCollectionFailed, err)
	}
	sample.TotalTransactions = &transactions
	sample.TotalTuples = &tuples
	sample.CacheHitRatio = &cacheHit

	var locks, waiting int
	err = conn.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE NOT granted) FROM pg_locks`).Scan(&locks, &waiting)
	if err != nil {
		return storage.MetricSample{}, fmt.Errorf("%w: lock stats: %v", ErrCollectionFailed, err)
	}
	sample.LocksCount = &locks
	sample.WaitingLocks = &waiting

	var size int64
	err = conn.QueryRow(ctx, `SELECT pg_database_size(current_database())`).Scan(&size)
	if err != nil {
		return storage.MetricSample{}, fmt.Errorf("%w: database size: %v", ErrCollectionFailed, err)
	}
	sample.DatabaseSize = &size

	var bufferHit *float64
	err = conn.QueryRow(ctx, `
		SELECT round(
			(sum(heap_blks_hit) / (sum(heap_blks_hit) + sum(heap_blks_read) + 1)) * 100, 2
		)::float FROM pg_statio_user_tables`).Scan(&bufferHit)
	if err != nil {
		return storage.MetricSample{}, fmt.Errorf("%w: buffer cache stats: %v", ErrCollectionFailed, err)
	}
	sample.BufferCacheHitRatio = bufferHit

	// Optional aggregate: only populated when pg_stat_statements is around.
	var avgQueryTime *float64
	err = conn.QueryRow(ctx, `
		SELECT CASE WHEN sum(calls) > 0 THEN sum(total_exec_time) / sum(calls) END
		FROM pg_stat_statements`).Scan(&avgQueryTime)
	if err == nil {
		sample.AvgQueryTime = avgQueryTime
	}

	return sample, nil
}

// ActiveQuery describes one in-flight statement on a target.
type ActiveQuery struct {
	PID             int
	Username        *string
	ApplicationName *string
	ClientAddr      *string
	State           string
	QueryStart      *time.Time
	DurationSeconds *float64
	Query           string
	WaitEventType   *string
	WaitEvent       *string
}

// ActiveQueries lists currently executing statements, oldest first.
func (c *Collector) ActiveQueries(ctx context.Context, targetID int64) ([]ActiveQuery, error) {
	p, err := c.pools.Get(targetID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()
	rows, err := p.Query(ctx, `
		SELECT pid, usename, application_name, client_addr::text, state,
			query_start, query, wait_event_type, wait_event
		FROM pg_stat_activity
		WHERE state = 'active' AND query NOT LIKE '%pg_stat_activity%'
		ORDER BY query_start`)
	if err != nil {
		return nil, fmt.Errorf("query active statements: %w", err)
	}
	defer rows.Close()
	now := c.now().UTC()
	results := []ActiveQuery{}
	for rows.Next() {
		var q ActiveQuery
		if err := rows.Scan(&q.PID, &q.Username, &q.ApplicationName, &q.ClientAddr,
			&q.State, &q.QueryStart, &q.Query, &q.WaitEventType, &q.WaitEvent); err != nil {
			return nil, fmt.Errorf("scan active statement: %w", err)
		}
		if q.QueryStart != nil {
			d := now.Sub(q.QueryStart.UTC()).Seconds()
			q.DurationSeconds = &d
		}
		results = append(results, q)
	}
	return results, rows.Err()
}

// TableStat is one row of per-table usage statistics.
type TableStat struct {
	SchemaName string
	TableName  string
	SeqScan    int64
	SeqTupRead int64
	IdxScan    *int64
	IdxTupRead *int64
	TupIns     int64
	TupUpd     int64
	TupDel     int64
	LiveTup    int64
	DeadTup    int64
	TableSize  int64
	LastVacuum *time.Time
}

// TableStats returns the 50 busiest user tables with their total sizes.
func (c *Collector) TableStats(ctx context.Context, targetID int64) ([]TableStat, error) {
	p, err := c.pools.Get(targetID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()
	rows, err := p.Query(ctx, `
		SELECT schemaname, relname, seq_scan, seq_tup_read, idx_scan, idx_tup_fetch,
			n_tup_ins, n_tup_upd, n_tup_del, n_live_tup, n_dead_tup,
			pg_total_relation_size(relid), greatest(last_vacuum, last_autovacuum)
		FROM pg_stat_user_tables
		ORDER BY seq_tup_read + coalesce(idx_tup_fetch, 0) DESC
		LIMIT 50`)
	if err != nil {
		return nil, fmt.Errorf("query table stats: %w", err)
	}
	defer rows.Close()
	results := []TableStat{}
	for rows.Next() {
		var t TableStat
		if err := rows.Scan(&t.SchemaName, &t.TableName, &t.SeqScan, &t.SeqTupRead,
			&t.IdxScan, &t.IdxTupRead, &t.TupIns, &t.TupUpd, &t.TupDel,
			&t.LiveTup, &t.DeadTup, &t.TableSize, &t.LastVacuum); err != nil {
			return nil, fmt.Errorf("scan table stats: %w", err)
		}
		results = append(results, t)
	}
	return results, rows.Err()
}
