package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

type Repository struct {
	Store *Store
}

func NewRepository(store *Store) *Repository {
	return &Repository{Store: store}
}

const targetColumns = `id, name, host, port, dbname, username, password, ssl_mode,
	active, auto_monitoring, connection_status, alert_thresholds, last_connected, created_at`

func scanTarget(row pgx.Row) (Target, error) {
	var t Target
	var thresholds []byte
	err := row.Scan(&t.ID, &t.Name, &t.Host, &t.Port, &t.Database, &t.Username, &t.Password,
		&t.SSLMode, &t.Active, &t.AutoMonitoring, &t.ConnectionStatus, &thresholds,
		&t.LastConnected, &t.CreatedAt)
	if err != nil {
		return Target{}, err
	}
	if len(thresholds) > 0 {
		if err := json.Unmarshal(thresholds, &t.AlertThresholds); err != nil {
			return Target{}, err
		}
	}
	return t, nil
}

func (r *Repository) GetTarget(ctx context.Context, id int64) (Target, error) {
	row := r.Store.Pool.QueryRow(ctx, `SELECT `+targetColumns+` FROM targets WHERE id=$1`, id)
	t, err := scanTarget(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Target{}, ErrNotFound
	}
	return t, err
}

func (r *Repository) ListTargets(ctx context.Context, activeOnly bool) ([]Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets ORDER BY id`
	if activeOnly {
		query = `SELECT ` + targetColumns + ` FROM targets WHERE active = true ORDER BY id`
	}
	rows, err := r.Store.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []Target{}
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// ListMonitoredTargets returns targets the scheduler fans collection out to.
func (r *Repository) ListMonitoredTargets(ctx context.Context) ([]Target, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT `+targetColumns+` FROM targets
		WHERE active = true AND auto_monitoring = true ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []Target{}
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

func (r *Repository) CreateTarget(ctx context.Context, t *Target) error {
	thresholds, err := json.Marshal(t.AlertThresholds)
	if err != nil {
		return err
	}
	row := r.Store.Pool.QueryRow(ctx, `
		INSERT INTO targets (name, host, port, dbname, username, password, ssl_mode,
			active, auto_monitoring, connection_status, alert_thresholds, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
		RETURNING id, created_at`,
		t.Name, t.Host, t.Port, t.Database, t.Username, t.Password, t.SSLMode,
		t.Active, t.AutoMonitoring, StatusUnknown, thresholds)
	return row.Scan(&t.ID, &t.CreatedAt)
}

func (r *Repository) SetTargetActive(ctx context.Context, id int64, active bool) error {
	_, err := r.Store.Pool.Exec(ctx, `UPDATE targets SET active=$1 WHERE id=$2`, active, id)
	return err
}

func (r *Repository) UpdateConnectionStatus(ctx context.Context, id int64, status string, connectedAt *time.Time) error {
	if connectedAt != nil {
		_, err := r.Store.Pool.Exec(ctx, `
			UPDATE targets SET connection_status=$1, last_connected=$2 WHERE id=$3`,
			status, *connectedAt, id)
		return err
	}
	_, err := r.Store.Pool.Exec(ctx, `UPDATE targets SET connection_status=$1 WHERE id=$2`, status, id)
	return err
}

func (r *Repository) InsertSample(ctx context.Context, s *MetricSample) error {
	row := r.Store.Pool.QueryRow(ctx, `
		INSERT INTO metric_samples (target_id, ts, active_connections, idle_connections,
			max_connections, total_transactions, total_tuples, cache_hit_ratio,
			buffer_cache_hit_ratio, locks_count, waiting_locks, deadlocks_count,
			database_size, avg_query_time, cpu_usage, memory_usage, disk_io)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING id`,
		s.TargetID, s.Timestamp, s.ActiveConnections, s.IdleConnections, s.MaxConnections,
		s.TotalTransactions, s.TotalTuples, s.CacheHitRatio, s.BufferCacheHitRatio,
		s.LocksCount, s.WaitingLocks, s.DeadlocksCount, s.DatabaseSize, s.AvgQueryTime,
		s.CPUUsage, s.MemoryUsage, s.DiskIO)
	return row.Scan(&s.ID)
}

const sampleColumns = `id, target_id, ts, active_connections, idle_connections, max_connections,
	total_transactions, total_tuples, cache_hit_ratio, buffer_cache_hit_ratio, locks_count,
	waiting_locks, deadlocks_count, database_size, avg_query_time, cpu_usage, memory_usage, disk_io`

func scanSample(row pgx.Row) (MetricSample, error) {
	var s MetricSample
	err := row.Scan(&s.ID, &s.TargetID, &s.Timestamp, &s.ActiveConnections, &s.IdleConnections,
		&s.MaxConnections, &s.TotalTransactions, &s.TotalTuples, &s.CacheHitRatio,
		&s.BufferCacheHitRatio, &s.LocksCount, &s.WaitingLocks, &s.DeadlocksCount,
		&s.DatabaseSize, &s.AvgQueryTime, &s.CPUUsage, &s.MemoryUsage, &s.DiskIO)
	return s, err
}

// RecentSamples returns samples since the cutoff, newest first, capped at limit.
func (r *Repository) RecentSamples(ctx context.Context, targetID int64, since time.Time, limit int) ([]MetricSample, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT `+sampleColumns+` FROM metric_samples
		WHERE target_id=$1 AND ts >= $2 ORDER BY ts DESC LIMIT $3`,
		targetID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []MetricSample{}
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

// SamplesForTraining returns up to limit samples newest first; a nil targetID
// spans the whole fleet (global models).
func (r *Repository) SamplesForTraining(ctx context.Context, targetID *int64, limit int) ([]MetricSample, error) {
	var rows pgx.Rows
	var err error
	if targetID != nil {
		rows, err = r.Store.Pool.Query(ctx, `
			SELECT `+sampleColumns+` FROM metric_samples
			WHERE target_id=$1 ORDER BY ts DESC LIMIT $2`, *targetID, limit)
	} else {
		rows, err = r.Store.Pool.Query(ctx, `
			SELECT `+sampleColumns+` FROM metric_samples ORDER BY ts DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []MetricSample{}
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

func (r *Repository) LatestSample(ctx context.Context, targetID int64) (MetricSample, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT `+sampleColumns+` FROM metric_samples
		WHERE target_id=$1 ORDER BY ts DESC LIMIT 1`, targetID)
	s, err := scanSample(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return MetricSample{}, ErrNotFound
	}
	return s, err
}

func (r *Repository) CountSamples(ctx context.Context, targetID *int64) (int, error) {
	var count int
	var err error
	if targetID != nil {
		err = r.Store.Pool.QueryRow(ctx,
			`SELECT count(*) FROM metric_samples WHERE target_id=$1`, *targetID).Scan(&count)
	} else {
		err = r.Store.Pool.QueryRow(ctx, `SELECT count(*) FROM metric_samples`).Scan(&count)
	}
	return count, err
}

func (r *Repository) DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.Store.Pool.Exec(ctx, `DELETE FROM metric_samples WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UpsertQueryStat reconciles one collected row by (target_id, query_hash).
// Counters are replaced, not summed: pg_stat_statements already aggregates.
func (r *Repository) UpsertQueryStat(ctx context.Context, q *QueryStat) error {
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO query_stats (target_id, query_hash, query_text, query_type, calls,
			total_time, mean_time, min_time, max_time, rows_returned,
			shared_blks_hit, shared_blks_read, shared_blks_written,
			performance_category, last_seen)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (target_id, query_hash) DO UPDATE SET
			calls = EXCLUDED.calls,
			total_time = EXCLUDED.total_time,
			mean_time = EXCLUDED.mean_time,
			min_time = EXCLUDED.min_time,
			max_time = EXCLUDED.max_time,
			rows_returned = EXCLUDED.rows_returned,
			shared_blks_hit = EXCLUDED.shared_blks_hit,
			shared_blks_read = EXCLUDED.shared_blks_read,
			shared_blks_written = EXCLUDED.shared_blks_written,
			performance_category = EXCLUDED.performance_category,
			last_seen = EXCLUDED.last_seen`,
		q.TargetID, q.QueryHash, q.QueryText, q.QueryType, q.Calls,
		q.TotalTime, q.MeanTime, q.MinTime, q.MaxTime, q.RowsReturned,
		q.SharedBlksHit, q.SharedBlksRead, q.SharedBlksWritten,
		q.PerformanceCategory, q.LastSeen)
	return err
}

const queryStatColumns = `id, target_id, query_hash, query_text, query_type, calls, total_time,
	mean_time, min_time, max_time, rows_returned, shared_blks_hit, shared_blks_read,
	shared_blks_written, performance_category, last_seen`

func scanQueryStat(row pgx.Row) (QueryStat, error) {
	var q QueryStat
	err := row.Scan(&q.ID, &q.TargetID, &q.QueryHash, &q.QueryText, &q.QueryType, &q.Calls,
		&q.TotalTime, &q.MeanTime, &q.MinTime, &q.MaxTime, &q.RowsReturned,
		&q.SharedBlksHit, &q.SharedBlksRead, &q.SharedBlksWritten,
		&q.PerformanceCategory, &q.LastSeen)
	return q, err
}

// SlowQueryStats returns slow and critical statements, worst mean time first.
func (r *Repository) SlowQueryStats(ctx context.Context, targetID int64, limit int) ([]QueryStat, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT `+queryStatColumns+` FROM query_stats
		WHERE target_id=$1 AND performance_category IN ('slow', 'critical')
		ORDER BY mean_time DESC LIMIT $2`, targetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []QueryStat{}
	for rows.Next() {
		q, err := scanQueryStat(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, q)
	}
	return results, rows.Err()
}

func (r *Repository) DeleteQueryStatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.Store.Pool.Exec(ctx, `DELETE FROM query_stats WHERE last_seen < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) CreateAlert(ctx context.Context, a *Alert) error {
	row := r.Store.Pool.QueryRow(ctx, `
		INSERT INTO alerts (target_id, alert_type, severity, title, description,
			metric_name, metric_value, threshold_value, metadata,
			acknowledged, resolved, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,false,false,now())
		RETURNING id, created_at`,
		a.TargetID, a.Type, a.Severity, a.Title, a.Description,
		a.MetricName, a.MetricValue, a.ThresholdValue, a.Metadata)
	return row.Scan(&a.ID, &a.CreatedAt)
}

// OpenAlert finds an unresolved, unacknowledged alert for the metric; used to
// suppress duplicates while a breach stays open.
func (r *Repository) OpenAlert(ctx context.Context, targetID int64, metricName string) (Alert, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT id, target_id, alert_type, severity, title, description, metric_name,
			metric_value, threshold_value, metadata, acknowledged, resolved, created_at, resolved_at
		FROM alerts
		WHERE target_id=$1 AND metric_name=$2 AND resolved=false AND acknowledged=false
		ORDER BY created_at DESC LIMIT 1`, targetID, metricName)
	var a Alert
	err := row.Scan(&a.ID, &a.TargetID, &a.Type, &a.Severity, &a.Title, &a.Description,
		&a.MetricName, &a.MetricValue, &a.ThresholdValue, &a.Metadata,
		&a.Acknowledged, &a.Resolved, &a.CreatedAt, &a.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Alert{}, ErrNotFound
	}
	return a, err
}

func (r *Repository) DeleteResolvedAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.Store.Pool.Exec(ctx,
		`DELETE FROM alerts WHERE resolved = true AND resolved_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) CreateRecommendation(ctx context.Context, rec *Recommendation) error {
	row := r.Store.Pool.QueryRow(ctx, `
		INSERT INTO recommendations (target_id, category, title, description, priority,
			impact, effort, metadata, applied, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,false,now())
		RETURNING id, created_at`,
		rec.TargetID, rec.Category, rec.Title, rec.Description, rec.Priority,
		rec.Impact, rec.Effort, rec.Metadata)
	return row.Scan(&rec.ID, &rec.CreatedAt)
}

func (r *Repository) DeleteAppliedRecommendationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.Store.Pool.Exec(ctx,
		`DELETE FROM recommendations WHERE applied = true AND applied_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
