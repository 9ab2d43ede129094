package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pgprofiler/internal/metrics"
)

// ErrNoPool is returned when a caller asks for a pool that was never
// acquired; the scheduler treats it as "create pool, then retry once".
var ErrNoPool = errors.New("no connection pool for target")

const (
	minConns       = 1
	maxConns       = 5
	commandTimeout = 30 * time.Second
)

// Config holds the connection parameters of one monitored target.
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string
}

func (c Config) dsn() string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, port, c.Database, c.Username, c.Password, sslMode)
}

// Manager owns one bounded pgx pool per monitored target. Pools are never
// shared across targets, and creation for one target never blocks operations
// on another: the map lock covers map access only, each entry carries its
// own creation lock.
type Manager struct {
	mu      sync.RWMutex
	entries map[int64]*entry
	active  atomic.Int64
	meter   *metrics.Metrics
	logger  *slog.Logger
}

type entry struct {
	mu   sync.Mutex
	pool *pgxpool.Pool
}

func NewManager(meter *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{entries: map[int64]*entry{}, meter: meter, logger: logger}
}

// Acquire returns the pool for targetID, creating it if absent. Repeated
// calls reuse the existing pool. A failed creation is reported to the
// caller; the manager itself never retries.
func (m *Manager) Acquire(ctx context.Context, targetID int64, cfg Config) (*pgxpool.Pool, error) {
	m.mu.Lock()
	e, ok := m.entries[targetID]
	if !ok {
		e = &entry{}
		m.entries[targetID] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pool != nil {
		return e.pool, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("parse target dsn: %w", err)
	}
	poolCfg.MinConns = minConns
	poolCfg.MaxConns = maxConns
	poolCfg.ConnConfig.ConnectTimeout = commandTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool for target %d: %w", targetID, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping target %d: %w", targetID, err)
	}
	e.pool = pool
	m.meter.SetActivePools(int(m.active.Add(1)))
	m.logger.Info("created connection pool", slog.Int64("target_id", targetID))
	return pool, nil
}

// Get returns the existing pool for targetID or ErrNoPool.
func (m *Manager) Get(targetID int64) (*pgxpool.Pool, error) {
	m.mu.RLock()
	e, ok := m.entries[targetID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNoPool
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pool == nil {
		return nil, ErrNoPool
	}
	return e.pool, nil
}

// Release closes and removes the pool for targetID, if any.
func (m *Manager) Release(targetID int64) {
	m.mu.Lock()
	e, ok := m.entries[targetID]
	delete(m.entries, targetID)
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pool != nil {
		e.pool.Close()
		e.pool = nil
		m.meter.SetActivePools(int(m.active.Add(-1)))
		m.logger.Info("closed connection pool", slog.Int64("target_id", targetID))
	}
}

// Ping health-checks the target's pool.
func (m *Manager) Ping(ctx context.Context, targetID int64) error {
	pool, err := m.Get(targetID)
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return pool.Ping(pingCtx)
}

// Close tears down every pool.
func (m *Manager) Close() {
	m.mu.Lock()
	entries := m.entries
	m.entries = map[int64]*entry{}
	m.mu.Unlock()
	for _, e := range entries {
		e.mu.Lock()
		if e.pool != nil {
			e.pool.Close()
			e.pool = nil
			m.active.Add(-1)
		}
		e.mu.Unlock()
	}
	m.meter.SetActivePools(int(m.active.Load()))
}

// ServerInfo is the result of a one-off connectivity probe.
type ServerInfo struct {
	Version string
	Uptime  string
}

// CheckTarget opens a single throwaway connection and reads the server
// version and uptime. Used by health checks and target onboarding.
func CheckTarget(ctx context.Context, cfg Config) (ServerInfo, error) {
	connCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	conn, err := pgx.Connect(connCtx, cfg.dsn())
	if err != nil {
		return ServerInfo{}, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)

	var info ServerInfo
	if err := conn.QueryRow(connCtx, "SELECT version()").Scan(&info.Version); err != nil {
		return ServerInfo{}, fmt.Errorf("query version: %w", err)
	}
	if err := conn.QueryRow(connCtx,
		"SELECT date_trunc('second', now() - pg_postmaster_start_time())::text").Scan(&info.Uptime); err != nil {
		return ServerInfo{}, fmt.Errorf("query uptime: %w", err)
	}
	return info, nil
}
