package pool

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"

	"pgprofiler/internal/metrics"
)

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %q not registered", name)
	return 0
}

func parseTestDSN(dsn string) (Config, error) {
	parsed, err := pgx.ParseConfig(dsn)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Host:     parsed.Host,
		Port:     int(parsed.Port),
		Database: parsed.Database,
		Username: parsed.User,
		Password: parsed.Password,
	}, nil
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{Host: "db.internal", Port: 5433, Database: "app", Username: "monitor", Password: "pw", SSLMode: "require"}
	want := "host=db.internal port=5433 dbname=app user=monitor password=pw sslmode=require"
	if got := cfg.dsn(); got != want {
		t.Fatalf("dsn = %q, want %q", got, want)
	}
}

func TestConfigDSNDefaults(t *testing.T) {
	cfg := Config{Host: "localhost", Database: "app", Username: "monitor"}
	want := "host=localhost port=5432 dbname=app user=monitor password= sslmode=prefer"
	if got := cfg.dsn(); got != want {
		t.Fatalf("dsn = %q, want %q", got, want)
	}
}

func TestGetWithoutAcquire(t *testing.T) {
	m := NewManager(nil, nil)
	if _, err := m.Get(1); !errors.Is(err, ErrNoPool) {
		t.Fatalf("expected ErrNoPool, got %v", err)
	}
	if err := m.Ping(context.Background(), 1); !errors.Is(err, ErrNoPool) {
		t.Fatalf("Ping without pool should report ErrNoPool, got %v", err)
	}
}

func TestReleaseUnknownTarget(t *testing.T) {
	m := NewManager(nil, nil)
	// must not panic or block
	m.Release(42)
	m.Close()
}

func TestAcquireReusesPool(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	cfg, err := parseTestDSN(dsn)
	if err != nil {
		t.Fatalf("parse TEST_DATABASE_URL: %v", err)
	}
	reg := prometheus.NewRegistry()
	m := NewManager(metrics.New(reg), nil)
	defer m.Close()

	ctx := context.Background()
	first, err := m.Acquire(ctx, 1, cfg)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	second, err := m.Acquire(ctx, 1, cfg)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if first != second {
		t.Fatalf("repeated acquire must reuse the pool")
	}
	if got := gaugeValue(t, reg, "pgprofiler_connection_pools_active"); got != 1 {
		t.Fatalf("active pool gauge = %v, want 1", got)
	}
	got, err := m.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != first {
		t.Fatalf("Get returned a different pool")
	}

	m.Release(1)
	if _, err := m.Get(1); !errors.Is(err, ErrNoPool) {
		t.Fatalf("released pool should be gone, got %v", err)
	}
	if got := gaugeValue(t, reg, "pgprofiler_connection_pools_active"); got != 0 {
		t.Fatalf("active pool gauge = %v, want 0 after release", got)
	}
}
