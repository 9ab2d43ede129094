package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	cases := []struct {
		op    string
		parts []any
		want  string
	}{
		{"latest_metrics", []any{int64(7)}, "latest_metrics:7"},
		{"queries", []any{int64(7), "slow", 50}, "queries:7:slow:50"},
		{"dashboard", nil, "dashboard"},
	}
	for _, c := range cases {
		if got := Key(c.op, c.parts...); got != c.want {
			t.Fatalf("Key(%q, %v) = %q, want %q", c.op, c.parts, got, c.want)
		}
	}
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := m.Get(ctx, "k"); err != nil {
		t.Fatalf("fresh key missing: %v", err)
	}

	m.now = func() time.Time { return base.Add(59 * time.Second) }
	if _, err := m.Get(ctx, "k"); err != nil {
		t.Fatalf("key expired early: %v", err)
	}

	m.now = func() time.Time { return base.Add(61 * time.Second) }
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss after expiry, got %v", err)
	}
}

func TestMemoryZeroTTLNeverExpires(t *testing.T) {
	m := NewMemory()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	ctx := context.Background()

	_ = m.Set(ctx, "k", []byte("v"), 0)
	m.now = func() time.Time { return base.Add(1000 * time.Hour) }
	if _, err := m.Get(ctx, "k"); err != nil {
		t.Fatalf("zero TTL key must persist: %v", err)
	}
}

func TestMemoryDeleteByPattern(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Set(ctx, "queries:1:slow", []byte("a"), 0)
	_ = m.Set(ctx, "queries:1:all", []byte("b"), 0)
	_ = m.Set(ctx, "queries:2:slow", []byte("c"), 0)

	if err := m.DeleteByPattern(ctx, "queries:1:*"); err != nil {
		t.Fatalf("DeleteByPattern: %v", err)
	}
	if _, err := m.Get(ctx, "queries:1:slow"); !errors.Is(err, ErrMiss) {
		t.Fatalf("matched key survived")
	}
	if _, err := m.Get(ctx, "queries:2:slow"); err != nil {
		t.Fatalf("unmatched key deleted: %v", err)
	}
}

// failingStore errors on everything, standing in for a dead redis.
type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}
func (failingStore) Delete(context.Context, string) error {
	return errors.New("connection refused")
}
func (failingStore) DeleteByPattern(context.Context, string) error {
	return errors.New("connection refused")
}
func (failingStore) Close() error { return nil }

func TestServiceSwallowsBackendFailures(t *testing.T) {
	s := NewService(failingStore{}, nil)
	ctx := context.Background()

	s.Set(ctx, "k", map[string]int{"a": 1}, time.Minute)
	s.Delete(ctx, "k")
	s.DeleteByPattern(ctx, "k:*")

	var out map[string]int
	if s.Get(ctx, "k", &out) {
		t.Fatalf("failing backend must read as a miss")
	}
}

func TestServiceRoundTrip(t *testing.T) {
	s := NewService(NewMemory(), nil)
	ctx := context.Background()

	type payload struct {
		Name  string
		Count int
	}
	s.Set(ctx, "p", payload{Name: "orders", Count: 3}, time.Minute)

	var out payload
	if !s.Get(ctx, "p", &out) {
		t.Fatalf("expected hit")
	}
	if out.Name != "orders" || out.Count != 3 {
		t.Fatalf("unexpected payload %+v", out)
	}
}

func TestNilServiceIsSafe(t *testing.T) {
	var s *Service
	ctx := context.Background()
	s.Set(ctx, "k", 1, time.Minute)
	s.Delete(ctx, "k")
	var out int
	if s.Get(ctx, "k", &out) {
		t.Fatalf("nil service must miss")
	}
}
