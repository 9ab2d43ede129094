package collector

import (
	"context"
	"testing"
	"time"
)

func TestCommandTimeoutBoundsIntrospection(t *testing.T) {
	before := time.Now()
	ctx, cancel := withCommandTimeout(context.Background())
	after := time.Now()
	defer cancel()

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatalf("introspection context must carry a deadline")
	}
	if deadline.Before(before.Add(commandTimeout)) || deadline.After(after.Add(commandTimeout)) {
		t.Fatalf("deadline %v out of the command timeout bound %v", deadline.Sub(before), commandTimeout)
	}
}

func TestCategorize(t *testing.T) {
	cases := []struct {
		meanTime float64
		want     string
	}{
		{1200, CategoryCritical},
		{600, CategorySlow},
		{150, CategoryNormal},
		{50, CategoryFast},
		// band edges fall into the lower band
		{1000, CategorySlow},
		{500, CategoryNormal},
		{100, CategoryFast},
		{1000.1, CategoryCritical},
		{0, CategoryFast},
	}
	for _, c := range cases {
		if got := Categorize(c.meanTime); got != c.want {
			t.Fatalf("Categorize(%.1f) = %q, want %q", c.meanTime, got, c.want)
		}
	}
}

func TestQueryHashStable(t *testing.T) {
	a := QueryHash("SELECT * FROM orders WHERE id = $1")
	b := QueryHash("SELECT * FROM orders WHERE id = $1")
	if a != b {
		t.Fatalf("hash not stable: %q vs %q", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(a))
	}
	if a == QueryHash("SELECT * FROM orders WHERE id = $2") {
		t.Fatalf("different statements must hash differently")
	}
}

func TestQueryType(t *testing.T) {
	cases := []struct {
		query string
		want  string
	}{
		{"SELECT 1", "SELECT"},
		{"  select * from t", "SELECT"},
		{"INSERT INTO t VALUES (1)", "INSERT"},
		{"update t set x = 1", "UPDATE"},
		{"DELETE FROM t", "DELETE"},
		{"CREATE INDEX idx ON t(x)", "CREATE"},
		{"VACUUM t", "OTHER"},
		{"", "OTHER"},
	}
	for _, c := range cases {
		if got := QueryType(c.query); got != c.want {
			t.Fatalf("QueryType(%q) = %q, want %q", c.query, got, c.want)
		}
	}
}
