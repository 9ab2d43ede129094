package stats

import (
	"math"
	"testing"
)

func TestMean(t *testing.T) {
	if got := Mean([]float64{1, 2, 3, 4}); got != 2.5 {
		t.Fatalf("Mean = %v, want 2.5", got)
	}
	if got := Mean(nil); got != 0 {
		t.Fatalf("empty Mean = %v, want 0", got)
	}
}

func TestStdDev(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	if got := StdDev(values, true); math.Abs(got-2) > 1e-9 {
		t.Fatalf("population StdDev = %v, want 2", got)
	}
	sample := StdDev(values, false)
	if sample <= 2 {
		t.Fatalf("sample StdDev should exceed population, got %v", sample)
	}
	if got := StdDev([]float64{5}, false); got != 0 {
		t.Fatalf("single-value sample StdDev = %v, want 0", got)
	}
}

func TestLinearRegression(t *testing.T) {
	x := []float64{0, 1, 2, 3, 4}
	y := []float64{1, 3, 5, 7, 9}
	slope, intercept, r2, ok := LinearRegression(x, y)
	if !ok {
		t.Fatalf("regression failed")
	}
	if math.Abs(slope-2) > 1e-9 || math.Abs(intercept-1) > 1e-9 {
		t.Fatalf("fit %v,%v, want 2,1", slope, intercept)
	}
	if r2 != 1 {
		t.Fatalf("perfect fit should report r2=1, got %v", r2)
	}

	if _, _, _, ok := LinearRegression([]float64{1}, []float64{1}); ok {
		t.Fatalf("a single point must not fit")
	}
	if _, _, _, ok := LinearRegression([]float64{2, 2, 2}, []float64{1, 2, 3}); ok {
		t.Fatalf("constant x must not fit")
	}
}

func TestPercentile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	cases := []struct {
		p    float64
		want float64
	}{
		{0, 1},
		{50, 5},
		{90, 9},
		{100, 10},
	}
	for _, c := range cases {
		if got := Percentile(sorted, c.p); got != c.want {
			t.Fatalf("Percentile(%v) = %v, want %v", c.p, got, c.want)
		}
	}
	if got := Percentile(nil, 50); got != 0 {
		t.Fatalf("empty Percentile = %v, want 0", got)
	}
}
