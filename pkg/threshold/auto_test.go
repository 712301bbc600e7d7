package threshold

import (
	"sync"
	"testing"
)

// clusters returns n values spread over [50-10, 50+10] and m values spread
// over [500-30, 500+30].
func clusters(n, m int) []float64 {
	var out []float64
	for i := 0; i < n; i++ {
		out = append(out, float64(50+i%21-10))
	}
	for i := 0; i < m; i++ {
		out = append(out, float64(500+(i*7)%61-30))
	}
	return out
}

func TestSeparatedClusters(t *testing.T) {
	tests := []struct {
		name string
		n, m int
	}{
		{"background heavy", 400, 100},
		{"signal heavy", 100, 400},
		{"balanced", 250, 250},
	}
	for _, tc := range tests {
		a := New()
		for _, v := range clusters(tc.n, tc.m) {
			a.Add(v)
		}
		th := a.Threshold()
		if th <= 50 || th >= 500 {
			t.Errorf("%s: expected threshold strictly between 50 and 500, got %g", tc.name, th)
		}
		if th < 60 || th > 470 {
			t.Errorf("%s: threshold %g falls inside a cluster", tc.name, th)
		}
	}
}

func TestNoValidSplit(t *testing.T) {
	a := New()
	if th := a.Threshold(); th != 0 {
		t.Errorf("Expected 0 for an empty histogram, got %g", th)
	}

	// each class would hold a single value with zero variance
	for i := 0; i < 10; i++ {
		a.Add(50)
		a.Add(500)
	}
	if th := a.Threshold(); th != 0 {
		t.Errorf("Expected 0 without class variance, got %g", th)
	}
}

func TestThresholdBoundary(t *testing.T) {
	a := New()
	for i := 0; i < 20; i++ {
		a.Add(10)
		a.Add(12)
		a.Add(100)
		a.Add(102)
	}
	// the first split separating {10, 12} from {100, 102} is after the
	// second occupied bin
	if th := a.Threshold(); th != 12 {
		t.Errorf("Expected threshold 12, got %g", th)
	}
}

func TestAddIgnoresOutOfRange(t *testing.T) {
	a := New()
	a.Add(0)
	a.Add(-5)
	a.Add(MaxIntensity)
	a.Add(1e9)
	if a.Count() != 0 {
		t.Errorf("Expected out of range values to be ignored, got count %d", a.Count())
	}
	a.Add(1)
	a.Add(65535.5)
	if a.Count() != 2 {
		t.Errorf("Expected 2 recorded values, got %d", a.Count())
	}
}

func TestReset(t *testing.T) {
	a := New()
	for _, v := range clusters(100, 100) {
		a.Add(v)
	}
	if a.Threshold() == 0 {
		t.Fatal("Expected a threshold before reset")
	}
	a.Reset()
	if a.Count() != 0 || a.Threshold() != 0 {
		t.Errorf("Expected empty estimator after reset, count %d", a.Count())
	}

	// the range is recomputed from scratch
	for _, v := range clusters(200, 50) {
		a.Add(v + 1000)
	}
	if th := a.Threshold(); th <= 1050 || th >= 1500 {
		t.Errorf("Expected threshold between the shifted clusters, got %g", th)
	}
}

func TestConcurrentAdd(t *testing.T) {
	a := New()
	values := clusters(300, 100)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, v := range values {
				a.Add(v)
			}
		}()
	}
	wg.Wait()

	if a.Count() != 4*len(values) {
		t.Errorf("Expected %d values, got %d", 4*len(values), a.Count())
	}
	if th := a.Threshold(); th <= 50 || th >= 500 {
		t.Errorf("Expected threshold between clusters, got %g", th)
	}
}
