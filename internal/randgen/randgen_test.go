package randgen

import (
	"math"
	"sort"
	"testing"
	"testing/quick"
)

func TestSharedFloat64Range(t *testing.T) {
	s := NewShared(42)
	for i := 0; i < 10000; i++ {
		v := s.Float64()
		if v < 0 || v >= 1 {
			t.Fatalf("Float64() out of range: %v", v)
		}
	}
}

func TestExponentialIntervalMean(t *testing.T) {
	s := NewShared(1)
	const mean = 1000.0
	const n = 200000
	sum := 0.0
	for i := 0; i < n; i++ {
		v := s.ExponentialInterval(mean)
		if v < 0 {
			t.Fatalf("negative interval: %v", v)
		}
		sum += v
	}
	got := sum / n
	if math.Abs(got-mean)/mean > 0.05 {
		t.Fatalf("sample mean %v too far from expected mean %v", got, mean)
	}
}

func TestExponentialIntervalNeverInfinite(t *testing.T) {
	if math.IsInf(exponentialInterval(0, 1000), 0) {
		t.Fatal("exponentialInterval(0, ...) should be clamped away from infinity")
	}
}

func TestPerGoroutineDeterministicByIdentity(t *testing.T) {
	p1 := NewPerGoroutine(7)
	p2 := NewPerGoroutine(7)
	a := p1.For("worker-0").Float64()
	b := p2.For("worker-0").Float64()
	if a != b {
		t.Fatalf("same seed+identity should produce the same stream: %v != %v", a, b)
	}
}

func TestPerGoroutineDifferentIdentitiesDiverge(t *testing.T) {
	p := NewPerGoroutine(7)
	a := p.For("worker-0").Float64()
	b := p.For("worker-1").Float64()
	if a == b {
		t.Fatalf("different identities should (almost certainly) diverge")
	}
}

func TestWorkerIdentity(t *testing.T) {
	if WorkerIdentity(3) != "worker-3" {
		t.Fatalf("unexpected identity: %v", WorkerIdentity(3))
	}
}

// TestExponentialIntervalPassesKolmogorovSmirnov checks, for several
// seeds and means, that ExponentialInterval's empirical distribution
// doesn't deviate from Exp(1/mean) by more than the alpha=0.05
// critical value 1.36/sqrt(n).
func TestExponentialIntervalPassesKolmogorovSmirnov(t *testing.T) {
	const n = 10000
	property := func(seed uint64, meanSeed uint16) bool {
		mean := 100.0 + float64(meanSeed%900)
		s := NewShared(seed)
		samples := make([]float64, n)
		for i := range samples {
			samples[i] = s.ExponentialInterval(mean)
		}
		sort.Float64s(samples)

		d := 0.0
		for i, x := range samples {
			empirical := float64(i+1) / float64(n)
			theoretical := 1 - math.Exp(-x/mean)
			if diff := math.Abs(empirical - theoretical); diff > d {
				d = diff
			}
		}
		critical := 1.36 / math.Sqrt(float64(n))
		return d <= critical
	}
	if err := quick.Check(property, &quick.Config{MaxCount: 5}); err != nil {
		t.Fatal(err)
	}
}

// TestPerGoroutineStreamsAreUncorrelated checks that two per-identity
// streams drawn from the same pool produce a sample-correlation
// coefficient below 0.05 over 10^5 samples.
func TestPerGoroutineStreamsAreUncorrelated(t *testing.T) {
	const n = 100000
	property := func(seed uint64) bool {
		p := NewPerGoroutine(seed)
		ra := p.For("worker-a")
		rb := p.For("worker-b")
		a := make([]float64, n)
		b := make([]float64, n)
		for i := 0; i < n; i++ {
			a[i] = ra.Float64()
			b[i] = rb.Float64()
		}
		return math.Abs(pearsonCorrelation(a, b)) < 0.05
	}
	if err := quick.Check(property, &quick.Config{MaxCount: 5}); err != nil {
		t.Fatal(err)
	}
}

func pearsonCorrelation(a, b []float64) float64 {
	n := float64(len(a))
	var sumA, sumB float64
	for i := range a {
		sumA += a[i]
		sumB += b[i]
	}
	meanA, meanB := sumA/n, sumB/n

	var cov, varA, varB float64
	for i := range a {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	return cov / math.Sqrt(varA*varB)
}
