package worker

import (
	"math/rand"
	"testing"
	"time"
)

func TestBackoff_DelayWithinJitterBounds(t *testing.T) {
	cfg := DefaultBackoff()
	rng := rand.New(rand.NewSource(1))

	for attempt := 1; attempt <= 10; attempt++ {
		base := 60 * time.Second
		for i := 1; i < attempt && base < cfg.Max; i++ {
			base *= 2
		}
		if base > cfg.Max {
			base = cfg.Max
		}
		lo := time.Duration(float64(base) * 0.7)
		hi := time.Duration(float64(base) * 1.3)

		for i := 0; i < 100; i++ {
			d := cfg.Delay(attempt, rng)
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestBackoff_CapsAtMax(t *testing.T) {
	cfg := BackoffConfig{Base: 60 * time.Second, Max: time.Hour}
	// 2^60 would overflow a naive shift; the doubling walk must stop at the cap.
	if got := cfg.Delay(61, nil); got != time.Hour {
		t.Fatalf("expected cap %v, got %v", time.Hour, got)
	}
}

func TestBackoff_FirstRetryIsBase(t *testing.T) {
	cfg := BackoffConfig{Base: 60 * time.Second, Max: time.Hour}
	if got := cfg.Delay(1, nil); got != 60*time.Second {
		t.Fatalf("expected %v, got %v", 60*time.Second, got)
	}
	if got := cfg.Delay(0, nil); got != 60*time.Second {
		t.Fatalf("attempt 0 clamps to 1: expected %v, got %v", 60*time.Second, got)
	}
}

func TestBackoff_ExponentialGrowth(t *testing.T) {
	cfg := BackoffConfig{Base: 60 * time.Second, Max: time.Hour}

	want := []time.Duration{
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
		960 * time.Second,
		1920 * time.Second,
		3600 * time.Second, // 3840 capped
		3600 * time.Second,
	}
	for i, w := range want {
		if got := cfg.Delay(i+1, nil); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}
