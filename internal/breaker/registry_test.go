package breaker

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testRegistry(opts ...Option) *Registry {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewRegistry(logger, opts...)
}

func TestRegistry_OpensAfterThreshold(t *testing.T) {
	r := testRegistry()

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		if opened := r.RecordFailure("sub-1"); opened {
			t.Fatalf("breaker opened after %d failures", i+1)
		}
		if !r.Allow("sub-1") {
			t.Fatalf("closed breaker should allow after %d failures", i+1)
		}
	}

	if opened := r.RecordFailure("sub-1"); !opened {
		t.Fatal("breaker should open at the threshold")
	}
	if r.Allow("sub-1") {
		t.Fatal("open breaker must not allow attempts")
	}
	if st := r.Snapshot("sub-1"); st.State != StateOpen {
		t.Errorf("state = %s, want open", st.State)
	}
}

func TestRegistry_HalfOpenAfterCooldown(t *testing.T) {
	now := time.Now()
	r := testRegistry(WithCooldown(30*time.Second), WithClock(func() time.Time { return now }))

	for i := 0; i < DefaultFailureThreshold; i++ {
		r.RecordFailure("sub-1")
	}
	if r.Allow("sub-1") {
		t.Fatal("breaker should be open")
	}

	// Cooldown elapses: a bounded number of trials pass through.
	now = now.Add(31 * time.Second)
	if !r.Allow("sub-1") {
		t.Fatal("first half-open trial should be allowed")
	}
	if !r.Allow("sub-1") {
		t.Fatal("second half-open trial should be allowed")
	}
	if r.Allow("sub-1") {
		t.Fatal("trials beyond the half-open budget must be blocked")
	}
}

func TestRegistry_HalfOpenReadmitsAfterSilentTrials(t *testing.T) {
	now := time.Now()
	r := testRegistry(WithCooldown(30*time.Second), WithClock(func() time.Time { return now }))

	for i := 0; i < DefaultFailureThreshold; i++ {
		r.RecordFailure("sub-1")
	}

	// Both half-open trials are consumed but neither records an outcome
	// (the attempt can abort before reaching the destination).
	now = now.Add(31 * time.Second)
	if !r.Allow("sub-1") || !r.Allow("sub-1") {
		t.Fatal("half-open trials should be allowed")
	}
	if r.Allow("sub-1") {
		t.Fatal("trials beyond the half-open budget must be blocked")
	}

	// Another cooldown later the destination gets fresh trials instead of
	// being stuck in half-open forever.
	now = now.Add(31 * time.Second)
	if !r.Allow("sub-1") {
		t.Fatal("half-open should re-admit trials after another cooldown")
	}
	if !r.Allow("sub-1") {
		t.Fatal("re-admitted budget should cover the full trial count")
	}
	if r.Allow("sub-1") {
		t.Fatal("re-admitted trials must stay bounded")
	}

	// And again, indefinitely.
	now = now.Add(31 * time.Second)
	if !r.Allow("sub-1") {
		t.Fatal("re-admission should repeat every cooldown")
	}
	r.RecordSuccess("sub-1")
	if st := r.Snapshot("sub-1"); st.State != StateClosed {
		t.Errorf("state = %s, want closed after trial success", st.State)
	}
}

func TestRegistry_HalfOpenSuccessCloses(t *testing.T) {
	now := time.Now()
	r := testRegistry(WithClock(func() time.Time { return now }))

	for i := 0; i < DefaultFailureThreshold; i++ {
		r.RecordFailure("sub-1")
	}
	now = now.Add(DefaultCooldown + time.Second)

	if !r.Allow("sub-1") {
		t.Fatal("half-open trial should be allowed")
	}
	r.RecordSuccess("sub-1")

	st := r.Snapshot("sub-1")
	if st.State != StateClosed || st.Failures != 0 {
		t.Errorf("after half-open success: state=%s failures=%d, want closed/0", st.State, st.Failures)
	}
	if !r.Allow("sub-1") {
		t.Error("closed breaker should allow")
	}
}

func TestRegistry_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	r := testRegistry(WithClock(func() time.Time { return now }))

	for i := 0; i < DefaultFailureThreshold; i++ {
		r.RecordFailure("sub-1")
	}
	now = now.Add(DefaultCooldown + time.Second)

	if !r.Allow("sub-1") {
		t.Fatal("half-open trial should be allowed")
	}
	if opened := r.RecordFailure("sub-1"); !opened {
		t.Fatal("half-open failure should re-open the breaker")
	}

	// Cooldown restarted: still blocked just before it elapses again.
	now = now.Add(DefaultCooldown - time.Second)
	if r.Allow("sub-1") {
		t.Error("breaker should stay open until the restarted cooldown elapses")
	}
}

func TestRegistry_DestinationsAreIndependent(t *testing.T) {
	r := testRegistry()

	for i := 0; i < DefaultFailureThreshold; i++ {
		r.RecordFailure("sub-bad")
	}

	if r.Allow("sub-bad") {
		t.Error("failing destination should be blocked")
	}
	if !r.Allow("sub-good") {
		t.Error("unrelated destination must be unaffected")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := testRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := "sub-concurrent"
			for j := 0; j < 100; j++ {
				r.Allow(id)
				if j%2 == 0 {
					r.RecordFailure(id)
				} else {
					r.RecordSuccess(id)
				}
				r.Snapshot(id)
			}
		}(i)
	}
	wg.Wait()
}
