package schedule

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupSchedule(t *testing.T, lease time.Duration) *Schedule {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(client, logger, lease)
}

func TestSchedule_EnqueueAndClaim(t *testing.T) {
	s := setupSchedule(t, time.Minute)
	ctx := context.Background()

	job := Job{DeliveryID: "dlv-1", SubscriptionID: "sub-1", EventID: "evt-1", TenantID: "t1", Attempt: 1}
	if err := s.Enqueue(ctx, job, time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimDue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed job, got %d", len(claimed))
	}
	if claimed[0].DeliveryID != "dlv-1" || claimed[0].Attempt != 1 {
		t.Errorf("claimed job mismatch: %+v", claimed[0].Job)
	}

	// The claim moved the job in-flight; a second claim finds nothing.
	again, err := s.ClaimDue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("job claimed twice: %d", len(again))
	}

	inflight, _ := s.InflightDepth(ctx)
	if inflight != 1 {
		t.Errorf("inflight depth = %d, want 1", inflight)
	}
}

func TestSchedule_FutureJobsAreNotDue(t *testing.T) {
	s := setupSchedule(t, time.Minute)
	ctx := context.Background()

	job := Job{DeliveryID: "dlv-future", SubscriptionID: "sub-1", EventID: "evt-1", TenantID: "t1", Attempt: 1}
	if err := s.Enqueue(ctx, job, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimDue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 0 {
		t.Fatalf("future job should not be claimable, got %d", len(claimed))
	}

	pending, _ := s.PendingDepth(ctx)
	if pending != 1 {
		t.Errorf("pending depth = %d, want 1", pending)
	}
}

func TestSchedule_CompleteRemovesInflight(t *testing.T) {
	s := setupSchedule(t, time.Minute)
	ctx := context.Background()

	job := Job{DeliveryID: "dlv-done", SubscriptionID: "sub-1", EventID: "evt-1", TenantID: "t1", Attempt: 1}
	if err := s.Enqueue(ctx, job, time.Now()); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimDue(ctx, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim failed: %v (%d)", err, len(claimed))
	}

	if err := s.Complete(ctx, claimed[0]); err != nil {
		t.Fatal(err)
	}

	inflight, _ := s.InflightDepth(ctx)
	pending, _ := s.PendingDepth(ctx)
	if inflight != 0 || pending != 0 {
		t.Errorf("schedule not empty after complete: pending=%d inflight=%d", pending, inflight)
	}
}

func TestSchedule_RequeueBumpsAttempt(t *testing.T) {
	s := setupSchedule(t, time.Minute)
	ctx := context.Background()

	job := Job{DeliveryID: "dlv-retry", SubscriptionID: "sub-1", EventID: "evt-1", TenantID: "t1", Attempt: 1}
	if err := s.Enqueue(ctx, job, time.Now()); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimDue(ctx, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim failed: %v (%d)", err, len(claimed))
	}

	updated := claimed[0].Job
	updated.Attempt = 2
	if err := s.Requeue(ctx, claimed[0], updated, time.Now().Add(-time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	inflight, _ := s.InflightDepth(ctx)
	if inflight != 0 {
		t.Fatalf("requeue should clear the in-flight marker, depth=%d", inflight)
	}

	claimed, err = s.ClaimDue(ctx, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("reclaim after requeue failed: %v (%d)", err, len(claimed))
	}
	if claimed[0].Attempt != 2 {
		t.Errorf("attempt = %d, want 2", claimed[0].Attempt)
	}
}

func TestSchedule_ExpiredLeaseIsReclaimed(t *testing.T) {
	s := setupSchedule(t, 10*time.Millisecond)
	ctx := context.Background()

	job := Job{DeliveryID: "dlv-crash", SubscriptionID: "sub-1", EventID: "evt-1", TenantID: "t1", Attempt: 1}
	if err := s.Enqueue(ctx, job, time.Now()); err != nil {
		t.Fatal(err)
	}

	// Claim and then "crash": never complete or requeue.
	claimed, err := s.ClaimDue(ctx, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim failed: %v (%d)", err, len(claimed))
	}

	// Before the lease expires nothing is reclaimable.
	n, err := s.ReclaimExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("lease not yet expired, reclaimed %d", n)
	}

	time.Sleep(20 * time.Millisecond)

	n, err = s.ReclaimExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed job, got %d", n)
	}

	// The job is claimable again by another worker; never silently dropped.
	claimed, err = s.ClaimDue(ctx, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("reclaimed job not claimable: %v (%d)", err, len(claimed))
	}
	if claimed[0].DeliveryID != "dlv-crash" {
		t.Errorf("wrong job reclaimed: %+v", claimed[0].Job)
	}
}

func TestSchedule_BatchClaimHonorsLimit(t *testing.T) {
	s := setupSchedule(t, time.Minute)
	ctx := context.Background()

	jobs := make([]Job, 5)
	for i := range jobs {
		jobs[i] = Job{DeliveryID: string(rune('a' + i)), SubscriptionID: "sub-1", EventID: "evt-1", TenantID: "t1", Attempt: 1}
	}
	if err := s.EnqueueBatch(ctx, jobs, time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimDue(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 3 {
		t.Fatalf("batch claim = %d, want 3", len(claimed))
	}

	rest, err := s.ClaimDue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 {
		t.Fatalf("remaining claim = %d, want 2", len(rest))
	}
}
