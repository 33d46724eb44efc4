// Package schedule implements the durable delivery schedule: a Redis sorted
// set ordering pending deliveries by due time, with an in-flight set carrying
// lease expiries so work claimed by a crashed worker is reclaimed, not lost.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingKey  = "outhook:schedule:pending"
	inflightKey = "outhook:schedule:inflight"
)

// Job is the compact record queued per delivery. The full delivery state
// lives in Postgres; the schedule only orders and leases.
type Job struct {
	DeliveryID     string `json:"delivery_id"`
	SubscriptionID string `json:"subscription_id"`
	EventID        string `json:"event_id"`
	TenantID       string `json:"tenant_id"`
	Attempt        int    `json:"attempt"`
	MaxAttempts    int    `json:"max_attempts,omitempty"`
}

// Claimed is a job pulled off the schedule, holding the exact member string
// so the in-flight marker can be removed or swapped later.
type Claimed struct {
	Job
	member string
}

// claimScript atomically moves due members from pending into in-flight with a
// lease expiry. Because removal and re-add happen inside one script, two
// workers can never claim the same member.
var claimScript = redis.NewScript(`
local pending = KEYS[1]
local inflight = KEYS[2]
local now = tonumber(ARGV[1])
local batch = tonumber(ARGV[2])
local lease_until = tonumber(ARGV[3])

local due = redis.call('ZRANGEBYSCORE', pending, '-inf', now, 'LIMIT', 0, batch)
for _, member in ipairs(due) do
    redis.call('ZREM', pending, member)
    redis.call('ZADD', inflight, lease_until, member)
end
return due
`)

// reclaimScript sweeps in-flight members whose lease expired back into
// pending, due immediately. This is the crash-recovery path.
var reclaimScript = redis.NewScript(`
local pending = KEYS[1]
local inflight = KEYS[2]
local now = tonumber(ARGV[1])

local stale = redis.call('ZRANGEBYSCORE', inflight, '-inf', now)
for _, member in ipairs(stale) do
    redis.call('ZREM', inflight, member)
    redis.call('ZADD', pending, now, member)
end
return #stale
`)

// Schedule is the Redis-backed delivery schedule.
type Schedule struct {
	client *redis.Client
	logger *slog.Logger
	lease  time.Duration
}

// New creates a schedule. lease bounds how long a claimed job may sit
// unacknowledged before another worker may reclaim it.
func New(client *redis.Client, logger *slog.Logger, lease time.Duration) *Schedule {
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &Schedule{client: client, logger: logger, lease: lease}
}

// Enqueue inserts one job keyed by its due time.
func (s *Schedule) Enqueue(ctx context.Context, job Job, dueAt time.Time) error {
	member, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	err = s.client.ZAdd(ctx, pendingKey, redis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: string(member),
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	return nil
}

// EnqueueBatch pipelines many jobs with one due time (fan-out).
func (s *Schedule) EnqueueBatch(ctx context.Context, jobs []Job, dueAt time.Time) error {
	if len(jobs) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	score := float64(dueAt.UnixMilli())
	for _, job := range jobs {
		member, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshaling job: %w", err)
		}
		pipe.ZAdd(ctx, pendingKey, redis.Z{Score: score, Member: string(member)})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueueing batch: %w", err)
	}
	return nil
}

// ClaimDue atomically claims up to batch due jobs, marking each in-flight
// with a lease expiry. At-least-once: a claim that is never completed or
// requeued comes back via ReclaimExpired.
func (s *Schedule) ClaimDue(ctx context.Context, batch int) ([]Claimed, error) {
	now := time.Now()
	res, err := claimScript.Run(ctx, s.client,
		[]string{pendingKey, inflightKey},
		now.UnixMilli(), batch, now.Add(s.lease).UnixMilli(),
	).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("claiming due jobs: %w", err)
	}

	claimed := make([]Claimed, 0, len(res))
	for _, member := range res {
		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			// A member we cannot parse would loop forever; drop it loudly.
			s.logger.Error("dropping unparseable schedule member", "error", err)
			s.client.ZRem(ctx, inflightKey, member)
			continue
		}
		claimed = append(claimed, Claimed{Job: job, member: member})
	}
	return claimed, nil
}

// Requeue releases a claimed job and re-inserts its updated state with a new
// due time. Used for retry backoff and breaker-open deferrals.
func (s *Schedule) Requeue(ctx context.Context, c Claimed, updated Job, dueAt time.Time) error {
	member, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.ZRem(ctx, inflightKey, c.member)
	pipe.ZAdd(ctx, pendingKey, redis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: string(member),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeueing job: %w", err)
	}
	return nil
}

// Complete removes the in-flight marker once a delivery reached a terminal
// state.
func (s *Schedule) Complete(ctx context.Context, c Claimed) error {
	if err := s.client.ZRem(ctx, inflightKey, c.member).Err(); err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	return nil
}

// ReclaimExpired moves jobs whose lease has expired back into pending.
// Returns the number of jobs reclaimed.
func (s *Schedule) ReclaimExpired(ctx context.Context) (int, error) {
	n, err := reclaimScript.Run(ctx, s.client,
		[]string{pendingKey, inflightKey},
		time.Now().UnixMilli(),
	).Int()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("reclaiming expired leases: %w", err)
	}
	if n > 0 {
		s.logger.Warn("reclaimed expired in-flight deliveries", "count", n)
	}
	return n, nil
}

// PendingDepth returns the number of scheduled jobs not yet claimed.
func (s *Schedule) PendingDepth(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, pendingKey).Result()
}

// InflightDepth returns the number of claimed, unacknowledged jobs.
func (s *Schedule) InflightDepth(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, inflightKey).Result()
}
