// Package breaker tracks per-destination failure state so the dispatcher
// stops hammering destinations that are consistently failing. State lives in
// process memory only; the delivery schedule is the durability backstop, so
// losing breaker state on restart just relaxes throttling for a moment.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
	DefaultHalfOpenTrials   = 2
)

// State is a read-only snapshot of one destination's breaker.
type State struct {
	State    string     `json:"state"`
	Failures int        `json:"failures"`
	OpenedAt *time.Time `json:"opened_at,omitempty"`
}

// entry holds one destination's state behind its own lock, so contention
// never crosses destinations.
type entry struct {
	mu         sync.Mutex
	state      string
	failures   int
	openedAt   time.Time
	halfOpenAt time.Time
	trials     int
}

// Registry maps subscription ids to breaker entries, created lazily on first
// delivery attempt.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	threshold      int
	cooldown       time.Duration
	halfOpenTrials int
	logger         *slog.Logger
	now            func() time.Time
}

// Option tunes a registry.
type Option func(*Registry)

func WithThreshold(n int) Option          { return func(r *Registry) { r.threshold = n } }
func WithCooldown(d time.Duration) Option { return func(r *Registry) { r.cooldown = d } }
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry with the given options.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		entries:        make(map[string]*entry),
		threshold:      DefaultFailureThreshold,
		cooldown:       DefaultCooldown,
		halfOpenTrials: DefaultHalfOpenTrials,
		logger:         logger,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) get(id string) *entry {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[id]; ok {
		return e
	}
	e = &entry{state: StateClosed}
	r.entries[id] = e
	return e
}

// Allow reports whether an attempt to this destination may proceed. An open
// breaker past its cooldown moves to half-open and admits a bounded number of
// trial attempts.
func (r *Registry) Allow(id string) bool {
	e := r.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateOpen:
		if r.now().Sub(e.openedAt) < r.cooldown {
			return false
		}
		e.state = StateHalfOpen
		e.halfOpenAt = r.now()
		e.trials = 1
		r.logger.Info("circuit breaker half-open", "subscription_id", id)
		return true

	case StateHalfOpen:
		if e.trials < r.halfOpenTrials {
			e.trials++
			return true
		}
		// An admitted trial can exit before reaching the destination and
		// record no outcome. Re-admit after another cooldown so exhausted
		// trials never strand the destination in half-open.
		if r.now().Sub(e.halfOpenAt) < r.cooldown {
			return false
		}
		e.halfOpenAt = r.now()
		e.trials = 1
		return true

	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets its failure count.
func (r *Registry) RecordSuccess(id string) {
	e := r.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateHalfOpen {
		r.logger.Info("circuit breaker closed (recovered)", "subscription_id", id)
	}
	e.state = StateClosed
	e.failures = 0
	e.trials = 0
}

// RecordFailure counts a failure. Crossing the threshold opens the breaker;
// a half-open trial failure re-opens it and restarts the cooldown.
// Returns true when this call transitioned the breaker to open.
func (r *Registry) RecordFailure(id string) bool {
	e := r.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures++

	switch e.state {
	case StateHalfOpen:
		e.state = StateOpen
		e.openedAt = r.now()
		e.trials = 0
		r.logger.Warn("circuit breaker re-opened (half-open trial failed)", "subscription_id", id)
		return true

	case StateClosed:
		if e.failures >= r.threshold {
			e.state = StateOpen
			e.openedAt = r.now()
			r.logger.Warn("circuit breaker opened",
				"subscription_id", id,
				"failures", e.failures,
				"threshold", r.threshold,
			)
			return true
		}
	}
	return false
}

// Snapshot returns the current state for the health endpoint. Unknown ids
// report closed.
func (r *Registry) Snapshot(id string) State {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return State{State: StateClosed}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := State{State: e.state, Failures: e.failures}
	if e.state == StateOpen {
		opened := e.openedAt
		st.OpenedAt = &opened
		if r.now().Sub(e.openedAt) >= r.cooldown {
			st.State = StateHalfOpen
		}
	}
	return st
}

// Forget drops a destination's entry, e.g. after its subscription is deleted.
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}
