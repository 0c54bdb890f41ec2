package ratelimit

import (
	"context"
	"time"
)

// Decision describes the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
	// Fallback marks a decision synthesized by the failure policy instead of the bound backend.
	Fallback bool
}

// State is the per-key counter state owned by a Store.
//
// Field meaning depends on the algorithm:
//   - fixed window: Start is the window start, Count the admitted cost.
//   - sliding counter: Start is the current window start, Count and Prev the current and previous window cost.
//   - token bucket: Start is the last refill time, Count the available tokens.
//   - leaky bucket: Start is the last leak time, Count the queue level.
//   - sliding log: Log holds one timestamp per admitted cost unit, oldest first.
type State struct {
	Start time.Time
	Count float64
	Prev  float64
	Log   []time.Time
}

// Mutation is one read-modify-write of a key's counter state.
type Mutation struct {
	Policy Policy
	Cost   int64
	Now    time.Time
	// DryRun evaluates the mutation without persisting the resulting state.
	DryRun bool
}

// Apply runs the policy's algorithm against the current state (nil when absent).
func (m Mutation) Apply(current *State) (State, Decision) {
	return m.Policy.Algorithm.Strategy().Evaluate(current, m.Now, m.Cost, m.Policy)
}

// TTL returns how long the state produced by the mutation stays relevant.
func (m Mutation) TTL(decision Decision) time.Duration {
	return decision.ResetAt.Sub(m.Now)
}

// Store is the storage contract every backend satisfies.
//
// AtomicUpdate applies the mutation to the key's state as if no other caller observed or
// mutated it between read and write, and sets the key's idle expiry on every write.
type Store interface {
	AtomicUpdate(ctx context.Context, key string, m Mutation) (Decision, error)
	ExpireAfter(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Observer receives decision and error notifications from the Manager.
type Observer interface {
	ObserveDecision(policy string, backend BackendKind, decision Decision, elapsed time.Duration)
	ObserveError(policy string, backend BackendKind, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveDecision(string, BackendKind, Decision, time.Duration) {}
func (nopObserver) ObserveError(string, BackendKind, error)                      {}
