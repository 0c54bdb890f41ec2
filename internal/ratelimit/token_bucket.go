package ratelimit

import (
	"math"
	"time"
)

// tokenBucket refills Limit tokens per Window up to Capacity and admits a call when
// enough tokens are available. New keys start full.
type tokenBucket struct{}

func (tokenBucket) Evaluate(current *State, now time.Time, cost int64, p Policy) (State, Decision) {
	capacity := float64(p.Capacity())
	tokens := capacity
	last := now
	if current != nil && sane(current.Count) && !current.Start.IsZero() && !current.Start.After(now.Add(p.Window)) {
		tokens = math.Min(capacity, current.Count)
		last = current.Start
		if now.After(last) {
			tokens = math.Min(capacity, tokens+refill(now.Sub(last), p))
			last = now
		}
	}

	units := float64(cost)
	decision := Decision{Limit: p.Capacity()}
	switch {
	case tokens >= units:
		tokens -= units
		decision.Allowed = true
	case cost > p.Capacity():
		decision.RetryAfter = overCapacityWait(unitsToDuration(capacity-tokens, p), p)
	default:
		decision.RetryAfter = unitsToDuration(units-tokens, p)
	}
	decision.Remaining = floorRemaining(tokens)
	decision.ResetAt = now.Add(unitsToDuration(capacity-tokens, p))
	return State{Start: last, Count: tokens}, decision
}
