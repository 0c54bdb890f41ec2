package ratelimit

import (
	"math"
	"time"
)

// leakyBucket drains the queue level at Limit per Window and admits a call while the
// level stays within Capacity, smoothing admissions instead of allowing bursts to refill.
type leakyBucket struct{}

func (leakyBucket) Evaluate(current *State, now time.Time, cost int64, p Policy) (State, Decision) {
	capacity := float64(p.Capacity())
	level := 0.0
	last := now
	if current != nil && sane(current.Count) && !current.Start.IsZero() && !current.Start.After(now.Add(p.Window)) {
		level = math.Min(capacity, current.Count)
		last = current.Start
		if now.After(last) {
			level = math.Max(0, level-refill(now.Sub(last), p))
			last = now
		}
	}

	units := float64(cost)
	decision := Decision{Limit: p.Capacity()}
	switch {
	case level+units <= capacity:
		level += units
		decision.Allowed = true
	case cost > p.Capacity():
		decision.RetryAfter = overCapacityWait(unitsToDuration(level, p), p)
	default:
		decision.RetryAfter = unitsToDuration(level+units-capacity, p)
	}
	decision.Remaining = floorRemaining(capacity - level)
	decision.ResetAt = now.Add(unitsToDuration(level, p))
	return State{Start: last, Count: level}, decision
}
