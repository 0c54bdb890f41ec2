package ratelimit

import "time"

// fixedWindow counts cost inside aligned windows. Bursts straddling a boundary can
// admit up to twice the limit in a short span.
type fixedWindow struct{}

func (fixedWindow) Evaluate(current *State, now time.Time, cost int64, p Policy) (State, Decision) {
	start := p.windowStart(now)
	count := 0.0
	if current != nil && sane(current.Count) && !current.Start.Before(start) && !current.Start.After(p.windowEnd(start)) {
		start = current.Start
		count = current.Count
	}
	end := p.windowEnd(start)

	decision := Decision{Limit: p.Limit, ResetAt: end}
	if count+float64(cost) <= float64(p.Limit) {
		count += float64(cost)
		decision.Allowed = true
	} else {
		decision.RetryAfter = end.Sub(now)
	}
	decision.Remaining = floorRemaining(float64(p.Limit) - count)
	return State{Start: start, Count: count}, decision
}
