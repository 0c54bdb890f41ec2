package ratelimit

import (
	"slices"
	"time"
)

// slidingLog keeps one timestamp per admitted cost unit inside (now-window, now].
// It is exact but holds O(limit) state per key.
type slidingLog struct{}

func (slidingLog) Evaluate(current *State, now time.Time, cost int64, p Policy) (State, Decision) {
	cutoff := now.Add(-p.Window)
	horizon := now.Add(p.Window)
	var previous []time.Time
	if current != nil {
		previous = current.Log
	}
	retained := make([]time.Time, 0, len(previous)+int(min(cost, p.Limit)))
	for _, ts := range previous {
		if ts.After(cutoff) && !ts.After(horizon) {
			retained = append(retained, ts)
		}
	}

	n := int64(len(retained))
	decision := Decision{Limit: p.Limit}
	if n+cost <= p.Limit {
		decision.Allowed = true
		outOfOrder := len(retained) > 0 && now.Before(retained[len(retained)-1])
		for i := int64(0); i < cost; i++ {
			retained = append(retained, now)
		}
		if outOfOrder {
			slices.SortFunc(retained, func(a, b time.Time) int { return a.Compare(b) })
		}
	}

	decision.Remaining = floorRemaining(float64(p.Limit - int64(len(retained))))
	decision.ResetAt = now
	if len(retained) > 0 {
		decision.ResetAt = retained[len(retained)-1].Add(p.Window)
	}
	if !decision.Allowed {
		excess := n + cost - p.Limit
		switch {
		case cost > p.Limit && n > 0:
			decision.RetryAfter = decision.ResetAt.Sub(now)
		case cost > p.Limit:
			decision.RetryAfter = p.Window
		default:
			decision.RetryAfter = retained[excess-1].Add(p.Window).Sub(now)
		}
	}
	return State{Log: retained}, decision
}

// slidingCounter approximates the sliding log with the current and previous fixed
// window counts, weighting the previous one by the part of it still inside the window.
type slidingCounter struct{}

func (slidingCounter) Evaluate(current *State, now time.Time, cost int64, p Policy) (State, Decision) {
	start := alignWindow(now, p.Window)
	var cur, prev float64
	if current != nil && sane(current.Count) && sane(current.Prev) {
		switch {
		case !current.Start.Before(start) && !current.Start.After(start.Add(p.Window)):
			start = current.Start
			cur = current.Count
			prev = current.Prev
		case current.Start.Add(p.Window).Equal(start):
			prev = current.Count
		}
	}

	elapsed := float64(now.Sub(start)) / float64(p.Window)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > 1 {
		elapsed = 1
	}
	limit := float64(p.Limit)
	units := float64(cost)
	estimated := prev*(1-elapsed) + cur

	decision := Decision{Limit: p.Limit}
	if estimated+units <= limit {
		decision.Allowed = true
		cur += units
		estimated += units
	}
	decision.Remaining = floorRemaining(limit - estimated)

	switch {
	case cur > 0:
		decision.ResetAt = start.Add(2 * p.Window)
	case prev > 0:
		decision.ResetAt = start.Add(p.Window)
	default:
		decision.ResetAt = now
	}

	if !decision.Allowed {
		var at time.Time
		switch {
		case cur+units <= limit && prev > 0:
			fraction := 1 - (limit-cur-units)/prev
			at = start.Add(time.Duration(fraction * float64(p.Window)))
		case units <= limit:
			fraction := 0.0
			if cur > 0 {
				fraction = 1 - (limit-units)/cur
			}
			if fraction < 0 {
				fraction = 0
			}
			at = start.Add(p.Window + time.Duration(fraction*float64(p.Window)))
		default:
			at = laterOf(decision.ResetAt, now.Add(p.Window))
		}
		decision.RetryAfter = at.Sub(now)
		if decision.RetryAfter <= 0 {
			decision.RetryAfter = time.Nanosecond
		}
	}
	return State{Start: start, Count: cur, Prev: prev}, decision
}
