package ratelimit

import (
	"math"
	"time"
)

// Strategy is a pure admission algorithm: it maps the current state of a key (nil when
// absent) to the next state and a decision. Implementations never retain or mutate current.
type Strategy interface {
	Evaluate(current *State, now time.Time, cost int64, p Policy) (State, Decision)
}

var strategies = map[Algorithm]Strategy{
	AlgorithmFixedWindow:    fixedWindow{},
	AlgorithmSlidingLog:     slidingLog{},
	AlgorithmSlidingCounter: slidingCounter{},
	AlgorithmTokenBucket:    tokenBucket{},
	AlgorithmLeakyBucket:    leakyBucket{},
}

// Strategy returns the algorithm implementation; unknown names fall back to the fixed window.
func (a Algorithm) Strategy() Strategy {
	if s, ok := strategies[a]; ok {
		return s
	}
	return fixedWindow{}
}

// floorRemaining converts a fractional headroom into a non-negative whole number of units.
func floorRemaining(headroom float64) int64 {
	if headroom <= 0 || math.IsNaN(headroom) {
		return 0
	}
	return int64(math.Floor(headroom + 1e-9))
}

// unitsToDuration returns how long the policy's rate takes to produce units, rounded up.
func unitsToDuration(units float64, p Policy) time.Duration {
	if units <= 0 {
		return 0
	}
	return clampDuration(math.Ceil(units * float64(p.Window) / float64(p.Limit)))
}

// clampDuration converts nanoseconds to a Duration, saturating at the largest Duration.
func clampDuration(ns float64) time.Duration {
	switch {
	case math.IsNaN(ns) || ns <= 0:
		return 0
	case ns >= math.MaxInt64:
		return time.Duration(math.MaxInt64)
	default:
		return time.Duration(ns)
	}
}

// overCapacityWait is the retry hint for a cost no bucket state can ever admit: the
// time until the bucket settles at rest, or one window when it already is.
func overCapacityWait(settle time.Duration, p Policy) time.Duration {
	if settle > 0 {
		return settle
	}
	return max(p.Window, time.Nanosecond)
}

// refill returns how many units the policy's rate produces over elapsed.
func refill(elapsed time.Duration, p Policy) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(elapsed) * float64(p.Limit) / float64(p.Window)
}

func sane(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
