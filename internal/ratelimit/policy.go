package ratelimit

import (
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// Algorithm names the admission strategy of a policy.
type Algorithm string

const (
	AlgorithmFixedWindow    Algorithm = "fixed_window"
	AlgorithmSlidingLog     Algorithm = "sliding_log"
	AlgorithmSlidingCounter Algorithm = "sliding_counter"
	AlgorithmTokenBucket    Algorithm = "token_bucket"
	AlgorithmLeakyBucket    Algorithm = "leaky_bucket"
)

// ParseAlgorithm normalizes an algorithm name. An empty name selects the fixed window and
// "sliding_window" selects the counter variant.
func ParseAlgorithm(raw string) (Algorithm, bool) {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.ReplaceAll(name, "-", "_")
	switch name {
	case "", "fixed", string(AlgorithmFixedWindow):
		return AlgorithmFixedWindow, true
	case "sliding", "sliding_window", string(AlgorithmSlidingCounter):
		return AlgorithmSlidingCounter, true
	case string(AlgorithmSlidingLog):
		return AlgorithmSlidingLog, true
	case "token", string(AlgorithmTokenBucket):
		return AlgorithmTokenBucket, true
	case "leaky", string(AlgorithmLeakyBucket):
		return AlgorithmLeakyBucket, true
	default:
		return "", false
	}
}

// Period aligns fixed windows to calendar boundaries.
type Period string

const (
	PeriodNone    Period = ""
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// ParsePeriod normalizes a calendar period name.
func ParsePeriod(raw string) (Period, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return PeriodNone, true
	case "daily", "day":
		return PeriodDaily, true
	case "monthly", "month":
		return PeriodMonthly, true
	default:
		return "", false
	}
}

// Policy is an immutable quota definition.
type Policy struct {
	Name      string
	Limit     int64
	Window    time.Duration
	Algorithm Algorithm
	// Burst is the bucket capacity for token and leaky buckets; zero means Limit.
	Burst int64
	// Cost is the default cost per call; zero defers to the engine default.
	Cost int64
	// Period aligns fixed windows to UTC calendar days or months instead of Window.
	Period Period
}

// Validate reports whether the policy can be registered.
func (p Policy) Validate() error {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return invalidPolicy(p.Name, "name is required")
	}
	if p.Limit <= 0 {
		return invalidPolicy(name, "limit must be positive")
	}
	algorithm, okAlgorithm := ParseAlgorithm(string(p.Algorithm))
	if !okAlgorithm {
		return invalidPolicy(name, "unknown algorithm "+string(p.Algorithm))
	}
	period, okPeriod := ParsePeriod(string(p.Period))
	if !okPeriod {
		return invalidPolicy(name, "unknown period "+string(p.Period))
	}
	if p.Window <= 0 && period == PeriodNone {
		return invalidPolicy(name, "window must be positive")
	}
	if period != PeriodNone && algorithm != AlgorithmFixedWindow {
		return invalidPolicy(name, "calendar periods require the fixed_window algorithm")
	}
	if p.Burst < 0 {
		return invalidPolicy(name, "burst must not be negative")
	}
	if p.Cost < 0 {
		return invalidPolicy(name, "cost must not be negative")
	}
	if _, errPattern := path.Match(name, ""); errPattern != nil {
		return invalidPolicy(name, "malformed pattern")
	}
	return nil
}

func (p Policy) normalized() Policy {
	p.Name = strings.TrimSpace(p.Name)
	p.Algorithm, _ = ParseAlgorithm(string(p.Algorithm))
	p.Period, _ = ParsePeriod(string(p.Period))
	switch p.Period {
	case PeriodDaily:
		p.Window = 24 * time.Hour
	case PeriodMonthly:
		p.Window = 31 * 24 * time.Hour
	}
	return p
}

// Capacity is the maximum cost admitted in a burst.
func (p Policy) Capacity() int64 {
	switch p.Algorithm {
	case AlgorithmTokenBucket, AlgorithmLeakyBucket:
		if p.Burst > 0 {
			return p.Burst
		}
	}
	return p.Limit
}

// windowStart returns the start of the fixed window containing now.
func (p Policy) windowStart(now time.Time) time.Time {
	switch p.Period {
	case PeriodDaily:
		y, m, d := now.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	case PeriodMonthly:
		y, m, _ := now.UTC().Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	default:
		return alignWindow(now, p.Window)
	}
}

// windowEnd returns the end of the fixed window beginning at start.
func (p Policy) windowEnd(start time.Time) time.Time {
	switch p.Period {
	case PeriodDaily:
		return start.AddDate(0, 0, 1)
	case PeriodMonthly:
		return start.AddDate(0, 1, 0)
	default:
		return start.Add(p.Window)
	}
}

func alignWindow(now time.Time, window time.Duration) time.Time {
	nanos := now.UnixNano()
	offset := nanos % int64(window)
	if offset < 0 {
		offset += int64(window)
	}
	return time.Unix(0, nanos-offset)
}

func isPattern(name string) bool {
	return strings.ContainsAny(name, "*?[")
}

// Registry holds registered policies. Registration is last-write-wins.
type Registry struct {
	mu       sync.RWMutex
	exact    map[string]Policy
	patterns []Policy
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{exact: make(map[string]Policy)}
}

// Register validates and stores the policy under its name. Names containing glob
// metacharacters are matched against lookups with path.Match.
func (r *Registry) Register(p Policy) error {
	if errValidate := p.Validate(); errValidate != nil {
		return errValidate
	}
	p = p.normalized()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(p)
	return nil
}

// Replace validates every policy, then swaps the registry contents in one step.
func (r *Registry) Replace(policies []Policy) error {
	normalized := make([]Policy, 0, len(policies))
	for _, p := range policies {
		if errValidate := p.Validate(); errValidate != nil {
			return errValidate
		}
		normalized = append(normalized, p.normalized())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact = make(map[string]Policy, len(normalized))
	r.patterns = nil
	for _, p := range normalized {
		r.put(p)
	}
	return nil
}

func (r *Registry) put(p Policy) {
	if !isPattern(p.Name) {
		r.exact[p.Name] = p
		return
	}
	for i := range r.patterns {
		if r.patterns[i].Name == p.Name {
			r.patterns[i] = p
			return
		}
	}
	r.patterns = append(r.patterns, p)
	sort.SliceStable(r.patterns, func(i, j int) bool {
		return len(r.patterns[i].Name) > len(r.patterns[j].Name)
	})
}

// Remove drops a policy by its registered name.
func (r *Registry) Remove(name string) bool {
	name = strings.TrimSpace(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.exact[name]; ok {
		delete(r.exact, name)
		return true
	}
	for i := range r.patterns {
		if r.patterns[i].Name == name {
			r.patterns = append(r.patterns[:i], r.patterns[i+1:]...)
			return true
		}
	}
	return false
}

// Resolve returns the policy registered under name, falling back to the longest matching pattern.
func (r *Registry) Resolve(name string) (Policy, error) {
	name = strings.TrimSpace(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.exact[name]; ok {
		return p, nil
	}
	for _, p := range r.patterns {
		if ok, _ := path.Match(p.Name, name); ok {
			return p, nil
		}
	}
	return Policy{}, policyNotFound(name)
}

// List returns every registered policy ordered by name.
func (r *Registry) List() []Policy {
	r.mu.RLock()
	out := make([]Policy, 0, len(r.exact)+len(r.patterns))
	for _, p := range r.exact {
		out = append(out, p)
	}
	out = append(out, r.patterns...)
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
