package ratelimit

import (
	"strings"
	"time"

	internalsettings "github.com/throttlekit/throttled/internal/settings"
)

// BackendKind selects where counter state lives.
type BackendKind string

const (
	BackendMemory BackendKind = "memory"
	BackendRedis  BackendKind = "redis"
)

// ParseBackendKind normalizes a backend name; empty selects memory.
func ParseBackendKind(raw string) (BackendKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "memory", "local":
		return BackendMemory, true
	case "redis", "distributed":
		return BackendRedis, true
	default:
		return "", false
	}
}

// FailureMode decides the outcome of a call when the distributed backend is unavailable.
type FailureMode string

const (
	// FailClosed denies the call.
	FailClosed FailureMode = "closed"
	// FailOpen admits the call.
	FailOpen FailureMode = "open"
	// FailLocal decides the call against the in-process store.
	FailLocal FailureMode = "local"
)

// ParseFailureMode normalizes a failure mode name; empty selects FailClosed.
func ParseFailureMode(raw string) (FailureMode, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "closed", "fail-closed", "deny":
		return FailClosed, true
	case "open", "fail-open", "allow":
		return FailOpen, true
	case "local", "memory", "fallback":
		return FailLocal, true
	default:
		return "", false
	}
}

// Settings configures a Manager. The backend is fixed for the Manager's lifetime.
type Settings struct {
	Backend           BackendKind
	FailureMode       FailureMode
	FailureRetryAfter time.Duration
	DefaultCost       int64
	SweepInterval     time.Duration
	LockStripes       int
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisPrefix       string
	RedisTimeout      time.Duration
	BreakerDuration   time.Duration
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Backend:           BackendMemory,
		FailureMode:       FailClosed,
		FailureRetryAfter: internalsettings.DefaultFailureRetryAfter,
		DefaultCost:       internalsettings.DefaultCost,
		SweepInterval:     internalsettings.DefaultSweepInterval,
		LockStripes:       internalsettings.DefaultLockStripes,
		RedisPrefix:       internalsettings.DefaultRedisPrefix,
		RedisTimeout:      internalsettings.DefaultRedisTimeout,
		BreakerDuration:   internalsettings.DefaultBreakerDuration,
	}
}

func (s Settings) normalized() Settings {
	defaults := DefaultSettings()
	if kind, ok := ParseBackendKind(string(s.Backend)); ok {
		s.Backend = kind
	} else {
		s.Backend = defaults.Backend
	}
	if mode, ok := ParseFailureMode(string(s.FailureMode)); ok {
		s.FailureMode = mode
	} else {
		s.FailureMode = defaults.FailureMode
	}
	if s.FailureRetryAfter <= 0 {
		s.FailureRetryAfter = defaults.FailureRetryAfter
	}
	if s.DefaultCost <= 0 {
		s.DefaultCost = defaults.DefaultCost
	}
	if s.LockStripes <= 0 {
		s.LockStripes = defaults.LockStripes
	}
	s.RedisAddr = strings.TrimSpace(s.RedisAddr)
	s.RedisPassword = strings.TrimSpace(s.RedisPassword)
	s.RedisPrefix = strings.TrimSpace(s.RedisPrefix)
	if s.RedisPrefix == "" {
		s.RedisPrefix = defaults.RedisPrefix
	}
	if s.RedisDB < 0 {
		s.RedisDB = 0
	}
	if s.RedisTimeout <= 0 {
		s.RedisTimeout = defaults.RedisTimeout
	}
	if s.BreakerDuration < 0 {
		s.BreakerDuration = 0
	}
	return s
}
