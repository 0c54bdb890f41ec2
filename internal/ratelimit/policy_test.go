package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestPolicyValidate(t *testing.T) {
	cases := []struct {
		name   string
		policy Policy
		ok     bool
	}{
		{"valid fixed", Policy{Name: "a", Limit: 1, Window: time.Second}, true},
		{"valid daily", Policy{Name: "a", Limit: 1, Period: PeriodDaily}, true},
		{"missing name", Policy{Limit: 1, Window: time.Second}, false},
		{"zero limit", Policy{Name: "a", Window: time.Second}, false},
		{"zero window", Policy{Name: "a", Limit: 1}, false},
		{"unknown algorithm", Policy{Name: "a", Limit: 1, Window: time.Second, Algorithm: "gcra"}, false},
		{"period on bucket", Policy{Name: "a", Limit: 1, Algorithm: AlgorithmTokenBucket, Period: PeriodDaily}, false},
		{"negative burst", Policy{Name: "a", Limit: 1, Window: time.Second, Burst: -1}, false},
		{"negative cost", Policy{Name: "a", Limit: 1, Window: time.Second, Cost: -1}, false},
		{"malformed pattern", Policy{Name: "a[", Limit: 1, Window: time.Second}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.policy.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidPolicy) {
				t.Fatalf("expected ErrInvalidPolicy, got %v", err)
			}
		})
	}
}

func TestRegistryRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	p := Policy{Name: "api", Limit: 3, Window: time.Second, Algorithm: "token"}
	for i := 0; i < 2; i++ {
		if errRegister := r.Register(p); errRegister != nil {
			t.Fatalf("register: %v", errRegister)
		}
	}
	if got := len(r.List()); got != 1 {
		t.Fatalf("expected one policy, got %d", got)
	}
	resolved, errResolve := r.Resolve("api")
	if errResolve != nil {
		t.Fatalf("resolve: %v", errResolve)
	}
	if resolved.Algorithm != AlgorithmTokenBucket {
		t.Fatalf("expected normalized algorithm, got %q", resolved.Algorithm)
	}
}

func TestRegistryRejectsInvalidWithoutChange(t *testing.T) {
	r := NewRegistry()
	if errRegister := r.Register(Policy{Name: "api", Limit: 3, Window: time.Second}); errRegister != nil {
		t.Fatalf("register: %v", errRegister)
	}
	errRegister := r.Register(Policy{Name: "api", Limit: 0, Window: time.Second})
	var errPolicy *PolicyError
	if !errors.As(errRegister, &errPolicy) || errPolicy.Name != "api" {
		t.Fatalf("expected PolicyError naming api, got %v", errRegister)
	}
	resolved, _ := r.Resolve("api")
	if resolved.Limit != 3 {
		t.Fatalf("expected previous policy kept, got limit %d", resolved.Limit)
	}
}

func TestRegistryPatternsPreferLongest(t *testing.T) {
	r := NewRegistry()
	for _, p := range []Policy{
		{Name: "api.*", Limit: 10, Window: time.Second},
		{Name: "api.chat.*", Limit: 2, Window: time.Second},
		{Name: "api.chat.stream", Limit: 1, Window: time.Second},
	} {
		if errRegister := r.Register(p); errRegister != nil {
			t.Fatalf("register %q: %v", p.Name, errRegister)
		}
	}

	cases := map[string]int64{
		"api.chat.stream": 1,
		"api.chat.send":   2,
		"api.embed":       10,
	}
	for name, want := range cases {
		p, errResolve := r.Resolve(name)
		if errResolve != nil {
			t.Fatalf("resolve %q: %v", name, errResolve)
		}
		if p.Limit != want {
			t.Fatalf("resolve %q: expected limit %d, got %d", name, want, p.Limit)
		}
	}
	if _, errResolve := r.Resolve("admin"); !errors.Is(errResolve, ErrPolicyNotFound) {
		t.Fatalf("expected ErrPolicyNotFound, got %v", errResolve)
	}
}

func TestRegistryReplaceAndRemove(t *testing.T) {
	r := NewRegistry()
	if errRegister := r.Register(Policy{Name: "old", Limit: 1, Window: time.Second}); errRegister != nil {
		t.Fatalf("register: %v", errRegister)
	}
	errReplace := r.Replace([]Policy{
		{Name: "a", Limit: 1, Window: time.Second},
		{Name: "b.*", Limit: 1, Window: time.Second},
	})
	if errReplace != nil {
		t.Fatalf("replace: %v", errReplace)
	}
	if _, errResolve := r.Resolve("old"); !errors.Is(errResolve, ErrPolicyNotFound) {
		t.Fatalf("expected old policy gone, got %v", errResolve)
	}
	if !r.Remove("b.*") {
		t.Fatalf("expected pattern removed")
	}
	if r.Remove("b.*") {
		t.Fatalf("expected second remove to report false")
	}
	if got := len(r.List()); got != 1 {
		t.Fatalf("expected one policy left, got %d", got)
	}

	if errReplace = r.Replace([]Policy{{Name: "c", Limit: -1}}); errReplace == nil {
		t.Fatalf("expected invalid replace to fail")
	}
	if _, errResolve := r.Resolve("a"); errResolve != nil {
		t.Fatalf("expected failed replace to keep contents, got %v", errResolve)
	}
}

func TestDeriveKeyHasNoCollisions(t *testing.T) {
	pairs := [][2]string{
		{DeriveKey("a", "b|c"), DeriveKey("a", "b", "c")},
		{DeriveKey("ab", "c"), DeriveKey("a", "bc")},
		{DeriveKey("a", ""), DeriveKey("a")},
		{DeriveKey("a", "1:x"), DeriveKey("a", "1", "x")},
	}
	for _, pair := range pairs {
		if pair[0] == pair[1] {
			t.Fatalf("expected distinct keys, both were %q", pair[0])
		}
	}
	if DeriveKey("api", "user", "42") != DeriveKey("api", "user", "42") {
		t.Fatalf("expected deterministic keys")
	}
}

func TestParseNames(t *testing.T) {
	if a, ok := ParseAlgorithm("Token-Bucket"); !ok || a != AlgorithmTokenBucket {
		t.Fatalf("expected token bucket, got %q ok=%v", a, ok)
	}
	if a, ok := ParseAlgorithm(""); !ok || a != AlgorithmFixedWindow {
		t.Fatalf("expected fixed window default, got %q", a)
	}
	if _, ok := ParseFailureMode("sideways"); ok {
		t.Fatalf("expected unknown failure mode rejected")
	}
	if mode, ok := ParseFailureMode(""); !ok || mode != FailClosed {
		t.Fatalf("expected fail-closed default, got %q", mode)
	}
	if kind, ok := ParseBackendKind("REDIS"); !ok || kind != BackendRedis {
		t.Fatalf("expected redis backend, got %q", kind)
	}
}
