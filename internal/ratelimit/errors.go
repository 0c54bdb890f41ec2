package ratelimit

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPolicy reports a policy that failed validation.
	ErrInvalidPolicy = errors.New("rate limit: invalid policy")
	// ErrPolicyNotFound reports a lookup for a policy that was never registered.
	ErrPolicyNotFound = errors.New("rate limit: policy not found")
	// ErrBackendUnavailable reports a failed round trip to the distributed backend.
	ErrBackendUnavailable = errors.New("rate limit: backend unavailable")
	// ErrInvalidCost reports a negative cost.
	ErrInvalidCost = errors.New("rate limit: invalid cost")

	errBreakerOpen = errors.New("circuit open")
)

// PolicyError carries the policy name and reason for configuration errors.
type PolicyError struct {
	Name   string
	Reason string
	err    error
}

func (e *PolicyError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %q", e.err, e.Name)
	}
	return fmt.Sprintf("%s: %q: %s", e.err, e.Name, e.Reason)
}

func (e *PolicyError) Unwrap() error { return e.err }

func invalidPolicy(name, reason string) error {
	return &PolicyError{Name: name, Reason: reason, err: ErrInvalidPolicy}
}

func policyNotFound(name string) error {
	return &PolicyError{Name: name, err: ErrPolicyNotFound}
}

// BackendError wraps a failure of the distributed backend.
type BackendError struct {
	Backend BackendKind
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("rate limit %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Is makes every BackendError match ErrBackendUnavailable.
func (e *BackendError) Is(target error) bool { return target == ErrBackendUnavailable }
