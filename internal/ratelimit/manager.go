package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RedisClientFactory constructs a Redis client for the given options.
type RedisClientFactory func(options *redis.Options) *redis.Client

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the monotonic engine clock.
func WithClock(clock Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithRegistry shares an existing policy registry.
func WithRegistry(registry *Registry) Option {
	return func(m *Manager) { m.registry = registry }
}

// WithObserver installs a decision observer.
func WithObserver(observer Observer) Option {
	return func(m *Manager) { m.observer = observer }
}

// WithRedisClientFactory replaces redis.NewClient.
func WithRedisClientFactory(factory RedisClientFactory) Option {
	return func(m *Manager) { m.newRedisClient = factory }
}

// WithDistributedStore binds a ready distributed Store instead of dialing Redis from settings.
func WithDistributedStore(store Store) Option {
	return func(m *Manager) { m.remote = store }
}

// Manager is the decision engine: it resolves a policy, derives the key and applies the
// policy's algorithm through the configured backend in one atomic update.
type Manager struct {
	settings       Settings
	registry       *Registry
	clock          Clock
	observer       Observer
	local          *MemoryStore
	newRedisClient RedisClientFactory

	mu           sync.Mutex
	remote       Store
	breakerUntil time.Time
	fallbackLog  rate.Sometimes
}

// NewManager constructs a Manager. The distributed backend is dialed lazily on first use.
func NewManager(settings Settings, opts ...Option) *Manager {
	m := &Manager{
		settings:       settings.normalized(),
		newRedisClient: redis.NewClient,
		observer:       nopObserver{},
		fallbackLog:    rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = NewRegistry()
	}
	if m.clock == nil {
		m.clock = NewMonotonicClock()
	}
	if m.observer == nil {
		m.observer = nopObserver{}
	}
	m.local = NewMemoryStore(m.clock, m.settings.LockStripes, m.settings.SweepInterval)
	return m
}

// Settings returns the normalized settings.
func (m *Manager) Settings() Settings { return m.settings }

// Registry returns the policy registry.
func (m *Manager) Registry() *Registry { return m.registry }

// RegisterPolicy registers or replaces a policy.
func (m *Manager) RegisterPolicy(p Policy) error {
	return m.registry.Register(p)
}

// RemovePolicy unregisters a policy by name.
func (m *Manager) RemovePolicy(name string) bool {
	return m.registry.Remove(name)
}

// ResolvePolicy returns the policy serving name.
func (m *Manager) ResolvePolicy(name string) (Policy, error) {
	return m.registry.Resolve(name)
}

// TryAcquire decides whether a call costing cost is admitted for the subject under the
// named policy. A zero cost uses the policy's cost, then the engine default.
//
// When the distributed backend fails, the returned error matches ErrBackendUnavailable and
// the returned Decision carries the outcome chosen by the configured FailureMode. A failed
// or cancelled round trip may still have been applied server-side.
func (m *Manager) TryAcquire(ctx context.Context, policyName string, subjectParts []string, cost int64) (Decision, error) {
	return m.decide(ctx, policyName, subjectParts, cost, false)
}

// Allow is TryAcquire with the default cost.
func (m *Manager) Allow(ctx context.Context, policyName string, subjectParts ...string) (Decision, error) {
	return m.decide(ctx, policyName, subjectParts, 0, false)
}

// Peek reports the decision TryAcquire would return without consuming quota.
func (m *Manager) Peek(ctx context.Context, policyName string, subjectParts []string, cost int64) (Decision, error) {
	return m.decide(ctx, policyName, subjectParts, cost, true)
}

// Reset drops the subject's counter state so its full quota is available again.
func (m *Manager) Reset(ctx context.Context, policyName string, subjectParts []string) error {
	policy, errResolve := m.registry.Resolve(policyName)
	if errResolve != nil {
		return errResolve
	}
	key := storageKey(policy, DeriveKey(policyName, subjectParts...))
	if m.settings.Backend == BackendMemory {
		return m.local.Delete(ctx, key)
	}
	store, errStore := m.distributed(ctx, m.clock.Now())
	if errStore != nil {
		return errStore
	}
	errDelete := store.Delete(ctx, key)
	m.noteFailure(errDelete, m.clock.Now())
	return errDelete
}

func (m *Manager) decide(ctx context.Context, policyName string, subjectParts []string, cost int64, dryRun bool) (Decision, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	policy, errResolve := m.registry.Resolve(policyName)
	if errResolve != nil {
		return Decision{}, errResolve
	}
	switch {
	case cost < 0:
		return Decision{}, ErrInvalidCost
	case cost == 0 && policy.Cost > 0:
		cost = policy.Cost
	case cost == 0:
		cost = m.settings.DefaultCost
	}

	key := storageKey(policy, DeriveKey(policyName, subjectParts...))
	started := time.Now()
	mutation := Mutation{Policy: policy, Cost: cost, Now: m.clock.Now(), DryRun: dryRun}

	if m.settings.Backend == BackendMemory {
		decision, _ := m.local.AtomicUpdate(ctx, key, mutation)
		m.observer.ObserveDecision(policy.Name, BackendMemory, decision, time.Since(started))
		return decision, nil
	}

	store, errStore := m.distributed(ctx, mutation.Now)
	if errStore == nil {
		decision, errUpdate := store.AtomicUpdate(ctx, key, mutation)
		if errUpdate == nil {
			m.observer.ObserveDecision(policy.Name, BackendRedis, decision, time.Since(started))
			return decision, nil
		}
		m.noteFailure(errUpdate, mutation.Now)
		errStore = errUpdate
	}
	return m.fail(ctx, key, mutation, errStore, started)
}

// fail applies the configured FailureMode after a distributed backend error.
func (m *Manager) fail(ctx context.Context, key string, mutation Mutation, cause error, started time.Time) (Decision, error) {
	var errBackend *BackendError
	if !errors.As(cause, &errBackend) {
		cause = &BackendError{Backend: BackendRedis, Op: "update", Err: cause}
	}
	policy := mutation.Policy
	m.observer.ObserveError(policy.Name, BackendRedis, cause)

	var decision Decision
	switch m.settings.FailureMode {
	case FailOpen:
		decision = Decision{Allowed: true, Limit: policy.Capacity(), Remaining: policy.Capacity(), ResetAt: mutation.Now}
	case FailLocal:
		decision, _ = m.local.AtomicUpdate(ctx, key, mutation)
	default:
		retry := m.settings.FailureRetryAfter
		decision = Decision{Limit: policy.Capacity(), ResetAt: mutation.Now.Add(retry), RetryAfter: retry}
	}
	decision.Fallback = true

	m.fallbackLog.Do(func() {
		log.WithError(cause).WithFields(log.Fields{
			"policy":       policy.Name,
			"failure_mode": m.settings.FailureMode,
			"allowed":      decision.Allowed,
		}).Warn("rate limit: distributed backend unavailable, applying failure mode")
	})
	m.observer.ObserveDecision(policy.Name, BackendRedis, decision, time.Since(started))
	return decision, cause
}

// distributed returns the bound distributed store, dialing Redis on first use.
func (m *Manager) distributed(ctx context.Context, now time.Time) (Store, error) {
	if m.isBreakerActive(now) {
		return nil, &BackendError{Backend: BackendRedis, Op: "connect", Err: errBreakerOpen}
	}
	store, errEnsure := m.ensureRedis(ctx)
	if errEnsure != nil {
		m.tripBreaker(errEnsure, now)
		return nil, &BackendError{Backend: BackendRedis, Op: "connect", Err: errEnsure}
	}
	return store, nil
}

func (m *Manager) ensureRedis(ctx context.Context) (Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.remote != nil {
		return m.remote, nil
	}
	if m.settings.RedisAddr == "" {
		return nil, errors.New("missing redis address")
	}

	client := m.newRedisClient(&redis.Options{
		Addr:         m.settings.RedisAddr,
		Password:     m.settings.RedisPassword,
		DB:           m.settings.RedisDB,
		ReadTimeout:  m.settings.RedisTimeout,
		WriteTimeout: m.settings.RedisTimeout,
		// A retried script could apply a cost twice.
		MaxRetries: -1,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if errPing := client.Ping(ctxPing).Err(); errPing != nil {
		_ = client.Close()
		return nil, errPing
	}
	m.remote = NewRedisStore(client, m.settings.RedisPrefix)
	log.WithField("addr", m.settings.RedisAddr).Info("rate limit: redis backend connected")
	return m.remote, nil
}

// noteFailure trips the breaker for backend failures that are not caller cancellations.
func (m *Manager) noteFailure(err error, now time.Time) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	m.tripBreaker(err, now)
}

func (m *Manager) isBreakerActive(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breakerUntil.IsZero() {
		return false
	}
	if now.Before(m.breakerUntil) {
		return true
	}
	m.breakerUntil = time.Time{}
	return false
}

func (m *Manager) tripBreaker(err error, now time.Time) {
	if err == nil || m.settings.BreakerDuration <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.breakerUntil.IsZero() && now.Before(m.breakerUntil) {
		return
	}
	m.breakerUntil = now.Add(m.settings.BreakerDuration)
	log.WithError(err).WithField("retry_in", m.settings.BreakerDuration).Warn("rate limit: redis unavailable, pausing distributed backend")
}

// Close stops the local sweep and releases the distributed backend.
func (m *Manager) Close() error {
	errLocal := m.local.Close()
	m.mu.Lock()
	remote := m.remote
	m.remote = nil
	m.mu.Unlock()
	if remote != nil {
		if errRemote := remote.Close(); errRemote != nil {
			return errRemote
		}
	}
	return errLocal
}
