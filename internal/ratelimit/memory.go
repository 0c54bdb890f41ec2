package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const defaultLockStripes = 256

type memoryEntry struct {
	state     State
	expiresAt time.Time
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// UpdateFunc maps a key's current state (nil when absent) to its next state and idle
// expiry. A non-positive ttl removes the key.
type UpdateFunc func(current *State) (next State, ttl time.Duration)

// MemoryStore is the in-process Store. Keys are striped over shards by hash; a shard's
// lock is the per-key critical section for updates, expiry and eviction alike.
type MemoryStore struct {
	clock  Clock
	shards []*memoryShard
	mask   uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMemoryStore constructs a MemoryStore. stripes is rounded up to a power of two; a
// positive sweepInterval starts a background eviction loop stopped by Close.
func NewMemoryStore(clock Clock, stripes int, sweepInterval time.Duration) *MemoryStore {
	if clock == nil {
		clock = NewMonotonicClock()
	}
	if stripes <= 0 {
		stripes = defaultLockStripes
	}
	n := 1
	for n < stripes {
		n <<= 1
	}
	s := &MemoryStore{
		clock:  clock,
		shards: make([]*memoryShard, n),
		mask:   uint64(n - 1),
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{entries: make(map[string]*memoryEntry)}
	}
	if sweepInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.sweepLoop(ctx, sweepInterval)
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	return s.shards[xxhash.Sum64String(key)&s.mask]
}

// lookup returns the live entry for key, evicting it first when expired. Callers hold sh.mu.
func (sh *memoryShard) lookup(key string, now time.Time) *memoryEntry {
	entry := sh.entries[key]
	if entry == nil {
		return nil
	}
	if !entry.expiresAt.After(now) {
		delete(sh.entries, key)
		return nil
	}
	return entry
}

// Update applies fn to the key's state inside its critical section.
func (s *MemoryStore) Update(key string, fn UpdateFunc) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.clock.Now()
	var current *State
	entry := sh.lookup(key, now)
	if entry != nil {
		snapshot := entry.state
		current = &snapshot
	}
	next, ttl := fn(current)
	if ttl <= 0 {
		delete(sh.entries, key)
		return
	}
	if entry == nil {
		entry = &memoryEntry{}
		sh.entries[key] = entry
	}
	entry.state = next
	entry.expiresAt = now.Add(ttl)
}

// AtomicUpdate applies the mutation under the key's lock.
func (s *MemoryStore) AtomicUpdate(_ context.Context, key string, m Mutation) (Decision, error) {
	if m.DryRun {
		return s.peek(key, m), nil
	}
	var decision Decision
	s.Update(key, func(current *State) (State, time.Duration) {
		next, d := m.Apply(current)
		decision = d
		return next, m.TTL(d)
	})
	return decision, nil
}

func (s *MemoryStore) peek(key string, m Mutation) Decision {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var current *State
	if entry := sh.lookup(key, s.clock.Now()); entry != nil {
		snapshot := entry.state
		current = &snapshot
	}
	_, decision := m.Apply(current)
	return decision
}

// ExpireAfter drops the key once it stays untouched for ttl.
func (s *MemoryStore) ExpireAfter(_ context.Context, key string, ttl time.Duration) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.clock.Now()
	entry := sh.lookup(key, now)
	if entry == nil {
		return nil
	}
	if ttl <= 0 {
		delete(sh.entries, key)
		return nil
	}
	entry.expiresAt = now.Add(ttl)
	return nil
}

// Delete removes the key's state.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	delete(sh.entries, key)
	sh.mu.Unlock()
	return nil
}

// Sweep evicts every expired entry and reports how many were removed.
func (s *MemoryStore) Sweep() int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		now := s.clock.Now()
		for key, entry := range sh.entries {
			if !entry.expiresAt.After(now) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len reports the number of stored keys, expired or not.
func (s *MemoryStore) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total
}

func (s *MemoryStore) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Close stops the background sweep.
func (s *MemoryStore) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}
	return nil
}
