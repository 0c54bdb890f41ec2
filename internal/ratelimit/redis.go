package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore is the distributed Store. Each update is one server-side script execution,
// so the read, transform and write of a key happen atomically across processes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore constructs a RedisStore.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: strings.TrimSpace(prefix),
	}
}

// AtomicUpdate runs the algorithm script for the mutation's policy against the key.
func (s *RedisStore) AtomicUpdate(ctx context.Context, key string, m Mutation) (Decision, error) {
	if s == nil || s.client == nil {
		return Decision{}, &BackendError{Backend: BackendRedis, Op: "eval", Err: errors.New("client not initialized")}
	}
	script, args := scriptFor(m)
	res, errEval := script.Run(ctx, s.client, []string{s.buildKey(key)}, args...).Result()
	if errEval != nil {
		return Decision{}, &BackendError{Backend: BackendRedis, Op: "eval", Err: errEval}
	}
	decision, errParse := parseScriptResult(res)
	if errParse != nil {
		return Decision{}, &BackendError{Backend: BackendRedis, Op: "decode", Err: errParse}
	}
	decision.Limit = m.Policy.Limit
	if m.Policy.Algorithm == AlgorithmTokenBucket || m.Policy.Algorithm == AlgorithmLeakyBucket {
		decision.Limit = m.Policy.Capacity()
	}
	return decision, nil
}

func scriptFor(m Mutation) (*redis.Script, []any) {
	p := m.Policy
	now := m.Now.UnixMicro()
	window := p.Window.Microseconds()
	if window <= 0 {
		window = 1
	}
	dry := "0"
	if m.DryRun {
		dry = "1"
	}
	switch p.Algorithm {
	case AlgorithmSlidingCounter:
		return slidingCounterScript, []any{now, m.Cost, p.Limit, window, dry}
	case AlgorithmSlidingLog:
		return slidingLogScript, []any{now, m.Cost, p.Limit, window, dry, uuid.NewString()}
	case AlgorithmTokenBucket:
		return tokenBucketScript, []any{now, m.Cost, p.Limit, window, p.Capacity(), dry}
	case AlgorithmLeakyBucket:
		return leakyBucketScript, []any{now, m.Cost, p.Limit, window, p.Capacity(), dry}
	default:
		start := p.windowStart(m.Now)
		end := p.windowEnd(start)
		return fixedWindowScript, []any{now, m.Cost, p.Limit, start.UnixMicro(), end.UnixMicro(), dry}
	}
}

func parseScriptResult(res any) (Decision, error) {
	values, ok := res.([]any)
	if !ok || len(values) != 4 {
		return Decision{}, errors.New("unexpected script response shape")
	}
	fields := make([]int64, len(values))
	for i, v := range values {
		n, okInt := toInt64(v)
		if !okInt {
			return Decision{}, errors.New("unexpected script response type")
		}
		fields[i] = n
	}
	decision := Decision{
		Allowed:   fields[0] == 1,
		Remaining: fields[1],
		ResetAt:   time.UnixMicro(fields[2]),
	}
	if !decision.Allowed {
		decision.RetryAfter = microsToDuration(fields[3])
	}
	return decision, nil
}

// microsToDuration converts a script's microsecond wait, saturating instead of overflowing
// and never reporting less than one microsecond.
func microsToDuration(us int64) time.Duration {
	switch {
	case us <= 0:
		return time.Microsecond
	case us > math.MaxInt64/int64(time.Microsecond):
		return time.Duration(math.MaxInt64)
	default:
		return time.Duration(us) * time.Microsecond
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	case string:
		parsed, errParse := strconv.ParseInt(n, 10, 64)
		return parsed, errParse == nil
	default:
		return 0, false
	}
}

// ExpireAfter sets the key's idle expiry.
func (s *RedisStore) ExpireAfter(ctx context.Context, key string, ttl time.Duration) error {
	if errExpire := s.client.PExpire(ctx, s.buildKey(key), ttl).Err(); errExpire != nil {
		return &BackendError{Backend: BackendRedis, Op: "pexpire", Err: errExpire}
	}
	return nil
}

// Delete removes the key's state.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if errDel := s.client.Del(ctx, s.buildKey(key)).Err(); errDel != nil {
		return &BackendError{Backend: BackendRedis, Op: "del", Err: errDel}
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if errPing := s.client.Ping(ctx).Err(); errPing != nil {
		return &BackendError{Backend: BackendRedis, Op: "ping", Err: errPing}
	}
	return nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) buildKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}
