package settings

import "time"

// Config keys and defaults for the rate limit engine.
const (
	// EnvConfigPath points at the YAML config file.
	EnvConfigPath = "CONFIG_PATH"
	// EnvBackend overrides the backend selection (memory|redis).
	EnvBackend = "THROTTLE_BACKEND"
	// EnvFailureMode overrides the failure mode (open|closed|local).
	EnvFailureMode = "THROTTLE_FAILURE_MODE"
	// EnvRedisAddr overrides the Redis address.
	EnvRedisAddr = "THROTTLE_REDIS_ADDR"
	// EnvRedisPassword overrides the Redis password.
	EnvRedisPassword = "THROTTLE_REDIS_PASSWORD"
	// EnvDBConnection overrides the policy database DSN.
	EnvDBConnection = "DB_CONNECTION"
	// EnvJWTSecret overrides the admin API signing secret.
	EnvJWTSecret = "JWT_SECRET"

	// DefaultListen is the fallback listen address.
	DefaultListen = ":8320"
	// DefaultCost is the fallback cost per call.
	DefaultCost = 1
	// DefaultLockStripes is the fallback number of local lock stripes.
	DefaultLockStripes = 256
	// DefaultRedisPrefix is the fallback Redis key prefix.
	DefaultRedisPrefix = "throttle:rl"
	// DefaultLogLevel is the fallback log level.
	DefaultLogLevel = "info"
)

const (
	// DefaultSweepInterval is the fallback local eviction sweep interval.
	DefaultSweepInterval = 30 * time.Second
	// DefaultRedisTimeout bounds one Redis round trip.
	DefaultRedisTimeout = 500 * time.Millisecond
	// DefaultBreakerDuration is how long Redis is skipped after a failure.
	DefaultBreakerDuration = 30 * time.Second
	// DefaultFailureRetryAfter is the retry hint on fail-closed decisions.
	DefaultFailureRetryAfter = time.Second
	// DefaultPolicyPollInterval is the fallback database policy poll interval.
	DefaultPolicyPollInterval = 15 * time.Second
)
