package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/throttlekit/throttled/internal/ratelimit"
	"github.com/throttlekit/throttled/internal/settings"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath    = settings.EnvConfigPath
	EnvDBConnection  = settings.EnvDBConnection
	EnvJWTSecret     = settings.EnvJWTSecret
	EnvJWTExpiry     = "JWT_EXPIRY"
	EnvBackend       = settings.EnvBackend
	EnvFailureMode   = settings.EnvFailureMode
	EnvRedisAddr     = settings.EnvRedisAddr
	EnvRedisPassword = settings.EnvRedisPassword
)

// ErrMissingDatabaseDSN indicates no database DSN is configured.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database.dsn` in config file or DB_CONNECTION)")

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string `yaml:"-"`

	Listen             string         `yaml:"listen"`
	Backend            string         `yaml:"backend"`
	FailureMode        string         `yaml:"failure-mode"`
	FailureRetryAfter  time.Duration  `yaml:"failure-retry-after"`
	DefaultCost        int64          `yaml:"default-cost"`
	SweepInterval      time.Duration  `yaml:"sweep-interval"`
	LockStripes        int            `yaml:"lock-stripes"`
	BreakerDuration    time.Duration  `yaml:"breaker-duration"`
	Redis              RedisConfig    `yaml:"redis"`
	Database           DatabaseConfig `yaml:"database"`
	PoliciesFile       string         `yaml:"policies-file"`
	PolicyPollInterval time.Duration  `yaml:"policy-poll-interval"`
	Logging            LoggingConfig  `yaml:"logging"`
	Admin              JWTConfig      `yaml:"admin"`
	Policies           []PolicyConfig `yaml:"policies"`
}

// RedisConfig holds the distributed backend connection settings.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DatabaseConfig holds the policy database settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// LoggingConfig controls log level, format and optional file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
}

// JWTConfig holds JWT secret and expiry settings for the admin API.
type JWTConfig struct {
	Secret string        `yaml:"jwt-secret"`
	Expiry time.Duration `yaml:"jwt-expiry"`
}

// PolicyConfig is the file representation of a rate limit policy.
type PolicyConfig struct {
	Name      string            `yaml:"name"`
	Limit     int64             `yaml:"limit"`
	Window    time.Duration     `yaml:"window"`
	Algorithm string            `yaml:"algorithm"`
	Burst     int64             `yaml:"burst"`
	Cost      int64             `yaml:"cost"`
	Period    string            `yaml:"period"`
	Labels    map[string]string `yaml:"labels"`
}

// defaultJWTExpiry is used when the config omits or invalidates JWT expiry.
const defaultJWTExpiry = 30 * 24 * time.Hour

// LoadFromEnv resolves the config path from CONFIG_PATH and loads it.
func LoadFromEnv() (AppConfig, error) {
	return Load(ResolveConfigPath(os.Getenv(EnvConfigPath)))
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// Load reads the YAML config file and applies environment overrides.
// A missing file yields the defaults.
func Load(configPath string) (AppConfig, error) {
	cfg := AppConfig{}
	data, errRead := os.ReadFile(configPath)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return AppConfig{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return AppConfig{}, fmt.Errorf("read config file: %w", errRead)
	}
	cfg.ConfigPath = configPath

	applyEnv(&cfg)
	cfg.applyDefaults()
	if cfg.PoliciesFile != "" && !filepath.IsAbs(cfg.PoliciesFile) {
		cfg.PoliciesFile = filepath.Join(filepath.Dir(configPath), cfg.PoliciesFile)
	}
	return cfg, nil
}

func applyEnv(cfg *AppConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvBackend)); v != "" {
		cfg.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvFailureMode)); v != "" {
		cfg.FailureMode = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRedisAddr)); v != "" {
		cfg.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRedisPassword)); v != "" {
		cfg.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDBConnection)); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvJWTSecret)); v != "" {
		cfg.Admin.Secret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); v != "" {
		if expiry, errParse := time.ParseDuration(v); errParse == nil && expiry > 0 {
			cfg.Admin.Expiry = expiry
		}
	}
}

func (c *AppConfig) applyDefaults() {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = settings.DefaultListen
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = settings.DefaultSweepInterval
	}
	if c.BreakerDuration == 0 {
		c.BreakerDuration = settings.DefaultBreakerDuration
	}
	if c.PolicyPollInterval <= 0 {
		c.PolicyPollInterval = settings.DefaultPolicyPollInterval
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = settings.DefaultLogLevel
	}
	if c.Admin.Expiry <= 0 {
		c.Admin.Expiry = defaultJWTExpiry
	}
	c.PoliciesFile = strings.TrimSpace(c.PoliciesFile)
}

// Validate reports configuration values that cannot be normalized.
func (c AppConfig) Validate() error {
	if _, ok := ratelimit.ParseBackendKind(c.Backend); !ok {
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if _, ok := ratelimit.ParseFailureMode(c.FailureMode); !ok {
		return fmt.Errorf("config: unknown failure-mode %q", c.FailureMode)
	}
	if kind, _ := ratelimit.ParseBackendKind(c.Backend); kind == ratelimit.BackendRedis && strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.New("config: redis backend requires redis.addr")
	}
	if _, errPolicies := ToPolicies(c.Policies); errPolicies != nil {
		return fmt.Errorf("config: %w", errPolicies)
	}
	return nil
}

// DatabaseDSN returns the configured policy database DSN.
func (c AppConfig) DatabaseDSN() (string, error) {
	if dsn := strings.TrimSpace(c.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// ToSettings translates the config into engine settings.
func (c AppConfig) ToSettings() ratelimit.Settings {
	backend, _ := ratelimit.ParseBackendKind(c.Backend)
	mode, _ := ratelimit.ParseFailureMode(c.FailureMode)
	s := ratelimit.DefaultSettings()
	s.Backend = backend
	s.FailureMode = mode
	s.RedisAddr = c.Redis.Addr
	s.RedisPassword = c.Redis.Password
	s.RedisDB = c.Redis.DB
	s.SweepInterval = c.SweepInterval
	s.BreakerDuration = c.BreakerDuration
	if c.FailureRetryAfter > 0 {
		s.FailureRetryAfter = c.FailureRetryAfter
	}
	if c.DefaultCost > 0 {
		s.DefaultCost = c.DefaultCost
	}
	if c.LockStripes > 0 {
		s.LockStripes = c.LockStripes
	}
	if prefix := strings.TrimSpace(c.Redis.Prefix); prefix != "" {
		s.RedisPrefix = prefix
	}
	if c.Redis.Timeout > 0 {
		s.RedisTimeout = c.Redis.Timeout
	}
	return s
}

// ToPolicy converts the file representation into an engine policy.
func (p PolicyConfig) ToPolicy() ratelimit.Policy {
	return ratelimit.Policy{
		Name:      strings.TrimSpace(p.Name),
		Limit:     p.Limit,
		Window:    p.Window,
		Algorithm: ratelimit.Algorithm(p.Algorithm),
		Burst:     p.Burst,
		Cost:      p.Cost,
		Period:    ratelimit.Period(p.Period),
	}
}

// FromPolicy converts an engine policy into its file representation.
func FromPolicy(p ratelimit.Policy) PolicyConfig {
	return PolicyConfig{
		Name:      p.Name,
		Limit:     p.Limit,
		Window:    p.Window,
		Algorithm: string(p.Algorithm),
		Burst:     p.Burst,
		Cost:      p.Cost,
		Period:    string(p.Period),
	}
}

// ToPolicies validates and converts a list of file policies. Duplicate names are rejected.
func ToPolicies(items []PolicyConfig) ([]ratelimit.Policy, error) {
	out := make([]ratelimit.Policy, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		p := item.ToPolicy()
		if errValidate := p.Validate(); errValidate != nil {
			return nil, fmt.Errorf("policies[%d]: %w", i, errValidate)
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("policies[%d]: duplicate policy %q", i, p.Name)
		}
		seen[p.Name] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

// LoadPolicyFile reads a policy YAML file holding a top-level `policies` list.
func LoadPolicyFile(policyPath string) ([]ratelimit.Policy, error) {
	type fileConfig struct {
		Policies []PolicyConfig `yaml:"policies"`
	}

	data, errRead := os.ReadFile(policyPath)
	if errRead != nil {
		return nil, fmt.Errorf("read policy file: %w", errRead)
	}
	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return nil, fmt.Errorf("parse policy file: %w", errUnmarshal)
	}
	return ToPolicies(cfg.Policies)
}
