package app

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/throttlekit/throttled/internal/db"
	"github.com/throttlekit/throttled/internal/security"
	"github.com/throttlekit/throttled/internal/settings"
	"gopkg.in/yaml.v3"
)

// ErrConfigExists is returned when init would overwrite an existing config file.
var ErrConfigExists = errors.New("config file already exists")

// InitOptions describes the starter config written by WriteConfigFile.
type InitOptions struct {
	Listen           string
	Backend          string
	RedisAddr        string
	DatabaseType     string // "", "sqlite" or "postgres"; empty keeps policies in config only.
	DatabaseHost     string
	DatabasePort     int
	DatabaseUser     string
	DatabasePassword string
	DatabaseName     string
	DatabasePath     string
	DatabaseSSLMode  string
}

// ConfigExists reports whether the config file exists at the path.
func ConfigExists(configPath string) bool {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return false
	}
	return true
}

// defaultSQLitePath is the default SQLite database file name.
const defaultSQLitePath = "throttled.db"

// BuildDSN builds a database DSN from the init options. It returns "" when no database is requested.
func BuildDSN(opts InitOptions) (string, error) {
	switch strings.ToLower(strings.TrimSpace(opts.DatabaseType)) {
	case "", "none":
		return "", nil
	case "postgres":
		if strings.TrimSpace(opts.DatabaseHost) == "" || strings.TrimSpace(opts.DatabaseName) == "" {
			return "", fmt.Errorf("postgres requires host and database name")
		}
		port := opts.DatabasePort
		if port <= 0 {
			port = 5432
		}
		sslMode := opts.DatabaseSSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(opts.DatabaseUser, opts.DatabasePassword),
			Host:     net.JoinHostPort(opts.DatabaseHost, strconv.Itoa(port)),
			Path:     "/" + opts.DatabaseName,
			RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
		}
		return u.String(), nil
	case "sqlite":
		return buildSQLiteDSN(opts.DatabasePath), nil
	default:
		return "", fmt.Errorf("unsupported database type %q", opts.DatabaseType)
	}
}

// buildSQLiteDSN constructs a SQLite DSN with default parameters.
func buildSQLiteDSN(path string) string {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		dsn = defaultSQLitePath
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = "file:" + dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + strings.Join([]string{
		"_busy_timeout=5000",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
	}, "&")
}

// PingDatabase validates that the DSN can connect and ping.
func PingDatabase(dsn string) error {
	conn, err := db.Open(dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql db: %w", err)
	}
	defer func() {
		if errClose := sqlDB.Close(); errClose != nil {
			log.Errorf("sql db close error: %v", errClose)
		}
	}()
	return sqlDB.Ping()
}

// configFile maps YAML fields for the generated config file.
type configFile struct {
	Listen      string      `yaml:"listen"`
	Backend     string      `yaml:"backend"`
	FailureMode string      `yaml:"failure-mode"`
	Redis       *redisCfg   `yaml:"redis,omitempty"`
	Database    *dbCfg      `yaml:"database,omitempty"`
	Logging     loggingCfg  `yaml:"logging"`
	Admin       adminCfg    `yaml:"admin"`
	Policies    []policyCfg `yaml:"policies"`
}

type redisCfg struct {
	Addr string `yaml:"addr"`
}

type dbCfg struct {
	DSN string `yaml:"dsn"`
}

type loggingCfg struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// adminCfg holds JWT settings for the generated config file.
type adminCfg struct {
	Secret string `yaml:"jwt-secret"`
	Expiry string `yaml:"jwt-expiry"`
}

type policyCfg struct {
	Name      string `yaml:"name"`
	Limit     int64  `yaml:"limit"`
	Window    string `yaml:"window"`
	Algorithm string `yaml:"algorithm"`
}

// generateJWTSecret creates a random JWT secret string.
func generateJWTSecret() string {
	secret, err := security.GenerateRandomString(32)
	if err != nil {
		return "change-me-to-a-secure-random-string"
	}
	return secret
}

// WriteConfigFile writes a starter config file with a fresh admin secret and one default
// policy. It refuses to overwrite an existing file. A requested database is pinged first.
func WriteConfigFile(configPath string, opts InitOptions) error {
	if ConfigExists(configPath) {
		return fmt.Errorf("%w: %s", ErrConfigExists, configPath)
	}
	dsn, errDSN := BuildDSN(opts)
	if errDSN != nil {
		return errDSN
	}
	if dsn != "" {
		if errPing := PingDatabase(dsn); errPing != nil {
			return errPing
		}
	}

	listen := strings.TrimSpace(opts.Listen)
	if listen == "" {
		listen = settings.DefaultListen
	}
	backend := strings.TrimSpace(opts.Backend)
	if backend == "" {
		backend = "memory"
	}
	cfg := configFile{
		Listen:      listen,
		Backend:     backend,
		FailureMode: "closed",
		Logging:     loggingCfg{Level: settings.DefaultLogLevel, Format: "text"},
		Admin: adminCfg{
			Secret: generateJWTSecret(),
			Expiry: "720h",
		},
		Policies: []policyCfg{
			{Name: "default", Limit: 100, Window: "1m", Algorithm: "token_bucket"},
		},
	}
	if addr := strings.TrimSpace(opts.RedisAddr); addr != "" {
		cfg.Redis = &redisCfg{Addr: addr}
	}
	if dsn != "" {
		cfg.Database = &dbCfg{DSN: dsn}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(configPath)
	if errMkdir := os.MkdirAll(dir, 0755); errMkdir != nil {
		return fmt.Errorf("create config dir: %w", errMkdir)
	}

	if errWrite := os.WriteFile(configPath, data, 0600); errWrite != nil {
		return fmt.Errorf("write config file: %w", errWrite)
	}

	return nil
}
