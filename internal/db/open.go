package db

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens a database connection for the DSN. DSNs starting with "file:" use SQLite,
// everything else is handed to the PostgreSQL driver.
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("db: empty dsn")
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	var dialector gorm.Dialector
	if strings.HasPrefix(strings.ToLower(trimmed), "file:") {
		dialector = sqlite.Open(trimmed)
	} else {
		dialector = postgres.Open(trimmed)
	}

	conn, errOpen := gorm.Open(dialector, cfg)
	if errOpen != nil {
		return nil, fmt.Errorf("db: open %s: %w", dialector.Name(), errOpen)
	}
	if DialectOf(conn) == DialectSQLite {
		// SQLite allows a single writer.
		if sqlDB, errDB := conn.DB(); errDB == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	return conn, nil
}

// Close releases the underlying connection pool.
func Close(conn *gorm.DB) error {
	if conn == nil {
		return nil
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		return fmt.Errorf("db: close: %w", errDB)
	}
	return sqlDB.Close()
}
