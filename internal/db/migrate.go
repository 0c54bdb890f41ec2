package db

import (
	"fmt"

	"github.com/throttlekit/throttled/internal/models"
	"gorm.io/gorm"
)

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch dialect := DialectOf(conn); dialect {
	case DialectSQLite:
		return migrateSQLite(conn)
	case DialectPostgres, "":
		return migratePostgres(conn)
	default:
		return fmt.Errorf("db: unsupported dialect: %s", dialect)
	}
}

// migratePostgres applies PostgreSQL-specific schema updates and indexes.
func migratePostgres(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(&models.Policy{}); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}

	_ = conn.Exec(`CREATE EXTENSION IF NOT EXISTS pg_trgm`).Error

	// ddl defines an index or DDL statement to apply.
	type ddl struct {
		name string // Human-readable name for error reporting.
		sql  string // SQL to execute.
	}
	ddls := []ddl{
		{
			name: "idx_rate_limit_policies_enabled_name",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_rate_limit_policies_enabled_name
				ON rate_limit_policies (name)
				WHERE is_enabled = true
			`,
		},
		{
			name: "idx_rate_limit_policies_labels",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_rate_limit_policies_labels
				ON rate_limit_policies USING gin (labels)
			`,
		},
	}
	for _, stmt := range ddls {
		if errExec := conn.Exec(stmt.sql).Error; errExec != nil {
			return fmt.Errorf("db: create %s: %w", stmt.name, errExec)
		}
	}
	return nil
}

// migrateSQLite applies SQLite schema updates and indexes.
func migrateSQLite(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(&models.Policy{}); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	if errIndex := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_rate_limit_policies_enabled_name
		ON rate_limit_policies (name)
		WHERE is_enabled = 1
	`).Error; errIndex != nil {
		return fmt.Errorf("db: create idx_rate_limit_policies_enabled_name: %w", errIndex)
	}
	return nil
}
