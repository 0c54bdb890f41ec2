package db

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Dialect names the SQL flavour behind a connection.
type Dialect string

// Dialects supported by the policy store.
const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DialectOf returns the dialect of conn, or "" when conn is unusable.
func DialectOf(conn *gorm.DB) Dialect {
	if conn == nil || conn.Dialector == nil {
		return ""
	}
	return Dialect(conn.Dialector.Name())
}

// NameMatch returns a WHERE fragment and its argument matching column against
// substring without regard to case.
func (d Dialect) NameMatch(column, substring string) (string, string) {
	pattern := "%" + substring + "%"
	if d == DialectSQLite {
		return fmt.Sprintf("LOWER(%s) LIKE ?", column), strings.ToLower(pattern)
	}
	return fmt.Sprintf("%s ILIKE ?", column), pattern
}

// LabelEquals returns a WHERE fragment comparing one key of a JSON object column
// to a text argument. key must already be restricted to identifier characters.
func (d Dialect) LabelEquals(column, key string) string {
	if d == DialectSQLite {
		return fmt.Sprintf("json_extract(%s, '$.%s') = ?", column, key)
	}
	return fmt.Sprintf("%s->>'%s' = ?", column, key)
}
