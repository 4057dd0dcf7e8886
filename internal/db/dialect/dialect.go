// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

import "fmt"

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt converts a boolean to an integer for SQL storage.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// JSONMerge returns the SQL fragment that merges a bound JSON document into
// a JSON column.
//
//	SQLite:   json_patch(col, ?)
//	Postgres: col || CAST(? AS JSONB)
func JSONMerge(driver, col string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("%s || CAST(? AS JSONB)", col)
	}
	return fmt.Sprintf("json_patch(%s, ?)", col)
}

// CaseInsensitiveLike returns the SQL fragment for a case-insensitive
// substring match on a column with a bound pattern.
//
//	SQLite:   col LIKE ? (LIKE is case-insensitive for ASCII by default)
//	Postgres: col ILIKE ?
func CaseInsensitiveLike(driver, col string) string {
	if IsPostgres(driver) {
		return col + " ILIKE ?"
	}
	return col + " LIKE ?"
}

// JSONExtractText returns the SQL fragment extracting a top-level string
// field from a JSON column.
//
//	SQLite:   json_extract(col, '$.key')
//	Postgres: col->>'key'
func JSONExtractText(driver, col, key string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("%s->>'%s'", col, key)
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", col, key)
}

// JSONType returns the column type used for JSON documents.
//
//	SQLite:   TEXT
//	Postgres: JSONB
func JSONType(driver string) string {
	if IsPostgres(driver) {
		return "JSONB"
	}
	return "TEXT"
}
