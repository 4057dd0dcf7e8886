package store

import (
	"database/sql"
	"encoding/json"

	"github.com/conductor/conductor/internal/db"
)

// Store exposes the typed persistence operations over a shared pool.
type Store struct {
	pool   *db.Pool
	driver string
}

// New creates a Store over the given pool.
func New(pool *db.Pool) *Store {
	return &Store{pool: pool, driver: pool.DriverName()}
}

// Pool returns the underlying pool.
func (s *Store) Pool() *db.Pool { return s.pool }

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// marshalJSON renders a metadata map for a JSON column, defaulting to "{}".
func marshalJSON(m map[string]any) string {
	if m == nil {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// unmarshalJSON parses a JSON column into a map, tolerating empty values.
func unmarshalJSON(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
