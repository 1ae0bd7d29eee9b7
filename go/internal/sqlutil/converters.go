package sqlutil

import (
	"database/sql"
	"time"
)

// Helper functions for converting between Go types and sql.Null* types.
// Instants are stored as unix milliseconds so the same schema works on every driver.

// ToMillis converts a time to unix milliseconds
func ToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts unix milliseconds to a UTC time
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// ToNullMillis converts a Go time pointer to sql.NullInt64
func ToNullMillis(val *time.Time) sql.NullInt64 {
	if val == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: ToMillis(*val), Valid: true}
}

// FromNullMillis converts sql.NullInt64 to Go time pointer
func FromNullMillis(val sql.NullInt64) *time.Time {
	if !val.Valid {
		return nil
	}
	t := FromMillis(val.Int64)
	return &t
}

// ToSqlString converts a Go string to sql.NullString, empty meaning NULL
func ToSqlString(val string) sql.NullString {
	if val == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: val, Valid: true}
}

// FromSqlString converts sql.NullString to Go string with default
func FromSqlString(val sql.NullString, defaultVal string) string {
	if !val.Valid {
		return defaultVal
	}
	return val.String
}
