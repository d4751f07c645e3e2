// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

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

// BigInt returns the column type for unix-millisecond timestamps and counters.
func BigInt(driver string) string {
	if IsPostgres(driver) {
		return "BIGINT"
	}
	return "INTEGER"
}

// Greatest returns the two-argument maximum function for the dialect.
func Greatest(driver, a, b string) string {
	if IsPostgres(driver) {
		return "GREATEST(" + a + ", " + b + ")"
	}
	return "MAX(" + a + ", " + b + ")"
}
