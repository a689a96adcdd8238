package dialect

import "fmt"

// Now returns the SQL expression for the current timestamp.
//
//	SQLite:   datetime('now')
//	Postgres: NOW()
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// NowMinusSeconds returns the SQL expression for "current time minus N
// seconds", where secondsExpr is a column or expression.
//
//	SQLite:   datetime('now', '-' || secondsExpr || ' seconds')
//	Postgres: NOW() - (secondsExpr || ' seconds')::interval
func NowMinusSeconds(driver, secondsExpr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("NOW() - (%s || ' seconds')::interval", secondsExpr)
	}
	return fmt.Sprintf("datetime('now', '-' || %s || ' seconds')", secondsExpr)
}
