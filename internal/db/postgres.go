package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenPostgres opens a PostgreSQL database connection using pgx.
// If maxConns or minConns are 0, they default to 25 and 5 respectively.
//
// Tenant scoping relies on set_config('app.current_tenant_id', ...) issued
// per transaction, so connections are interchangeable and no session-level
// state is configured here.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}

	database.SetMaxOpenConns(maxConns)
	database.SetMaxIdleConns(minConns)

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return database, nil
}
