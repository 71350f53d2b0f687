// internal/db/db.go
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/unclebandit/mailleopard-backend/internal/repository"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open connects to the configured store and verifies the connection.
// driver is "postgres" or "sqlite".
func Open(ctx context.Context, driver, dsn string) (*repository.DB, error) {
	switch driver {
	case "postgres":
		conn, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		conn.SetMaxOpenConns(20)
		conn.SetConnMaxIdleTime(5 * time.Minute)
		if err := conn.PingContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return repository.NewDB(conn, repository.DialectPostgres), nil
	case "sqlite":
		conn, err := sql.Open("sqlite", sqliteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// One writer; transactions are serialized through the pool.
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		if err := conn.PingContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ping sqlite: %w", err)
		}
		return repository.NewDB(conn, repository.DialectSQLite), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
}

// Migrate applies the embedded schema for the store's dialect. Statements
// are idempotent.
func Migrate(ctx context.Context, store *repository.DB) error {
	name := "migrations/postgres.sql"
	if store.Dialect == repository.DialectSQLite {
		name = "migrations/sqlite.sql"
	}
	b, err := migrationsFS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if _, err := store.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply %s: %w", name, err)
	}
	return nil
}
