// Package dbtest provides throwaway stores and fixtures for tests.
package dbtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/mailleopard-backend/internal/db"
	"github.com/unclebandit/mailleopard-backend/internal/repository"
)

// New opens a migrated store for one test. It uses a fresh SQLite file
// unless TEST_DATABASE_URL points at a Postgres database, in which case the
// tables are truncated first.
func New(t testing.TB) *repository.DB {
	t.Helper()
	ctx := context.Background()

	driver, dsn := "sqlite", filepath.Join(t.TempDir(), "mail.db")
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		driver, dsn = "postgres", url
	}

	store, err := db.Open(ctx, driver, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, db.Migrate(ctx, store))
	if store.Dialect == repository.DialectPostgres {
		_, err := store.ExecContext(ctx,
			`TRUNCATE email_events, email_tasks, email_jobs, email_accounts RESTART IDENTITY CASCADE`)
		require.NoError(t, err)
	}
	return store
}
