// Package dbtest opens throwaway in-memory databases for tests.
package dbtest

import (
	"context"
	"testing"

	"go.mau.fi/util/dbutil"

	"github.com/lrhodin/matrix-appservice-bot/pkg/database"
)

// New returns a migrated in-memory database that is closed when the test
// ends. The pool is pinned to one connection because every new SQLite
// connection to :memory: would see an empty database.
func New(t testing.TB) *database.Database {
	t.Helper()
	raw, err := dbutil.NewWithDialect("file::memory:?_foreign_keys=on", "sqlite3")
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	raw.RawDB.SetMaxOpenConns(1)
	raw.RawDB.SetMaxIdleConns(1)
	db := database.New(raw)
	if err = db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("failed to ensure schema: %v", err)
	}
	t.Cleanup(func() { _ = raw.Close() })
	return db
}
