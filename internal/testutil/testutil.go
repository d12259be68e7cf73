package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/flitsinc/go-objects/internal/state"
)

func OpenTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	db, err := state.Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return db, func() {
		_ = db.Close()
	}
}

// OpenTestStore returns an initialized store for actor kind/id. The database
// is closed when the test ends.
func OpenTestStore(t *testing.T, identity state.Identity, opts ...state.Option) *state.Store {
	t.Helper()
	db, closeFn := OpenTestDB(t)
	t.Cleanup(closeFn)
	if identity.ID == "" {
		identity.ID = "test"
	}
	if identity.Kind == "" {
		identity.Kind = "test"
	}
	store := state.NewStore(db, opts...)
	if _, err := store.Init(context.Background(), identity); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return store
}
