package testutil

import (
	"path/filepath"
	"testing"

	"github.com/nupi-ai/audionode/internal/store"
)

// OpenStore creates a temporary track cache that is closed with the test.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	st, err := store.Open(store.Options{Path: dbPath})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
