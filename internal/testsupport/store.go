package testsupport

import (
	"testing"

	"autostage/internal/config"
	"autostage/internal/store"
)

// MustOpenStore opens the SQLite store for a test config and closes it on
// test cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return st
}
