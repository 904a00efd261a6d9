package matrix

import (
	"context"
	"os"
	"testing"

	"github.com/bdobrica/kioku/internal/kioku/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kioku-matrix-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDBSyncStore_RoundTrip(t *testing.T) {
	ss := NewDBSyncStore(newTestStore(t))
	ctx := context.Background()

	batch, err := ss.LoadNextBatch(ctx, self)
	if err != nil || batch != "" {
		t.Fatalf("first LoadNextBatch: %q, %v", batch, err)
	}

	if err := ss.SaveNextBatch(ctx, self, "s1"); err != nil {
		t.Fatalf("SaveNextBatch: %v", err)
	}
	if err := ss.SaveNextBatch(ctx, self, "s2"); err != nil {
		t.Fatalf("SaveNextBatch overwrite: %v", err)
	}
	if err := ss.SaveFilterID(ctx, self, "f1"); err != nil {
		t.Fatalf("SaveFilterID: %v", err)
	}

	if batch, _ := ss.LoadNextBatch(ctx, self); batch != "s2" {
		t.Errorf("next batch: got %q, want s2", batch)
	}
	if filter, _ := ss.LoadFilterID(ctx, self); filter != "f1" {
		t.Errorf("filter id: got %q, want f1", filter)
	}
	if other, _ := ss.LoadNextBatch(ctx, "@other:example.com"); other != "" {
		t.Errorf("tokens must be per user; got %q", other)
	}
}
