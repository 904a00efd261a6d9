package memory

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/kioku/internal/kioku/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kioku-memory-*.db")
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

// stubSummarizer records every call and answers with out/err.
type stubSummarizer struct {
	mu    sync.Mutex
	out   string
	err   error
	calls []string
}

func (s *stubSummarizer) Summarize(_ context.Context, text string, limit int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, text)
	if s.err != nil {
		return "", s.err
	}
	if len(s.out) > limit {
		return s.out[:limit], nil
	}
	return s.out, nil
}

func (s *stubSummarizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

var errSummarizerDown = errors.New("summarizer down")

// seedTurns inserts turns without running eviction.
func seedTurns(t *testing.T, ts *ThreadStore, key string, texts ...string) {
	t.Helper()
	for i, text := range texts {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		if err := ts.insertTurn(context.Background(), key, role, text, time.Now()); err != nil {
			t.Fatalf("insertTurn: %v", err)
		}
	}
}

// numbered returns n strings of exactly size characters, each starting
// with its index so order is visible.
func numbered(n, size int) []string {
	out := make([]string, n)
	for i := range out {
		prefix := string(rune('A'+i%26)) + "-"
		out[i] = prefix + strings.Repeat("x", size-len(prefix))
	}
	return out
}

// fixedClock returns a now func pinned to t.
func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
