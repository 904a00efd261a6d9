package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/bdobrica/kioku/internal/kioku/config"
	"github.com/bdobrica/kioku/internal/kioku/gateway"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kioku-app-*.db")
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

type sentMessage struct {
	ChannelID string
	Text      string
}

// stubGateway records sends and numbers sent messages "sent-1", "sent-2", ...
type stubGateway struct {
	mu      sync.Mutex
	sent    []sentMessage
	sendErr error
	started bool
	stopped bool
}

func (g *stubGateway) Start(context.Context, gateway.Handler) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.started = true
	return nil
}

func (g *stubGateway) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
}

func (g *stubGateway) Send(_ context.Context, channelID, text string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return "", g.sendErr
	}
	g.sent = append(g.sent, sentMessage{ChannelID: channelID, Text: text})
	return fmt.Sprintf("sent-%d", len(g.sent)), nil
}

func (g *stubGateway) SelfID() string   { return "bot" }
func (g *stubGateway) SelfName() string { return "Kioku" }

func (g *stubGateway) messages() []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentMessage(nil), g.sent...)
}

var errBackendDown = errors.New("backend down")

// stubBackend answers every prompt with reply, or fails with err.
type stubBackend struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
	systems []string
}

func (b *stubBackend) Respond(_ context.Context, prompt, system string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prompts = append(b.prompts, prompt)
	b.systems = append(b.systems, system)
	if b.err != nil {
		return "", b.err
	}
	return b.reply, nil
}

func (b *stubBackend) Summarize(context.Context, string, int) (string, error) {
	return "summary", nil
}

func (b *stubBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.prompts)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.HTTPAddr = ""
	cfg.MaintenanceSchedule = ""
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, gw *stubGateway, backend *stubBackend) *App {
	t.Helper()
	a, err := NewWithDeps(cfg, newTestStore(t), gw, backend, nil)
	if err != nil {
		t.Fatalf("NewWithDeps: %v", err)
	}
	t.Cleanup(a.Stop)
	return a
}
