package matrix

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// newHomeserver fakes the few client-server endpoints the gateway calls.
func newHomeserver(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var memberCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/send/m.room.message/"):
			body, _ := io.ReadAll(r.Body)
			var content map[string]any
			if err := json.Unmarshal(body, &content); err != nil || content["body"] != "hello room" {
				t.Errorf("send body: %s", body)
			}
			io.WriteString(w, `{"event_id":"$sent1"}`)
		case strings.HasSuffix(r.URL.Path, "/joined_members"):
			memberCalls.Add(1)
			if strings.Contains(r.URL.Path, "!dm:") {
				io.WriteString(w, `{"joined":{"@kioku:example.com":{},"@ann:example.com":{}}}`)
				return
			}
			io.WriteString(w, `{"joined":{"@kioku:example.com":{},"@ann:example.com":{},"@bob:example.com":{}}}`)
		case strings.Contains(r.URL.Path, "/profile/@ann:example.com"):
			io.WriteString(w, `{"displayname":"Ann Example"}`)
		case strings.Contains(r.URL.Path, "/profile/"):
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"errcode":"M_NOT_FOUND","error":"no profile"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"errcode":"M_UNRECOGNIZED","error":"unknown"}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &memberCalls
}

func newTestGateway(t *testing.T, srv *httptest.Server) *Gateway {
	t.Helper()
	g, err := New(Config{
		Homeserver:  srv.URL,
		UserID:      self.String(),
		AccessToken: "syt_token",
		GuildID:     "team",
		Store:       newTestStore(t),
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestGateway_Send(t *testing.T) {
	srv, _ := newHomeserver(t)
	g := newTestGateway(t, srv)

	eventID, err := g.Send(context.Background(), "!room:example.com", "hello room")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if eventID != "$sent1" {
		t.Errorf("event id: got %q", eventID)
	}
}

func TestGateway_IsDirectCached(t *testing.T) {
	srv, calls := newHomeserver(t)
	g := newTestGateway(t, srv)
	ctx := context.Background()

	if !g.isDirect(ctx, "!dm:example.com") {
		t.Error("two-member room should be direct")
	}
	if g.isDirect(ctx, "!group:example.com") {
		t.Error("three-member room should not be direct")
	}
	g.isDirect(ctx, "!dm:example.com")
	if calls.Load() != 2 {
		t.Errorf("member lookups: got %d, want 2", calls.Load())
	}
}

func TestGateway_DisplayName(t *testing.T) {
	srv, _ := newHomeserver(t)
	g := newTestGateway(t, srv)
	ctx := context.Background()

	if got := g.displayName(ctx, "@ann:example.com"); got != "Ann Example" {
		t.Errorf("profile name: got %q", got)
	}
	if got := g.displayName(ctx, "@ghost:example.com"); got != "ghost" {
		t.Errorf("fallback name: got %q", got)
	}
}

func TestGateway_RoomFilter(t *testing.T) {
	srv, _ := newHomeserver(t)
	g, err := New(Config{
		Homeserver: srv.URL,
		UserID:     self.String(),
		Rooms:      []string{"!allowed:example.com"},
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !g.allowed("!allowed:example.com") || g.allowed("!other:example.com") {
		t.Error("room filter not applied")
	}
	if g.SelfID() != self.String() || g.SelfName() != "kioku" {
		t.Errorf("self: %q %q", g.SelfID(), g.SelfName())
	}
}

func TestGateway_StopWithoutStart(t *testing.T) {
	srv, _ := newHomeserver(t)
	g := newTestGateway(t, srv)
	g.Stop()
	g.Stop()
}
