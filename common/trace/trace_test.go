package trace_test

import (
	"context"
	"strings"
	"testing"

	"github.com/bdobrica/kioku/common/trace"
)

func TestGenerateID_Format(t *testing.T) {
	id := trace.GenerateID()
	if !strings.HasPrefix(id, "t_") {
		t.Fatalf("expected t_ prefix, got %q", id)
	}
	if len(id) != 34 {
		t.Errorf("expected 34 chars, got %d (%q)", len(id), id)
	}
	if id == trace.GenerateID() {
		t.Error("expected distinct IDs")
	}
}

func TestFromContext_RoundTrip(t *testing.T) {
	ctx := trace.WithTraceID(context.Background(), "t_abc")
	if got := trace.FromContext(ctx); got != "t_abc" {
		t.Errorf("FromContext = %q, want t_abc", got)
	}
	if got := trace.FromContext(context.Background()); got != "" {
		t.Errorf("expected empty trace for bare context, got %q", got)
	}
}

func TestEnsure(t *testing.T) {
	ctx := trace.Ensure(context.Background())
	id := trace.FromContext(ctx)
	if id == "" {
		t.Fatal("Ensure should attach a trace ID")
	}
	if got := trace.FromContext(trace.Ensure(ctx)); got != id {
		t.Errorf("Ensure replaced existing ID: %q != %q", got, id)
	}
}
