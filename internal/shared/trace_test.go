package shared

import (
	"context"
	"testing"
)

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// Default is "-".
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}

	ctx = WithTraceID(ctx, "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}

	// Overwrite.
	ctx = WithTraceID(ctx, "trace-2")
	if got := TraceID(ctx); got != "trace-2" {
		t.Fatalf("expected trace-2, got %q", got)
	}
}

func TestSessionID_DefaultEmpty(t *testing.T) {
	ctx := context.Background()
	if got := SessionID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithSessionID(ctx, "sess-1")
	if got := SessionID(ctx); got != "sess-1" {
		t.Fatalf("expected sess-1, got %q", got)
	}
}

func TestRunID_DefaultEmpty(t *testing.T) {
	ctx := context.Background()
	if got := RunID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithRunID(ctx, "run-1")
	if got := RunID(ctx); got != "run-1" {
		t.Fatalf("expected run-1, got %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	if a == "" || b == "" || a == b {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", a, b)
	}
}
