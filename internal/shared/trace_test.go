package shared

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestRunID_DefaultDash(t *testing.T) {
	if got := RunID(context.Background()); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
}

func TestRunID_RoundTrip(t *testing.T) {
	id := NewRunID()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("NewRunID returned non-uuid %q: %v", id, err)
	}
	ctx := WithRunID(context.Background(), id)
	if got := RunID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestPhase_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := Phase(ctx); got != "" {
		t.Fatalf("expected empty phase, got %q", got)
	}
	ctx = WithPhase(ctx, "deciding")
	if got := Phase(ctx); got != "deciding" {
		t.Fatalf("expected deciding, got %q", got)
	}
}
