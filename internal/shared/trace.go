package shared

import (
	"context"

	"github.com/google/uuid"
)

type runIDKey struct{}
type phaseKey struct{}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "-" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

// WithPhase attaches the current cycle phase to the context.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseKey{}, phase)
}

// Phase extracts the cycle phase. Returns "" if absent.
func Phase(ctx context.Context) string {
	if v, ok := ctx.Value(phaseKey{}).(string); ok {
		return v
	}
	return ""
}
