// Package shared carries the cross-cutting helpers every layer may use:
// request trace ids on the context and secret redaction for log output.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type pairIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithPairID attaches the room's pair id to the context.
func WithPairID(ctx context.Context, pairID string) context.Context {
	return context.WithValue(ctx, pairIDKey{}, pairID)
}

// PairID extracts the pair id from context. Returns "" if absent.
func PairID(ctx context.Context) string {
	if v, ok := ctx.Value(pairIDKey{}).(string); ok {
		return v
	}
	return ""
}
