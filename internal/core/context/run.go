package context

import "context"

type runIDKey struct{}

// WithRunID tags the context with the identifier of the current sync run.
// Every log line emitted below the orchestrator carries it.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// GetRunID returns the sync run ID from context or empty string.
func GetRunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}
