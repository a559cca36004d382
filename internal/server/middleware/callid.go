package middleware

import (
	"context"

	"github.com/google/uuid"
)

// callIDKey is the context key for the tool call ID.
type callIDKey struct{}

// unknownCallID is returned when no call ID was assigned.
const unknownCallID = "unknown"

// ContextWithCallID returns a context carrying the given call ID.
func ContextWithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey{}, id)
}

// GetCallID extracts the call ID from the context. Returns "unknown" when no
// interceptor has assigned one, so log fields are never empty.
func GetCallID(ctx context.Context) string {
	if id, ok := ctx.Value(callIDKey{}).(string); ok && id != "" {
		return id
	}

	return unknownCallID
}

// newCallID generates a unique ID for one dispatch.
func newCallID() string {
	return uuid.NewString()
}
