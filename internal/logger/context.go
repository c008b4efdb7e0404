package logger

import "context"

// contextKey is a private type to prevent collisions with other context keys.
type contextKey struct{}

// scopeKey is the context key for the event context identifiers.
var scopeKey = contextKey{}

// Scope identifies the (worldID, chatID) context a log record belongs to.
type Scope struct {
	WorldID string
	ChatID  string
}

// WithScope returns a new context carrying the given event context ids.
func WithScope(ctx context.Context, worldID, chatID string) context.Context {
	return context.WithValue(ctx, scopeKey, Scope{WorldID: worldID, ChatID: chatID})
}

// ScopeFrom extracts the event context ids from the context.
// Returns the zero Scope if none is set.
func ScopeFrom(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey).(Scope)
	return s
}
