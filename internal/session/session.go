// Package session carries the authenticated actor id through request
// contexts. The authentication mechanism itself lives outside the core;
// whatever fronts the control plane resolves the session and injects the
// actor before requests reach these handlers.
package session

import "context"

type contextKey string

const actorContextKey contextKey = "actor"

// WithActor returns a context carrying the authenticated actor id.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorContextKey, actorID)
}

// Actor returns the authenticated actor id, or "" when the request is
// unauthenticated.
func Actor(ctx context.Context) string {
	actor, _ := ctx.Value(actorContextKey).(string)
	return actor
}
