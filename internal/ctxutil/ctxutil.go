// Package ctxutil provides shared context key accessors.
//
// server installs the caller's claims in its auth middleware and mcp reads
// them back when a tool runs. Both packages import ctxutil instead of each
// other.
package ctxutil

import (
	"context"

	"github.com/johns10/codemyspec/internal/auth"
	"github.com/johns10/codemyspec/internal/model"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyScope     contextKey = "scope"
	keyRequestID contextKey = "request_id"
)

// WithClaims returns a new context carrying the given claims and the scope
// they grant.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, keyClaims, claims)
	ctx = context.WithValue(ctx, keyScope, claims.Scope())
	return ctx
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// ScopeFromContext returns the caller's scope. ok is false for
// unauthenticated contexts.
func ScopeFromContext(ctx context.Context) (model.Scope, bool) {
	v, ok := ctx.Value(keyScope).(model.Scope)
	return v, ok
}

// WithRequestID returns a new context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request id from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
