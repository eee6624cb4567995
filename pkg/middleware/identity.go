// Package middleware provides shared request-context helpers.
//
// It lives in pkg/ so that handlers, the streaming relay and any embedding
// server read the caller's identity the same way.
package middleware

import (
	"context"

	"github.com/agentoven/crowdconsult/pkg/contracts"
)

type contextKey string

const identityKey contextKey = "identity"

// SetIdentity stores the authenticated Identity in the context.
// Called by the auth middleware after successful authentication.
func SetIdentity(ctx context.Context, identity *contracts.Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityKey, identity)
}

// GetIdentity retrieves the authenticated Identity from the context.
// Returns nil if no identity is set (anonymous/unauthenticated request).
func GetIdentity(ctx context.Context) *contracts.Identity {
	if v, ok := ctx.Value(identityKey).(*contracts.Identity); ok {
		return v
	}
	return nil
}

// UserID returns the authenticated caller's subject, or "" when anonymous.
func UserID(ctx context.Context) string {
	if id := GetIdentity(ctx); id != nil {
		return id.Subject
	}
	return ""
}
