package middleware

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/upb/gateway-dataplane/services/subscription"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// ClaimsKey is the context key for admin token claims
	ClaimsKey contextKey = "claims"

	// CredentialKey is the context key for the caller's subscription credential
	CredentialKey contextKey = "credential"
)

// GetRequestIDFromContext retrieves the request ID from context, falling
// back to the id assigned by chi's RequestID middleware.
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return chimw.GetReqID(ctx)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetClaimsFromContext retrieves admin claims from context
func GetClaimsFromContext(ctx context.Context) *Claims {
	if val := ctx.Value(ClaimsKey); val != nil {
		if claims, ok := val.(*Claims); ok {
			return claims
		}
	}
	return nil
}

// WithClaims adds admin claims to the context
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// GetCredentialFromContext retrieves the subscription credential from context.
// A zero credential means the caller presented none.
func GetCredentialFromContext(ctx context.Context) subscription.Credential {
	if val := ctx.Value(CredentialKey); val != nil {
		if cred, ok := val.(subscription.Credential); ok {
			return cred
		}
	}
	return subscription.Credential{}
}

// WithCredential adds a subscription credential to the context
func WithCredential(ctx context.Context, cred subscription.Credential) context.Context {
	return context.WithValue(ctx, CredentialKey, cred)
}
