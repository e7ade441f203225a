// ABOUTME: Request identity carried through handlers via context
// ABOUTME: WithIdentity/FromContext plus a Username helper that falls back to anonymous

package auth

import "context"

// AnonymousUser is the username of unauthenticated requests when auth is off.
const AnonymousUser = "anonymous"

// Identity is the authenticated caller of a request.
type Identity struct {
	Username  string
	Anonymous bool
}

type identityKey struct{}

// WithIdentity returns a new context with id attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// Username returns the caller's username, or AnonymousUser.
func Username(ctx context.Context) string {
	if id := FromContext(ctx); id != nil && id.Username != "" {
		return id.Username
	}
	return AnonymousUser
}
