// Package identity resolves the current authenticated identity from the
// platform-issued access token. The resolved identity is read-only to every
// other component; resolution failure is the only error in the system that
// changes navigation state (redirect to login).
package identity

import (
	"context"
	"errors"
)

// Identity is the authenticated user: an opaque id plus a display handle.
type Identity struct {
	ID     string
	Handle string
}

// ErrNoIdentity indicates there is no resolvable authenticated identity.
// Callers redirect to login; this is not recoverable locally.
var ErrNoIdentity = errors.New("identity: no authenticated identity")

// Resolver resolves the current identity.
type Resolver interface {
	Current(ctx context.Context) (Identity, error)
}
