package auth

import (
	"context"
	"slices"
)

// Back office roles. Every order and inventory route needs one of them.
const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Identity is the verified caller. UID becomes the actor recorded on inventory movements.
type Identity struct {
	UID   string
	Email string
	Roles []string
}

// HasRole matches role case-insensitively.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	return role != "" && slices.ContainsFunc(i.Roles, func(r string) bool {
		return normaliseRole(r) == role
	})
}

type identityKey struct{}

// WithIdentity returns a child context carrying identity.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity set by RequireRoles.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, _ := ctx.Value(identityKey{}).(*Identity)
	return identity, identity != nil
}

// ActorID is the caller uid, empty on unauthenticated deployments.
func ActorID(ctx context.Context) string {
	if identity, ok := IdentityFromContext(ctx); ok {
		return identity.UID
	}
	return ""
}
