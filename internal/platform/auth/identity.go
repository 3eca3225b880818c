package auth

import (
	"context"
	"slices"
	"strings"
)

// Roles carried in the "role" custom claim. Customers usually have no claim and fall back to
// RoleUser.
const (
	RoleUser  = "user"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Identity is the Firebase user behind a customer or back-office request.
type Identity struct {
	UID   string
	Email string
	Roles []string
}

func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	return slices.ContainsFunc(i.Roles, func(r string) bool { return strings.EqualFold(r, role) })
}

// IsBackOffice reports whether the identity may use /admin routes.
func (i *Identity) IsBackOffice() bool {
	return i.HasRole(RoleAdmin) || i.HasRole(RoleStaff)
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	return identity, ok && identity != nil
}
