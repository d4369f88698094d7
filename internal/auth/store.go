package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
// Accessors take a context so implementations can hand back stores bound to
// a transaction carried by ctx.
type Store interface {
	Users(ctx context.Context) UserStore
	Tenants(ctx context.Context) TenantStore
	Memberships(ctx context.Context) MembershipStore
	Roles(ctx context.Context) RoleStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
}

// UserStore manages users.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	SetActive(ctx context.Context, userID string, active bool) error
}

// TenantStore reads tenants. Tenants are owned by the ERP; Create exists for
// seeding and tests.
type TenantStore interface {
	Create(ctx context.Context, t *Tenant) error
	Find(ctx context.Context, id string) (*Tenant, error)
}

// MembershipStore manages user-tenant memberships. Every mutation keeps exactly
// one primary membership per user that has any.
type MembershipStore interface {
	List(ctx context.Context, userID string) ([]Membership, error)
	Find(ctx context.Context, userID, tenantID string) (*Membership, error)
	// Add inserts a membership; the user's first membership becomes primary.
	Add(ctx context.Context, m *Membership) error
	// SetPrimary makes tenantID the user's only primary membership in one
	// transaction that locks the user row first.
	SetPrimary(ctx context.Context, userID, tenantID string) error
	SetRole(ctx context.Context, userID, tenantID, roleID string) error
	// Remove deletes a membership and promotes the oldest remaining one when
	// the removed membership was primary.
	Remove(ctx context.Context, userID, tenantID string) error
}

// RoleStore manages roles and their permission sets.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	Permissions(ctx context.Context, roleID string) ([]Permission, error)
	// SetPermissions replaces the role's permissions and increments its
	// version in one transaction, returning the new version.
	SetPermissions(ctx context.Context, roleID string, keys []string) (int64, error)
	EnsurePermissions(ctx context.Context, perms []Permission) error
}

// RefreshTokenStore manages refresh token lifecycle.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	// Rotate revokes current (only if still unrevoked) and inserts next in the
	// same transaction. A lost race returns ErrTokenAlreadyRotated.
	Rotate(ctx context.Context, currentID string, next *RefreshToken, now time.Time) error
	RevokeFamily(ctx context.Context, familyID string, now time.Time) (int64, error)
	RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}
