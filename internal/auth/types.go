package auth

import "time"

// User is an identity that can authenticate against the auth core.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	IsVerified   bool      `json:"is_verified"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Tenant is an organizational scope a user can act within.
type Tenant struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership links a user to a tenant with a role. At most one membership per
// user carries IsPrimary, and exactly one does when the user has any.
type Membership struct {
	UserID     string    `json:"user_id"`
	TenantID   string    `json:"tenant_id"`
	TenantCode string    `json:"tenant_code"`
	TenantName string    `json:"tenant_name"`
	RoleID     string    `json:"role_id"`
	RoleName   string    `json:"role_name"`
	IsPrimary  bool      `json:"is_primary"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Role groups permissions. A role with an empty TenantID is global and may be
// held in any tenant; otherwise it is only meaningful inside TenantID.
type Role struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Global reports whether the role applies in every tenant.
func (r Role) Global() bool { return r.TenantID == "" }

// AppliesTo reports whether the role may grant permissions inside tenantID.
func (r Role) AppliesTo(tenantID string) bool {
	return r.Global() || r.TenantID == tenantID
}

// Permission is a (resource, action) capability atom.
type Permission struct {
	ID          string `json:"id"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

// Key returns the canonical "resource:action" form.
func (p Permission) Key() string { return p.Resource + ":" + p.Action }

// RefreshToken is the server-side record behind an opaque refresh token.
// Records issued by successive rotations share a FamilyID.
type RefreshToken struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	FamilyID   string     `json:"family_id"`
	TokenHash  string     `json:"-"`
	ExpiresAt  time.Time  `json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
	Revoked    bool       `json:"revoked"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	ReplacedBy string     `json:"replaced_by,omitempty"`
}

// Expired reports whether the record is past its TTL at now.
func (t RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// ExpiresIn returns the access token lifetime in whole seconds relative to now.
func (p TokenPair) ExpiresIn(now time.Time) int64 {
	d := p.AccessExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}
