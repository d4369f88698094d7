package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"

	"erpcore.dev/internal/obs"
)

// Permissions understood by the auth core's own admin endpoints.
const (
	PermMembershipManage = "membership:manage"
	PermRoleManage       = "role:manage"
)

// BuiltinPermissions are ensured at startup and by migrations seeds.
var BuiltinPermissions = []Permission{
	{Resource: "membership", Action: "manage", Description: "Add, re-role and remove tenant members"},
	{Resource: "role", Action: "manage", Description: "Replace a role's permission set"},
}

// PermissionSet is a set of "resource:action" keys.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from permission records.
func NewPermissionSet(perms []Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p.Key()] = struct{}{}
	}
	return set
}

// PermissionSetOf builds a set from keys.
func PermissionSetOf(keys ...string) PermissionSet {
	set := make(PermissionSet, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// Has reports whether key is in the set.
func (s PermissionSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Clone returns an independent copy of s.
func (s PermissionSet) Clone() PermissionSet {
	if s == nil {
		return PermissionSet{}
	}
	return maps.Clone(s)
}

// Keys returns the keys in sorted order.
func (s PermissionSet) Keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ParsePermissionKey splits "resource:action".
func ParsePermissionKey(key string) (Permission, error) {
	resource, action, ok := strings.Cut(strings.TrimSpace(key), ":")
	if !ok || resource == "" || action == "" || strings.ContainsAny(resource+action, ":, ") {
		return Permission{}, fmt.Errorf("%w: permission %q", ErrInvalidInput, key)
	}
	return Permission{Resource: resource, Action: action}, nil
}

// PermissionService computes tenant-scoped permission sets.
type PermissionService struct {
	store Store
	cache PermissionCache
	log   *slog.Logger
}

// Resolve returns the permissions userID holds inside tenantID. Only the role
// of that tenant's membership contributes; a tenant-specific role bound to a
// different tenant contributes nothing.
func (s *PermissionService) Resolve(ctx context.Context, userID, tenantID string) (PermissionSet, error) {
	m, err := s.store.Memberships(ctx).Find(ctx, userID, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUserNotInTenant
		}
		return nil, fmt.Errorf("find membership: %w", err)
	}
	if !m.IsActive {
		return nil, ErrUserNotInTenant
	}

	// Read the role (and its version) before its permissions so a cached set
	// is never older than its key.
	role, err := s.store.Roles(ctx).Find(ctx, m.RoleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return PermissionSet{}, nil
		}
		return nil, fmt.Errorf("find role: %w", err)
	}
	if !role.AppliesTo(tenantID) {
		s.log.WarnContext(ctx, "membership role bound to another tenant",
			"user_id", userID, "tenant_id", tenantID, "role_id", role.ID, "role_tenant_id", role.TenantID)
		return PermissionSet{}, nil
	}

	key := PermissionKey{UserID: userID, TenantID: tenantID, RoleID: role.ID, RoleVersion: role.Version}
	if s.cache != nil {
		set, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.log.WarnContext(ctx, "permission cache get failed", "error", err)
		}
		obs.ObservePermissionCache(ok)
		if ok {
			return set, nil
		}
	}

	perms, err := s.store.Roles(ctx).Permissions(ctx, role.ID)
	if err != nil {
		return nil, fmt.Errorf("role permissions: %w", err)
	}
	set := NewPermissionSet(perms)
	if s.cache != nil {
		if err := s.cache.Put(ctx, key, set); err != nil {
			s.log.WarnContext(ctx, "permission cache put failed", "error", err)
		}
	}
	return set, nil
}

// Require returns ErrPermissionDenied unless userID holds permission in tenantID.
func (s *PermissionService) Require(ctx context.Context, userID, tenantID, permission string) error {
	set, err := s.Resolve(ctx, userID, tenantID)
	if err != nil {
		return err
	}
	if !set.Has(permission) {
		return ErrPermissionDenied
	}
	return nil
}

// SetRolePermissions replaces the permissions of roleID, which must belong to
// tenantID; global roles cannot be edited from inside a tenant. The role
// version is bumped in the same transaction so every cached set for the role
// goes stale at once.
func (s *PermissionService) SetRolePermissions(ctx context.Context, tenantID, roleID string, keys []string) (int64, error) {
	role, err := s.store.Roles(ctx).Find(ctx, roleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, ErrRoleNotFound
		}
		return 0, fmt.Errorf("find role: %w", err)
	}
	if role.TenantID != tenantID {
		return 0, ErrRoleOutOfScope
	}
	normalized := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		p, err := ParsePermissionKey(k)
		if err != nil {
			return 0, err
		}
		if !seen[p.Key()] {
			seen[p.Key()] = true
			normalized = append(normalized, p.Key())
		}
	}
	sort.Strings(normalized)
	version, err := s.store.Roles(ctx).SetPermissions(ctx, roleID, normalized)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, fmt.Errorf("%w: unknown permission in %v", ErrInvalidInput, normalized)
		}
		return 0, fmt.Errorf("set role permissions: %w", err)
	}
	s.log.InfoContext(ctx, "role permissions replaced", "role_id", roleID, "version", version, "count", len(normalized))
	return version, nil
}

// EnsureBuiltins makes sure the built-in permissions exist.
func (s *PermissionService) EnsureBuiltins(ctx context.Context) error {
	return s.store.Roles(ctx).EnsurePermissions(ctx, BuiltinPermissions)
}

func (s *PermissionService) invalidate(ctx context.Context, userID, tenantID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateMembership(ctx, userID, tenantID); err != nil {
		s.log.WarnContext(ctx, "permission cache invalidation failed",
			"user_id", userID, "tenant_id", tenantID, "error", err)
	}
}
