package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// MembershipService resolves and mutates user-tenant memberships.
type MembershipService struct {
	store       Store
	permissions *PermissionService
	now         func() time.Time
	log         *slog.Logger
}

// ListMemberships returns the user's memberships, primary first, then by
// tenant name and tenant id.
func (s *MembershipService) ListMemberships(ctx context.Context, userID string) ([]Membership, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	list, err := s.store.Memberships(ctx).List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	SortMemberships(list)
	return list, nil
}

// SortMemberships orders memberships primary first, then by tenant name and id.
func SortMemberships(list []Membership) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.IsPrimary != b.IsPrimary {
			return a.IsPrimary
		}
		if an, bn := strings.ToLower(a.TenantName), strings.ToLower(b.TenantName); an != bn {
			return an < bn
		}
		return a.TenantID < b.TenantID
	})
}

// SetPrimaryTenant makes tenantID the user's primary tenant. Setting the
// current primary again is a successful no-op.
func (s *MembershipService) SetPrimaryTenant(ctx context.Context, userID, tenantID string) error {
	m, err := s.checkMember(ctx, userID, tenantID)
	if err != nil {
		return err
	}
	if m.IsPrimary {
		return nil
	}
	if err := s.store.Memberships(ctx).SetPrimary(ctx, userID, tenantID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUserNotInTenant
		}
		return fmt.Errorf("set primary tenant: %w", err)
	}
	s.log.InfoContext(ctx, "primary tenant changed", "user_id", userID, "tenant_id", tenantID)
	return nil
}

// AddMember adds userID to tenantID with roleID. A user's first membership
// becomes primary.
func (s *MembershipService) AddMember(ctx context.Context, userID, tenantID, roleID string) (*Membership, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	if err := s.requireTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	if err := s.checkRole(ctx, tenantID, roleID); err != nil {
		return nil, err
	}
	m := &Membership{
		UserID:    userID,
		TenantID:  tenantID,
		RoleID:    roleID,
		IsActive:  true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Memberships(ctx).Add(ctx, m); err != nil {
		return nil, fmt.Errorf("add membership: %w", err)
	}
	s.permissions.invalidate(ctx, userID, tenantID)
	return s.store.Memberships(ctx).Find(ctx, userID, tenantID)
}

// ChangeRole assigns roleID to an existing membership.
func (s *MembershipService) ChangeRole(ctx context.Context, userID, tenantID, roleID string) error {
	if _, err := s.checkMember(ctx, userID, tenantID); err != nil {
		return err
	}
	if err := s.checkRole(ctx, tenantID, roleID); err != nil {
		return err
	}
	if err := s.store.Memberships(ctx).SetRole(ctx, userID, tenantID, roleID); err != nil {
		return fmt.Errorf("set membership role: %w", err)
	}
	s.permissions.invalidate(ctx, userID, tenantID)
	return nil
}

// RemoveMember deletes a membership. When it was primary, the oldest remaining
// membership is promoted.
func (s *MembershipService) RemoveMember(ctx context.Context, userID, tenantID string) error {
	if _, err := s.checkMember(ctx, userID, tenantID); err != nil {
		return err
	}
	if err := s.store.Memberships(ctx).Remove(ctx, userID, tenantID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUserNotInTenant
		}
		return fmt.Errorf("remove membership: %w", err)
	}
	s.permissions.invalidate(ctx, userID, tenantID)
	return nil
}

func (s *MembershipService) checkMember(ctx context.Context, userID, tenantID string) (*Membership, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	if err := s.requireTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	m, err := s.store.Memberships(ctx).Find(ctx, userID, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUserNotInTenant
		}
		return nil, fmt.Errorf("find membership: %w", err)
	}
	return m, nil
}

func (s *MembershipService) checkRole(ctx context.Context, tenantID, roleID string) error {
	role, err := s.store.Roles(ctx).Find(ctx, roleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrRoleNotFound
		}
		return fmt.Errorf("find role: %w", err)
	}
	if !role.AppliesTo(tenantID) {
		return ErrRoleOutOfScope
	}
	return nil
}

func (s *MembershipService) requireUser(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrUserNotFound
	}
	if _, err := s.store.Users(ctx).Find(ctx, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("find user: %w", err)
	}
	return nil
}

func (s *MembershipService) requireTenant(ctx context.Context, tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return ErrTenantNotFound
	}
	if _, err := s.store.Tenants(ctx).Find(ctx, tenantID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrTenantNotFound
		}
		return fmt.Errorf("find tenant: %w", err)
	}
	return nil
}
