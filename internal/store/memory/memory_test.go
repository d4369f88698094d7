package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"erpcore.dev/internal/auth"
)

func seed(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	if err := s.Users(ctx).Create(ctx, &auth.User{ID: "u1", Username: "alice", Email: "Alice@Example.com", IsActive: true}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	for _, tn := range []auth.Tenant{{ID: "t1", Code: "a", Name: "A"}, {ID: "t2", Code: "b", Name: "B"}, {ID: "t3", Code: "c", Name: "C"}} {
		tn := tn
		if err := s.Tenants(ctx).Create(ctx, &tn); err != nil {
			t.Fatalf("create tenant: %v", err)
		}
	}
	if err := s.Roles(ctx).Create(ctx, &auth.Role{ID: "r1", Name: "Viewer"}); err != nil {
		t.Fatalf("create role: %v", err)
	}
	return s
}

func primaries(t *testing.T, s *Store, userID string) []string {
	t.Helper()
	list, err := s.Memberships(context.Background()).List(context.Background(), userID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var out []string
	for _, m := range list {
		if m.IsPrimary {
			out = append(out, m.TenantID)
		}
	}
	return out
}

func TestUserLookupsAndConflicts(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	u, err := s.Users(ctx).FindByEmail(ctx, "ALICE@example.COM")
	if err != nil || u.ID != "u1" {
		t.Fatalf("find by email: %+v %v", u, err)
	}
	if _, err := s.Users(ctx).FindByUsername(ctx, "nobody"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	err = s.Users(ctx).Create(ctx, &auth.User{ID: "u2", Username: "other", Email: "alice@example.com"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected email conflict, got %v", err)
	}
	if err := s.Users(ctx).SetActive(ctx, "u1", false); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if u, _ := s.Users(ctx).Find(ctx, "u1"); u.IsActive {
		t.Fatalf("expected inactive user")
	}
}

func TestMembershipPrimaryLifecycle(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	ms := s.Memberships(ctx)

	for _, tid := range []string{"t1", "t2", "t3"} {
		if err := ms.Add(ctx, &auth.Membership{UserID: "u1", TenantID: tid, RoleID: "r1", IsActive: true}); err != nil {
			t.Fatalf("add %s: %v", tid, err)
		}
	}
	if got := primaries(t, s, "u1"); len(got) != 1 || got[0] != "t1" {
		t.Fatalf("expected t1 primary, got %v", got)
	}
	if err := ms.Add(ctx, &auth.Membership{UserID: "u1", TenantID: "t1", RoleID: "r1"}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected duplicate conflict, got %v", err)
	}

	if err := ms.SetPrimary(ctx, "u1", "t3"); err != nil {
		t.Fatalf("set primary: %v", err)
	}
	if got := primaries(t, s, "u1"); len(got) != 1 || got[0] != "t3" {
		t.Fatalf("expected t3 primary, got %v", got)
	}
	if err := ms.SetPrimary(ctx, "u1", "t9"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := primaries(t, s, "u1"); len(got) != 1 || got[0] != "t3" {
		t.Fatalf("failed call must not change primary, got %v", got)
	}

	// t1 is the oldest remaining membership.
	if err := ms.Remove(ctx, "u1", "t3"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := primaries(t, s, "u1"); len(got) != 1 || got[0] != "t1" {
		t.Fatalf("expected t1 promoted, got %v", got)
	}

	m, err := ms.Find(ctx, "u1", "t2")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if m.TenantName != "B" || m.RoleName != "Viewer" {
		t.Fatalf("expected joined names, got %+v", m)
	}
}

func TestRoleSetPermissionsBumpsVersion(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	rs := s.Roles(ctx)

	if err := rs.EnsurePermissions(ctx, []auth.Permission{{Resource: "po", Action: "read"}, {Resource: "po", Action: "approve"}}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	v, err := rs.SetPermissions(ctx, "r1", []string{"po:read", "po:approve"})
	if err != nil || v != 2 {
		t.Fatalf("set permissions: %d %v", v, err)
	}
	if _, err := rs.SetPermissions(ctx, "r1", []string{"ghost:x"}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	perms, _ := rs.Permissions(ctx, "r1")
	if len(perms) != 2 || perms[0].Key() != "po:approve" {
		t.Fatalf("unknown key must leave permissions untouched: %+v", perms)
	}
	role, _ := rs.Find(ctx, "r1")
	if role.Version != 2 {
		t.Fatalf("expected version 2 after failed update, got %d", role.Version)
	}
}

func TestTokenRotateAndRevoke(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	ts := s.RefreshTokens(ctx)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	first := &auth.RefreshToken{ID: "a", UserID: "u1", FamilyID: "f", ExpiresAt: now.Add(time.Hour)}
	if err := ts.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ts.Rotate(ctx, "a", &auth.RefreshToken{ID: "b", UserID: "u1", FamilyID: "f", ExpiresAt: now.Add(time.Hour)}, now); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	err := ts.Rotate(ctx, "a", &auth.RefreshToken{ID: "c", UserID: "u1", FamilyID: "f"}, now)
	if !errors.Is(err, auth.ErrTokenAlreadyRotated) {
		t.Fatalf("expected ErrTokenAlreadyRotated, got %v", err)
	}
	old, _ := ts.Find(ctx, "a")
	if !old.Revoked || old.ReplacedBy != "b" {
		t.Fatalf("unexpected predecessor: %+v", old)
	}

	n, err := ts.RevokeFamily(ctx, "f", now)
	if err != nil || n != 1 {
		t.Fatalf("revoke family: %d %v", n, err)
	}
	n, err = ts.PurgeExpired(ctx, now.Add(2*time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("purge: %d %v", n, err)
	}
}
