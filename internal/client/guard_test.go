package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"erpcore.dev/internal/guard"
)

func testPolicy(t *testing.T) *guard.Policy {
	t.Helper()
	p, err := guard.NewPolicy(
		guard.Rule{Prefix: "/login", Public: true},
		guard.Rule{Prefix: "/purchasing", Permission: "po:read"},
		guard.Rule{Prefix: "/purchasing/approve", Permission: "po:approve"},
	)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	return p
}

func TestGuardDefersRedirectUntilSessionSettles(t *testing.T) {
	st := NewMemoryStore()
	saveSession(t, st, Session{User: alice, AccessToken: "stale", RefreshToken: "r0"})
	release := make(chan struct{})
	api := &fakeAPI{RefreshFn: func(context.Context, string) (Tokens, error) {
		<-release
		return Tokens{}, apiErr("token_expired")
	}}
	session := NewSessionManager(api, st)
	tenants := NewTenantSelector(NewMemoryStore())

	redirects := 0
	g := NewGuard(testPolicy(t), session, tenants, nil, func(path string) {
		if path != "/dashboard" {
			t.Errorf("unexpected redirect path %q", path)
		}
		redirects++
	})

	done := make(chan error, 1)
	go func() { done <- Initialize(context.Background(), session, tenants) }()

	// wait until the session is mid-restore
	deadline := time.Now().Add(time.Second)
	for session.State() != Initializing && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if d := g.Check(context.Background(), "/dashboard"); d.Outcome != guard.Defer {
		t.Fatalf("expected defer while initializing, got %v", d.Outcome)
	}
	if d := g.Check(context.Background(), "/login"); d.Outcome != guard.Allow {
		t.Fatalf("public path must be allowed while loading, got %v", d.Outcome)
	}
	if d := g.Check(context.Background(), "/dashboard"); d.Outcome != guard.Defer {
		t.Fatalf("expected defer, got %v", d.Outcome)
	}
	if redirects != 0 {
		t.Fatalf("no redirect may fire before the gate opens")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if redirects != 1 {
		t.Fatalf("expected exactly one redirect, got %d", redirects)
	}
	if session.State() != Unauthenticated {
		t.Fatalf("expected unauthenticated, got %v", session.State())
	}
}

func TestGuardWaitHonoursContext(t *testing.T) {
	g := NewGuard(testPolicy(t), NewSessionManager(&fakeAPI{}, NewMemoryStore()), NewTenantSelector(NewMemoryStore()), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if g.Ready() {
		t.Fatalf("guard must not be ready before initialization")
	}
}

func TestGuardTenantPermissions(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{
		LoginFn: func(context.Context, string, string) (Tokens, User, error) {
			return Tokens{AccessToken: "a0", RefreshToken: "r0"}, alice, nil
		},
		PermissionsFn: func(context.Context, string, string) ([]string, error) {
			return []string{"po:read"}, nil
		},
	}
	session := NewSessionManager(api, NewMemoryStore())
	tenants := NewTenantSelector(NewMemoryStore())
	perms := NewPermissions(api, session, tenants, nil)
	if err := Initialize(ctx, session, tenants); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	g := NewGuard(testPolicy(t), session, tenants, perms, nil)

	if d := g.Check(ctx, "/purchasing"); d.Outcome != guard.Redirect {
		t.Fatalf("expected redirect when signed out, got %v", d.Outcome)
	}
	if _, err := session.Login(ctx, "alice", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if d := g.Check(ctx, "/purchasing"); d.Outcome != guard.Forbid || d.Reason != "no_active_tenant" {
		t.Fatalf("expected forbid without tenant, got %+v", d)
	}
	if d := g.Check(ctx, "/dashboard"); d.Outcome != guard.Allow {
		t.Fatalf("non-tenant route should allow, got %v", d.Outcome)
	}

	_ = tenants.SetCurrentTenant(ctx, activeFrom(acme))
	if d := g.Check(ctx, "/purchasing/orders"); d.Outcome != guard.Allow {
		t.Fatalf("expected allow with po:read, got %+v", d)
	}
	if d := g.Check(ctx, "/purchasing/approve"); d.Outcome != guard.Forbid || d.Reason != "permission_denied" {
		t.Fatalf("expected forbid without po:approve, got %+v", d)
	}
}
