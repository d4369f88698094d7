package guard

import (
	"testing"

	"erpcore.dev/internal/auth"
)

func mustPolicy(t *testing.T, rules ...Rule) *Policy {
	t.Helper()
	p, err := NewPolicy(rules...)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	return p
}

func TestLongestPrefixWins(t *testing.T) {
	p := mustPolicy(t,
		Rule{Prefix: "/docs", Public: true},
		Rule{Prefix: "/docs/internal"},
		Rule{Prefix: "/assets/", Public: true},
	)
	cases := []struct {
		path   string
		public bool
	}{
		{"/docs", true},
		{"/docs/intro", true},
		{"/docs/internal", false},
		{"/docs/internal/runbook", false},
		{"/docsx", false},
		{"/assets/app.js", true},
		{"/v1/auth/me", false},
		{"/", false},
	}
	for _, tc := range cases {
		if got := p.IsPublic(tc.path); got != tc.public {
			t.Fatalf("IsPublic(%q) = %v, want %v", tc.path, got, tc.public)
		}
	}
}

func TestNewPolicyValidation(t *testing.T) {
	if _, err := NewPolicy(Rule{Prefix: "docs"}); err == nil {
		t.Fatalf("expected error for relative prefix")
	}
	if _, err := NewPolicy(Rule{Prefix: "/a"}, Rule{Prefix: "/a", Public: true}); err == nil {
		t.Fatalf("expected error for duplicate prefix")
	}
	if _, err := NewPolicy(Rule{Prefix: "/a", Public: true, Permission: "x:y"}); err == nil {
		t.Fatalf("expected error for public rule with permission")
	}
}

func TestPublicPolicyDefaults(t *testing.T) {
	p, err := PublicPolicy("/status", "/healthz")
	if err != nil {
		t.Fatalf("public policy: %v", err)
	}
	for _, path := range []string{"/healthz", "/metrics", "/v1/auth/login", "/v1/auth/refresh", "/status/deep"} {
		if !p.IsPublic(path) {
			t.Fatalf("expected %s public", path)
		}
	}
	for _, path := range []string{"/v1/auth/logout", "/v1/auth/me", "/v1/tenants/1/permissions"} {
		if p.IsPublic(path) {
			t.Fatalf("expected %s protected", path)
		}
	}
}

func TestDecide(t *testing.T) {
	p := mustPolicy(t,
		Rule{Prefix: "/login", Public: true},
		Rule{Prefix: "/purchasing/approvals", Permission: "po:approve"},
	)
	perms := auth.PermissionSetOf("po:read")
	approver := auth.PermissionSetOf("po:read", "po:approve")

	cases := []struct {
		name string
		in   Input
		want Outcome
	}{
		{"public while loading", Input{Path: "/login"}, Allow},
		{"public while anonymous", Input{Path: "/login", Ready: true}, Allow},
		{"protected while loading", Input{Path: "/dashboard"}, Defer},
		{"protected anonymous", Input{Path: "/dashboard", Ready: true}, Redirect},
		{"protected authenticated", Input{Path: "/dashboard", Ready: true, Authenticated: true}, Allow},
		{"scoped without tenant", Input{Path: "/purchasing/approvals", Ready: true, Authenticated: true, Permissions: approver}, Forbid},
		{"scoped missing permission", Input{Path: "/purchasing/approvals/7", Ready: true, Authenticated: true, TenantID: "2", Permissions: perms}, Forbid},
		{"scoped nil permissions", Input{Path: "/purchasing/approvals", Ready: true, Authenticated: true, TenantID: "2"}, Forbid},
		{"scoped granted", Input{Path: "/purchasing/approvals", Ready: true, Authenticated: true, TenantID: "2", Permissions: approver}, Allow},
		{"scoped loading", Input{Path: "/purchasing/approvals", TenantID: "2", Permissions: approver}, Defer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := p.Decide(tc.in); got.Outcome != tc.want {
				t.Fatalf("Decide = %v (%s), want %v", got.Outcome, got.Reason, tc.want)
			}
		})
	}
}
