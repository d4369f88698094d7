package client

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"erpcore.dev/internal/guard"
)

// Initialize restores session and active tenant concurrently. Both settle
// even when one fails.
func Initialize(ctx context.Context, session *SessionManager, tenants *TenantSelector) error {
	var g errgroup.Group
	g.Go(func() error { return session.Initialize(ctx) })
	g.Go(func() error { return tenants.Initialize(ctx) })
	return g.Wait()
}

// Guard is the client-side fast path of the route guard. It treats session
// and tenant initialization as one readiness gate and never redirects before
// both have settled. The server enforces the same policy independently.
type Guard struct {
	policy  *guard.Policy
	session *SessionManager
	tenants *TenantSelector
	perms   *Permissions

	mu       sync.Mutex
	pending  string
	deferred bool
	redirect func(path string)
}

// NewGuard calls onRedirect when a decision deferred during initialization
// resolves to a redirect.
func NewGuard(policy *guard.Policy, session *SessionManager, tenants *TenantSelector, perms *Permissions, onRedirect func(path string)) *Guard {
	return &Guard{policy: policy, session: session, tenants: tenants, perms: perms, redirect: onRedirect}
}

// Ready reports whether both session and tenant state have settled.
func (g *Guard) Ready() bool {
	select {
	case <-g.session.Ready():
	default:
		return false
	}
	select {
	case <-g.tenants.Ready():
		return true
	default:
		return false
	}
}

// Wait blocks until the joint gate opens, then re-evaluates the last
// deferred path. A resulting redirect is delivered once.
func (g *Guard) Wait(ctx context.Context) error {
	for _, ch := range []<-chan struct{}{g.session.Ready(), g.tenants.Ready()} {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	g.flush(ctx)
	return nil
}

func (g *Guard) flush(ctx context.Context) {
	g.mu.Lock()
	path, deferred := g.pending, g.deferred
	g.pending, g.deferred = "", false
	g.mu.Unlock()
	if !deferred {
		return
	}
	if d := g.Check(ctx, path); d.Outcome == guard.Redirect && g.redirect != nil {
		g.redirect(path)
	}
}

// Check decides path with the state known right now. While not ready it
// returns Defer and remembers path for Wait.
func (g *Guard) Check(ctx context.Context, path string) guard.Decision {
	in := guard.Input{Path: path, Ready: g.Ready()}
	if in.Ready {
		in.Authenticated = g.session.State() == Authenticated
		if t, ok := g.tenants.Current(); ok {
			in.TenantID = t.TenantID
		}
		if rule, _ := g.policy.Match(path); in.Authenticated && in.TenantID != "" && rule.Permission != "" && g.perms != nil {
			if _, set, err := g.perms.Get(ctx); err == nil {
				in.Permissions = set
			}
		}
	}
	d := g.policy.Decide(in)
	if d.Outcome == guard.Defer {
		g.mu.Lock()
		g.pending, g.deferred = path, true
		g.mu.Unlock()
	}
	return d
}
