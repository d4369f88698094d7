package client

import (
	"context"
	"log/slog"
	"sync"

	"erpcore.dev/internal/auth"
	"erpcore.dev/internal/obs"
)

// Permissions caches the caller's permission set for the active tenant and
// refetches it whenever the selection changes.
type Permissions struct {
	api     API
	session *SessionManager
	tenants *TenantSelector
	log     *slog.Logger

	mu       sync.RWMutex
	tenantID string
	set      auth.PermissionSet
	loaded   bool
}

// NewPermissions wires itself to tenant changes.
func NewPermissions(api API, session *SessionManager, tenants *TenantSelector, log *slog.Logger) *Permissions {
	if log == nil {
		log = obs.Discard()
	}
	p := &Permissions{api: api, session: session, tenants: tenants, log: log}
	tenants.Subscribe(p.onTenantChange)
	session.Subscribe(func(st State) {
		if st != Authenticated {
			p.reset("")
		}
	})
	return p
}

func (p *Permissions) reset(tenantID string) {
	p.mu.Lock()
	p.tenantID, p.set, p.loaded = tenantID, nil, false
	p.mu.Unlock()
}

func (p *Permissions) onTenantChange(ctx context.Context, t ActiveTenant, ok bool) {
	if !ok {
		p.reset("")
		return
	}
	p.reset(t.TenantID)
	if p.session.State() != Authenticated {
		return
	}
	if _, err := p.fetch(ctx, t.TenantID); err != nil {
		p.log.WarnContext(ctx, "permission refetch failed", "tenant_id", t.TenantID, "error", err)
	}
}

// Cached returns the set for tenantID if it is loaded.
func (p *Permissions) Cached(tenantID string) (auth.PermissionSet, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.loaded || p.tenantID != tenantID {
		return nil, false
	}
	return p.set, true
}

// Get returns the active tenant's permission set, fetching when needed.
func (p *Permissions) Get(ctx context.Context) (string, auth.PermissionSet, error) {
	t, ok := p.tenants.Current()
	if !ok {
		return "", auth.PermissionSet{}, nil
	}
	if set, ok := p.Cached(t.TenantID); ok {
		return t.TenantID, set, nil
	}
	p.mu.Lock()
	if p.tenantID != t.TenantID {
		p.tenantID, p.set, p.loaded = t.TenantID, nil, false
	}
	p.mu.Unlock()
	set, err := p.fetch(ctx, t.TenantID)
	return t.TenantID, set, err
}

func (p *Permissions) fetch(ctx context.Context, tenantID string) (auth.PermissionSet, error) {
	var keys []string
	err := p.session.Do(ctx, func(ctx context.Context, token string) error {
		var err error
		keys, err = p.api.Permissions(ctx, token, tenantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	set := auth.PermissionSetOf(keys...)
	p.mu.Lock()
	// a newer selection may have landed while fetching
	if p.tenantID == tenantID {
		p.tenantID, p.set, p.loaded = tenantID, set, true
	}
	p.mu.Unlock()
	return set, nil
}
