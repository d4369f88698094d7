package client

import (
	"context"
	"sync"
)

// ActiveTenant is the persisted active-tenant record.
type ActiveTenant struct {
	TenantID   string `json:"tenant_id"`
	TenantCode string `json:"tenant_code,omitempty"`
	TenantName string `json:"tenant_name,omitempty"`
	RoleName   string `json:"role_name,omitempty"`
}

func activeFrom(m Membership) ActiveTenant {
	return ActiveTenant{TenantID: m.TenantID, TenantCode: m.TenantCode, TenantName: m.TenantName, RoleName: m.RoleName}
}

// TenantListener is told about selection changes. ok is false after Clear.
type TenantListener func(ctx context.Context, t ActiveTenant, ok bool)

// TenantSelector tracks which tenant the user is acting in. It never touches
// the session tokens; switching only changes the scope of permission lookups.
type TenantSelector struct {
	records RecordStore

	// recMu orders record writes against the restore in Initialize, so a
	// Clear racing a restore cannot be undone by it.
	recMu sync.Mutex

	mu      sync.RWMutex
	current *ActiveTenant
	subs    []TenantListener

	ready     chan struct{}
	readyOnce sync.Once
}

func NewTenantSelector(records RecordStore) *TenantSelector {
	return &TenantSelector{records: records, ready: make(chan struct{})}
}

// Ready is closed once Initialize has run.
func (s *TenantSelector) Ready() <-chan struct{} { return s.ready }

// Initialize restores the persisted selection.
func (s *TenantSelector) Initialize(ctx context.Context) error {
	defer s.readyOnce.Do(func() { close(s.ready) })
	s.recMu.Lock()
	defer s.recMu.Unlock()
	var t ActiveTenant
	found, err := s.records.Load(ctx, RecordActiveTenant, &t)
	if err != nil {
		return err
	}
	if found && t.TenantID != "" {
		s.mu.Lock()
		s.current = &t
		s.mu.Unlock()
	}
	return nil
}

// Current returns the active tenant.
func (s *TenantSelector) Current() (ActiveTenant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ActiveTenant{}, false
	}
	return *s.current, true
}

// Subscribe registers fn and returns an unsubscribe func.
func (s *TenantSelector) Subscribe(fn TenantListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
	idx := len(s.subs) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subs[idx] = nil
	}
}

// Default picks the primary membership, else the only one.
func Default(memberships []Membership) (Membership, bool) {
	for _, m := range memberships {
		if m.IsPrimary {
			return m, true
		}
	}
	if len(memberships) == 1 {
		return memberships[0], true
	}
	return Membership{}, false
}

// SetCurrentTenant persists t and notifies subscribers.
func (s *TenantSelector) SetCurrentTenant(ctx context.Context, t ActiveTenant) error {
	s.recMu.Lock()
	if err := s.records.Save(ctx, RecordActiveTenant, t); err != nil {
		s.recMu.Unlock()
		return err
	}
	s.mu.Lock()
	s.current = &t
	subs := append([]TenantListener(nil), s.subs...)
	s.mu.Unlock()
	s.recMu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(ctx, t, true)
		}
	}
	return nil
}

// Reconcile keeps the current selection when it is still one of
// memberships and otherwise falls back to Default. It reports the selection.
func (s *TenantSelector) Reconcile(ctx context.Context, memberships []Membership) (ActiveTenant, bool, error) {
	if cur, ok := s.Current(); ok {
		for _, m := range memberships {
			if m.TenantID == cur.TenantID {
				return cur, true, nil
			}
		}
	}
	m, ok := Default(memberships)
	if !ok {
		return ActiveTenant{}, false, s.Clear(ctx)
	}
	t := activeFrom(m)
	return t, true, s.SetCurrentTenant(ctx, t)
}

// Clear forgets the selection.
func (s *TenantSelector) Clear(ctx context.Context) error {
	s.recMu.Lock()
	err := s.records.Delete(ctx, RecordActiveTenant)
	s.mu.Lock()
	had := s.current != nil
	s.current = nil
	subs := append([]TenantListener(nil), s.subs...)
	s.mu.Unlock()
	s.recMu.Unlock()
	if had {
		for _, fn := range subs {
			if fn != nil {
				fn(ctx, ActiveTenant{}, false)
			}
		}
	}
	return err
}

// FollowSession clears the selection whenever session ends, so the next
// sign-in starts from the primary tenant. It returns an unsubscribe func.
func (s *TenantSelector) FollowSession(session *SessionManager) func() {
	return session.OnEnd(s.Clear)
}
