// Package memory is an in-process auth.Store for tests and the "memory"
// database driver. A single lock serialises every mutation, which gives the
// same atomicity the Postgres store gets from transactions.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"erpcore.dev/internal/auth"
)

type membershipKey struct{ userID, tenantID string }

// Store implements auth.Store in memory.
type Store struct {
	mu          sync.RWMutex
	users       map[string]*auth.User
	tenants     map[string]*auth.Tenant
	memberships map[membershipKey]*auth.Membership
	roles       map[string]*auth.Role
	permissions map[string]*auth.Permission // by key
	rolePerms   map[string]map[string]struct{}
	tokens      map[string]*auth.RefreshToken
	now         func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		users:       make(map[string]*auth.User),
		tenants:     make(map[string]*auth.Tenant),
		memberships: make(map[membershipKey]*auth.Membership),
		roles:       make(map[string]*auth.Role),
		permissions: make(map[string]*auth.Permission),
		rolePerms:   make(map[string]map[string]struct{}),
		tokens:      make(map[string]*auth.RefreshToken),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Users(context.Context) auth.UserStore             { return userStore{s} }
func (s *Store) Tenants(context.Context) auth.TenantStore         { return tenantStore{s} }
func (s *Store) Memberships(context.Context) auth.MembershipStore { return membershipStore{s} }
func (s *Store) Roles(context.Context) auth.RoleStore             { return roleStore{s} }
func (s *Store) RefreshTokens(context.Context) auth.RefreshTokenStore {
	return tokenStore{s}
}

type userStore struct{ s *Store }

func (u userStore) Create(_ context.Context, user *auth.User) error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == "" {
		return auth.ErrInvalidInput
	}
	if _, ok := s.users[user.ID]; ok {
		return auth.ErrConflict
	}
	for _, existing := range s.users {
		if existing.Username == user.Username || (user.Email != "" && strings.EqualFold(existing.Email, user.Email)) {
			return auth.ErrConflict
		}
	}
	cp := *user
	cp.Email = strings.ToLower(cp.Email)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.users[cp.ID] = &cp
	return nil
}

func (u userStore) Find(_ context.Context, id string) (*auth.User, error) {
	s := u.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *user
	return &cp, nil
}

func (u userStore) FindByUsername(_ context.Context, username string) (*auth.User, error) {
	return u.findBy(func(x *auth.User) bool { return x.Username == username })
}

func (u userStore) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	email = strings.ToLower(email)
	return u.findBy(func(x *auth.User) bool { return x.Email == email })
}

func (u userStore) findBy(match func(*auth.User) bool) (*auth.User, error) {
	s := u.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, x := range s.users {
		if match(x) {
			cp := *x
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (u userStore) SetActive(_ context.Context, userID string, active bool) error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	user.IsActive = active
	user.UpdatedAt = s.now()
	return nil
}

type tenantStore struct{ s *Store }

func (t tenantStore) Create(_ context.Context, tenant *auth.Tenant) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if tenant.ID == "" {
		return auth.ErrInvalidInput
	}
	if _, ok := s.tenants[tenant.ID]; ok {
		return auth.ErrConflict
	}
	cp := *tenant
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.tenants[cp.ID] = &cp
	return nil
}

func (t tenantStore) Find(_ context.Context, id string) (*auth.Tenant, error) {
	s := t.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenant, ok := s.tenants[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *tenant
	return &cp, nil
}

type membershipStore struct{ s *Store }

// view returns a copy of m with tenant and role names joined in.
func (s *Store) view(m *auth.Membership) auth.Membership {
	out := *m
	if t, ok := s.tenants[m.TenantID]; ok {
		out.TenantCode = t.Code
		out.TenantName = t.Name
	}
	if r, ok := s.roles[m.RoleID]; ok {
		out.RoleName = r.Name
	}
	return out
}

func (ms membershipStore) List(_ context.Context, userID string) ([]auth.Membership, error) {
	s := ms.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Membership
	for k, m := range s.memberships {
		if k.userID == userID {
			out = append(out, s.view(m))
		}
	}
	auth.SortMemberships(out)
	return out, nil
}

func (ms membershipStore) Find(_ context.Context, userID, tenantID string) (*auth.Membership, error) {
	s := ms.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[membershipKey{userID, tenantID}]
	if !ok {
		return nil, auth.ErrNotFound
	}
	v := s.view(m)
	return &v, nil
}

func (ms membershipStore) Add(_ context.Context, m *auth.Membership) error {
	s := ms.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[m.UserID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.tenants[m.TenantID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.roles[m.RoleID]; !ok {
		return auth.ErrNotFound
	}
	key := membershipKey{m.UserID, m.TenantID}
	if _, ok := s.memberships[key]; ok {
		return auth.ErrConflict
	}
	cp := *m
	cp.IsPrimary = !s.hasMembershipLocked(m.UserID)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.memberships[key] = &cp
	m.IsPrimary = cp.IsPrimary
	return nil
}

func (s *Store) hasMembershipLocked(userID string) bool {
	for k := range s.memberships {
		if k.userID == userID {
			return true
		}
	}
	return false
}

func (ms membershipStore) SetPrimary(_ context.Context, userID, tenantID string) error {
	s := ms.s
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.memberships[membershipKey{userID, tenantID}]
	if !ok {
		return auth.ErrNotFound
	}
	for k, m := range s.memberships {
		if k.userID == userID {
			m.IsPrimary = false
		}
	}
	target.IsPrimary = true
	return nil
}

func (ms membershipStore) SetRole(_ context.Context, userID, tenantID, roleID string) error {
	s := ms.s
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[membershipKey{userID, tenantID}]
	if !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	m.RoleID = roleID
	return nil
}

func (ms membershipStore) Remove(_ context.Context, userID, tenantID string) error {
	s := ms.s
	s.mu.Lock()
	defer s.mu.Unlock()
	key := membershipKey{userID, tenantID}
	m, ok := s.memberships[key]
	if !ok {
		return auth.ErrNotFound
	}
	delete(s.memberships, key)
	if !m.IsPrimary {
		return nil
	}
	var oldest *auth.Membership
	for k, other := range s.memberships {
		if k.userID != userID {
			continue
		}
		if oldest == nil || other.CreatedAt.Before(oldest.CreatedAt) ||
			(other.CreatedAt.Equal(oldest.CreatedAt) && other.TenantID < oldest.TenantID) {
			oldest = other
		}
	}
	if oldest != nil {
		oldest.IsPrimary = true
	}
	return nil
}

type roleStore struct{ s *Store }

func (rs roleStore) Create(_ context.Context, role *auth.Role) error {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if role.ID == "" || role.Name == "" {
		return auth.ErrInvalidInput
	}
	if _, ok := s.roles[role.ID]; ok {
		return auth.ErrConflict
	}
	if role.TenantID != "" {
		if _, ok := s.tenants[role.TenantID]; !ok {
			return auth.ErrNotFound
		}
	}
	cp := *role
	if cp.Version == 0 {
		cp.Version = 1
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.roles[cp.ID] = &cp
	role.Version = cp.Version
	return nil
}

func (rs roleStore) Find(_ context.Context, id string) (*auth.Role, error) {
	s := rs.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *role
	return &cp, nil
}

func (rs roleStore) Permissions(_ context.Context, roleID string) ([]auth.Permission, error) {
	s := rs.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Permission
	for key := range s.rolePerms[roleID] {
		if p, ok := s.permissions[key]; ok {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (rs roleStore) SetPermissions(_ context.Context, roleID string, keys []string) (int64, error) {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[roleID]
	if !ok {
		return 0, auth.ErrNotFound
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := s.permissions[k]; !ok {
			return 0, auth.ErrNotFound
		}
		set[k] = struct{}{}
	}
	s.rolePerms[roleID] = set
	role.Version++
	role.UpdatedAt = s.now()
	return role.Version, nil
}

func (rs roleStore) EnsurePermissions(_ context.Context, perms []auth.Permission) error {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		if _, ok := s.permissions[p.Key()]; ok {
			continue
		}
		cp := p
		if cp.ID == "" {
			cp.ID = cp.Key()
		}
		s.permissions[cp.Key()] = &cp
	}
	return nil
}

type tokenStore struct{ s *Store }

func (ts tokenStore) Create(_ context.Context, tok *auth.RefreshToken) error {
	s := ts.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tok.ID]; ok {
		return auth.ErrConflict
	}
	cp := *tok
	s.tokens[cp.ID] = &cp
	return nil
}

func (ts tokenStore) Find(_ context.Context, id string) (*auth.RefreshToken, error) {
	s := ts.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (ts tokenStore) Rotate(_ context.Context, currentID string, next *auth.RefreshToken, now time.Time) error {
	s := ts.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tokens[currentID]
	if !ok {
		return auth.ErrNotFound
	}
	if cur.Revoked {
		return auth.ErrTokenAlreadyRotated
	}
	if _, ok := s.tokens[next.ID]; ok {
		return auth.ErrConflict
	}
	at := now
	cur.Revoked = true
	cur.RevokedAt = &at
	cur.ReplacedBy = next.ID
	cp := *next
	s.tokens[cp.ID] = &cp
	return nil
}

func (ts tokenStore) RevokeFamily(_ context.Context, familyID string, now time.Time) (int64, error) {
	return ts.revokeWhere(now, func(t *auth.RefreshToken) bool { return t.FamilyID == familyID })
}

func (ts tokenStore) RevokeAllForUser(_ context.Context, userID string, now time.Time) (int64, error) {
	return ts.revokeWhere(now, func(t *auth.RefreshToken) bool {
		return t.UserID == userID && !t.Expired(now)
	})
}

func (ts tokenStore) revokeWhere(now time.Time, match func(*auth.RefreshToken) bool) (int64, error) {
	s := ts.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tokens {
		if t.Revoked || !match(t) {
			continue
		}
		at := now
		t.Revoked = true
		t.RevokedAt = &at
		n++
	}
	return n, nil
}

func (ts tokenStore) PurgeExpired(_ context.Context, before time.Time) (int64, error) {
	s := ts.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tokens {
		if t.Expired(before) {
			delete(s.tokens, id)
			n++
		}
	}
	return n, nil
}
