// Package client holds the client-side auth state: the session state
// machine, the active-tenant selection, tenant permissions and the route
// guard gate. State objects are constructed explicitly and passed to whoever
// needs them.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"erpcore.dev/internal/auth"
	"erpcore.dev/internal/obs"
)

// ErrNotAuthenticated is returned by Do when there is no session.
var ErrNotAuthenticated = errors.New("client: not authenticated")

// State is the session lifecycle.
type State int

const (
	Uninitialized State = iota
	Initializing
	Authenticated
	Unauthenticated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is the persisted session record: the minimum needed to resume.
type Session struct {
	User         User   `json:"user"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// SessionManager owns the client session.
type SessionManager struct {
	api     API
	records RecordStore
	log     *slog.Logger
	now     func() time.Time
	leeway  time.Duration

	mu      sync.RWMutex
	state   State
	session *Session
	subs    []StateListener
	ends    []EndListener

	// refreshMu serialises rotations so two callers never present the same
	// refresh token, which the server would treat as reuse.
	refreshMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
}

// StateListener observes state changes.
type StateListener func(State)

// EndListener runs after a signed-in session ends: logout, a rejected refresh
// or a rejected restore.
type EndListener func(ctx context.Context) error

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithSessionLogger sets the logger.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(m *SessionManager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithSessionClock overrides time.Now for expiry checks.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewSessionManager returns a manager in the Uninitialized state.
func NewSessionManager(api API, records RecordStore, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		api:     api,
		records: records,
		log:     obs.Discard(),
		now:     time.Now,
		leeway:  10 * time.Second,
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *SessionManager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsLoading is true until Initialize settles.
func (m *SessionManager) IsLoading() bool {
	s := m.State()
	return s == Uninitialized || s == Initializing
}

// Ready is closed once Initialize has settled.
func (m *SessionManager) Ready() <-chan struct{} { return m.ready }

// User returns the signed-in user.
func (m *SessionManager) User() (User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != Authenticated || m.session == nil {
		return User{}, false
	}
	return m.session.User, true
}

// AccessToken returns the current access token.
func (m *SessionManager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.AccessToken
}

// Subscribe registers fn for state changes and returns an unsubscribe func.
func (m *SessionManager) Subscribe(fn StateListener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
	idx := len(m.subs) - 1
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.subs[idx] = nil
	}
}

func (m *SessionManager) setState(st State, sess *Session) {
	m.mu.Lock()
	changed := m.state != st
	m.state = st
	m.session = sess
	subs := append([]StateListener(nil), m.subs...)
	m.mu.Unlock()
	if !changed {
		return
	}
	for _, fn := range subs {
		if fn != nil {
			fn(st)
		}
	}
}

// OnEnd registers fn to run whenever the session ends and returns an
// unsubscribe func. Transport failures during restore do not count.
func (m *SessionManager) OnEnd(fn EndListener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ends = append(m.ends, fn)
	idx := len(m.ends) - 1
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.ends[idx] = nil
	}
}

// end drops the persisted record, settles as Unauthenticated and then runs
// the end listeners.
func (m *SessionManager) end(ctx context.Context) {
	m.clearRecord(ctx)
	m.setState(Unauthenticated, nil)
	m.mu.RLock()
	ends := append([]EndListener(nil), m.ends...)
	m.mu.RUnlock()
	ctx = context.WithoutCancel(ctx)
	for _, fn := range ends {
		if fn == nil {
			continue
		}
		if err := fn(ctx); err != nil {
			m.log.WarnContext(ctx, "session end hook failed", "error", err)
		}
	}
}

func (m *SessionManager) markReady() {
	m.readyOnce.Do(func() { close(m.ready) })
}

// Initialize restores a persisted session. A still-valid access token is
// confirmed with the server; an expired one gets exactly one refresh. The
// manager always settles, and Ready closes, before Initialize returns.
func (m *SessionManager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Uninitialized {
		m.mu.Unlock()
		return nil
	}
	m.state = Initializing
	m.mu.Unlock()
	defer m.markReady()

	var sess Session
	found, err := m.records.Load(ctx, RecordSession, &sess)
	if err != nil {
		m.log.WarnContext(ctx, "session record unreadable", "error", err)
		m.setState(Unauthenticated, nil)
		return err
	}
	if !found || sess.RefreshToken == "" {
		m.setState(Unauthenticated, nil)
		return nil
	}

	if !m.accessExpired(sess.AccessToken) {
		user, err := m.api.Me(ctx, sess.AccessToken)
		if err == nil {
			sess.User = user
			m.setState(Authenticated, &sess)
			return nil
		}
		if !errors.Is(err, auth.ErrTokenExpired) {
			return m.failInit(ctx, err)
		}
	}

	tokens, err := m.api.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		return m.failInit(ctx, err)
	}
	sess.AccessToken, sess.RefreshToken = tokens.AccessToken, tokens.RefreshToken
	if user, err := m.api.Me(ctx, sess.AccessToken); err == nil {
		sess.User = user
	}
	if err := m.records.Save(ctx, RecordSession, sess); err != nil {
		m.log.WarnContext(ctx, "persist session failed", "error", err)
	}
	m.setState(Authenticated, &sess)
	return nil
}

// failInit settles as Unauthenticated. Server rejections drop the persisted
// record; transport failures keep it so a later start can resume.
func (m *SessionManager) failInit(ctx context.Context, err error) error {
	if isAuthFailure(err) {
		m.end(ctx)
		return nil
	}
	m.log.WarnContext(ctx, "session restore failed", "error", err)
	m.setState(Unauthenticated, nil)
	return err
}

// accessExpired peeks at the exp claim without verifying the signature; the
// server remains the authority, this only avoids a doomed round trip.
func (m *SessionManager) accessExpired(token string) bool {
	if token == "" {
		return true
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return true
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !m.now().Add(m.leeway).Before(claims.ExpiresAt.Time)
}

// Login authenticates and persists the new session.
func (m *SessionManager) Login(ctx context.Context, identifier, secret string) (User, error) {
	tokens, user, err := m.api.Login(ctx, identifier, secret)
	if err != nil {
		if m.State() != Authenticated {
			m.setState(Unauthenticated, nil)
		}
		m.markReady()
		return User{}, err
	}
	sess := &Session{User: user, AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken}
	if err := m.records.Save(ctx, RecordSession, sess); err != nil {
		m.log.WarnContext(ctx, "persist session failed", "error", err)
	}
	m.setState(Authenticated, sess)
	m.markReady()
	return user, nil
}

// Logout revokes the user's refresh tokens server-side. Local state is
// cleared whatever the outcome of that call.
func (m *SessionManager) Logout(ctx context.Context) error {
	token := m.AccessToken()
	defer func() {
		m.end(ctx)
		m.markReady()
	}()
	if token == "" {
		return nil
	}
	if err := m.api.Logout(ctx, token); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// Refresh rotates the refresh token once. Reuse detection and other server
// rejections end the session.
func (m *SessionManager) Refresh(ctx context.Context) error {
	return m.refreshFrom(ctx, "")
}

// refreshFrom rotates unless the access token has moved on from stale,
// which means a concurrent caller already refreshed.
func (m *SessionManager) refreshFrom(ctx context.Context, stale string) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.mu.RLock()
	var cur Session
	if m.session != nil {
		cur = *m.session
	}
	m.mu.RUnlock()
	if cur.RefreshToken == "" {
		return ErrNotAuthenticated
	}
	if stale != "" && cur.AccessToken != stale {
		return nil
	}

	tokens, err := m.api.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		if isAuthFailure(err) {
			if errors.Is(err, auth.ErrReuseDetected) {
				m.log.WarnContext(ctx, "refresh token reuse reported, signing out", "user_id", cur.User.ID)
			}
			m.end(ctx)
		}
		return err
	}
	cur.AccessToken, cur.RefreshToken = tokens.AccessToken, tokens.RefreshToken
	if err := m.records.Save(ctx, RecordSession, cur); err != nil {
		m.log.WarnContext(ctx, "persist session failed", "error", err)
	}
	m.setState(Authenticated, &cur)
	return nil
}

// Do runs fn with the current access token. When fn fails with
// auth.ErrTokenExpired, Do refreshes once and retries fn once.
func (m *SessionManager) Do(ctx context.Context, fn func(ctx context.Context, accessToken string) error) error {
	token := m.AccessToken()
	if token == "" || m.State() != Authenticated {
		return ErrNotAuthenticated
	}
	err := fn(ctx, token)
	if !errors.Is(err, auth.ErrTokenExpired) {
		return err
	}
	if err := m.refreshFrom(ctx, token); err != nil {
		return err
	}
	next := m.AccessToken()
	if next == "" {
		return ErrNotAuthenticated
	}
	return fn(ctx, next)
}

func (m *SessionManager) clearRecord(ctx context.Context) {
	if err := m.records.Delete(context.WithoutCancel(ctx), RecordSession); err != nil {
		m.log.WarnContext(ctx, "clear session record failed", "error", err)
	}
}
