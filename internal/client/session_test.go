package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"erpcore.dev/internal/auth"
)

var alice = User{ID: "42", Username: "alice"}

func loginWith(access, refresh string) func(context.Context, string, string) (Tokens, User, error) {
	return func(context.Context, string, string) (Tokens, User, error) {
		return Tokens{AccessToken: access, RefreshToken: refresh}, alice, nil
	}
}

func rotateTo(access, refresh string) func(context.Context, string) (Tokens, error) {
	return func(context.Context, string) (Tokens, error) {
		return Tokens{AccessToken: access, RefreshToken: refresh}, nil
	}
}

func saveSession(t *testing.T, st *MemoryStore, s Session) {
	t.Helper()
	if err := st.Save(context.Background(), RecordSession, s); err != nil {
		t.Fatalf("save: %v", err)
	}
}

func assertReady(t *testing.T, m *SessionManager) {
	t.Helper()
	select {
	case <-m.Ready():
	default:
		t.Fatalf("expected Ready to be closed")
	}
	if m.IsLoading() {
		t.Fatalf("expected IsLoading false after settle")
	}
}

func TestInitializeWithoutRecord(t *testing.T) {
	m := NewSessionManager(&fakeAPI{}, NewMemoryStore())
	if !m.IsLoading() {
		t.Fatalf("expected loading before initialize")
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	assertReady(t, m)
	if m.State() != Unauthenticated {
		t.Fatalf("expected unauthenticated, got %v", m.State())
	}
}

func TestInitializeValidAccessToken(t *testing.T) {
	st := NewMemoryStore()
	token := accessToken(t, "42", time.Now().Add(10*time.Minute))
	saveSession(t, st, Session{User: alice, AccessToken: token, RefreshToken: "r0"})
	api := &fakeAPI{MeFn: func(_ context.Context, tok string) (User, error) {
		if tok != token {
			return User{}, apiErr("token_invalid")
		}
		return alice, nil
	}}

	m := NewSessionManager(api, st)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	assertReady(t, m)
	if u, ok := m.User(); !ok || u.ID != "42" {
		t.Fatalf("expected alice, got %+v %v", u, ok)
	}
	if api.refreshes.Load() != 0 {
		t.Fatalf("valid token must not refresh")
	}
}

func TestInitializeExpiredAccessTokenRefreshesOnce(t *testing.T) {
	st := NewMemoryStore()
	saveSession(t, st, Session{User: alice, AccessToken: accessToken(t, "42", time.Now().Add(-time.Minute)), RefreshToken: "r0"})
	fresh := accessToken(t, "42", time.Now().Add(15*time.Minute))
	api := &fakeAPI{
		RefreshFn: func(_ context.Context, rt string) (Tokens, error) {
			if rt != "r0" {
				return Tokens{}, apiErr("token_not_found")
			}
			return Tokens{AccessToken: fresh, RefreshToken: "r1", ExpiresIn: 900}, nil
		},
		MeFn: func(context.Context, string) (User, error) { return alice, nil },
	}

	m := NewSessionManager(api, st)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if m.State() != Authenticated || api.refreshes.Load() != 1 {
		t.Fatalf("expected one refresh and authenticated, got %v after %d", m.State(), api.refreshes.Load())
	}
	var saved Session
	if _, err := st.Load(context.Background(), RecordSession, &saved); err != nil || saved.RefreshToken != "r1" {
		t.Fatalf("expected rotated token persisted, got %+v %v", saved, err)
	}
}

func TestInitializeRejectedRefreshClearsRecord(t *testing.T) {
	st := NewMemoryStore()
	saveSession(t, st, Session{User: alice, AccessToken: "not-a-jwt", RefreshToken: "r0"})
	api := &fakeAPI{RefreshFn: func(context.Context, string) (Tokens, error) {
		return Tokens{}, apiErr("token_expired")
	}}

	m := NewSessionManager(api, st)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	assertReady(t, m)
	if m.State() != Unauthenticated || st.Has(RecordSession) {
		t.Fatalf("expected cleared session, state %v", m.State())
	}
	if api.refreshes.Load() != 1 {
		t.Fatalf("refresh on init is attempted exactly once, got %d", api.refreshes.Load())
	}
}

func TestInitializeTransportFailureKeepsRecord(t *testing.T) {
	st := NewMemoryStore()
	saveSession(t, st, Session{User: alice, AccessToken: accessToken(t, "42", time.Now().Add(time.Hour)), RefreshToken: "r0"})
	boom := errors.New("dial tcp: connection refused")
	api := &fakeAPI{MeFn: func(context.Context, string) (User, error) { return User{}, boom }}

	m := NewSessionManager(api, st)
	if err := m.Initialize(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}
	assertReady(t, m)
	if m.State() != Unauthenticated || !st.Has(RecordSession) {
		t.Fatalf("expected unauthenticated with record kept")
	}
}

func TestLoginPersistsTokensNotSecret(t *testing.T) {
	st := NewMemoryStore()
	api := &fakeAPI{LoginFn: func(_ context.Context, id, secret string) (Tokens, User, error) {
		if secret != "correct horse" {
			return Tokens{}, User{}, apiErr("invalid_credentials")
		}
		return Tokens{AccessToken: "a0", RefreshToken: "r0"}, alice, nil
	}}
	m := NewSessionManager(api, st)

	if _, err := m.Login(context.Background(), "alice", "wrong"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if m.State() != Unauthenticated || st.Has(RecordSession) {
		t.Fatalf("failed login must not persist")
	}

	if _, err := m.Login(context.Background(), "alice", "correct horse"); err != nil {
		t.Fatalf("login: %v", err)
	}
	assertReady(t, m)
	if strings.Contains(string(st.records[RecordSession]), "correct horse") {
		t.Fatalf("secret leaked into session record")
	}
	if m.State() != Authenticated || m.AccessToken() != "a0" {
		t.Fatalf("expected authenticated with a0")
	}
}

func TestLogoutClearsStateWhenRevokeFails(t *testing.T) {
	st := NewMemoryStore()
	api := &fakeAPI{
		LoginFn:  loginWith("a0", "r0"),
		LogoutFn: func(context.Context, string) error { return errors.New("server unavailable") },
	}
	m := NewSessionManager(api, st)
	if _, err := m.Login(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := m.Logout(context.Background()); err == nil {
		t.Fatalf("expected revoke error to surface")
	}
	if m.State() != Unauthenticated || st.Has(RecordSession) || m.AccessToken() != "" {
		t.Fatalf("logout must clear local state on failure")
	}
}

func TestDoRefreshesOnceOnExpiry(t *testing.T) {
	st := NewMemoryStore()
	api := &fakeAPI{
		LoginFn:   loginWith("a0", "r0"),
		RefreshFn: rotateTo("a1", "r1"),
	}
	m := NewSessionManager(api, st)
	if _, err := m.Login(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}

	var seen []string
	err := m.Do(context.Background(), func(_ context.Context, tok string) error {
		seen = append(seen, tok)
		if tok == "a0" {
			return apiErr("token_expired")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if len(seen) != 2 || seen[1] != "a1" || api.refreshes.Load() != 1 {
		t.Fatalf("expected retry with a1 after one refresh, saw %v", seen)
	}

	// still expired after the refresh: no second refresh
	calls := 0
	err = m.Do(context.Background(), func(context.Context, string) error {
		calls++
		return apiErr("token_expired")
	})
	if !errors.Is(err, auth.ErrTokenExpired) || calls != 2 || api.refreshes.Load() != 2 {
		t.Fatalf("expected single refresh per call, got err=%v calls=%d refreshes=%d", err, calls, api.refreshes.Load())
	}

	// permission denied is per request and keeps the session
	err = m.Do(context.Background(), func(context.Context, string) error { return apiErr("permission_denied") })
	if !errors.Is(err, auth.ErrPermissionDenied) || m.State() != Authenticated {
		t.Fatalf("permission denied must not end session: %v %v", err, m.State())
	}
}

func TestReuseDetectedEndsSession(t *testing.T) {
	st := NewMemoryStore()
	api := &fakeAPI{
		LoginFn:   loginWith("a0", "r0"),
		RefreshFn: func(context.Context, string) (Tokens, error) { return Tokens{}, apiErr("reuse_detected") },
	}
	m := NewSessionManager(api, st)
	if _, err := m.Login(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	var states []State
	m.Subscribe(func(s State) { states = append(states, s) })

	err := m.Do(context.Background(), func(context.Context, string) error { return apiErr("token_expired") })
	if !errors.Is(err, auth.ErrReuseDetected) {
		t.Fatalf("expected reuse detected, got %v", err)
	}
	if m.State() != Unauthenticated || st.Has(RecordSession) {
		t.Fatalf("reuse must clear the session")
	}
	if len(states) != 1 || states[0] != Unauthenticated {
		t.Fatalf("unexpected notifications %v", states)
	}
	if err := m.Do(context.Background(), func(context.Context, string) error { return nil }); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestConcurrentExpiryRefreshesOnce(t *testing.T) {
	st := NewMemoryStore()
	release := make(chan struct{})
	api := &fakeAPI{
		LoginFn: loginWith("a0", "r0"),
		RefreshFn: func(_ context.Context, rt string) (Tokens, error) {
			<-release
			if rt != "r0" {
				return Tokens{}, apiErr("reuse_detected")
			}
			return Tokens{AccessToken: "a1", RefreshToken: "r1"}, nil
		},
	}
	m := NewSessionManager(api, st)
	if _, err := m.Login(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Do(context.Background(), func(_ context.Context, tok string) error {
				if tok == "a0" {
					return apiErr("token_expired")
				}
				return nil
			})
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if n := api.refreshes.Load(); n != 1 {
		t.Fatalf("expected exactly one refresh, got %d", n)
	}
}
