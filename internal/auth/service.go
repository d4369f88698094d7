package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"erpcore.dev/internal/obs"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
)

// Service wires the credential verifier, token service, membership resolver
// and permission aggregator over one Store.
type Service struct {
	store Store
	now   func() time.Time
	log   *slog.Logger

	tokenSecret []byte
	privatePEM  string
	publicPEM   string
	keyID       string
	issuer      string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	cache       PermissionCache

	verifier    *Verifier
	tokens      *TokenService
	memberships *MembershipService
	permissions *PermissionService
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithTokenSecret signs access tokens with HS256 using secret.
func WithTokenSecret(secret string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(secret) == "" {
			return nil
		}
		s.tokenSecret = []byte(secret)
		return nil
	}
}

// WithRS256Keys signs access tokens with RS256 using PEM encoded keys.
// Takes precedence over WithTokenSecret.
func WithRS256Keys(privatePEM, publicPEM string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(privatePEM) == "" || strings.TrimSpace(publicPEM) == "" {
			return errors.New("auth: both private and public keys are required")
		}
		s.privatePEM = privatePEM
		s.publicPEM = publicPEM
		return nil
	}
}

// WithKeyID sets the key identifier embedded into JWT headers.
func WithKeyID(kid string) ServiceOption {
	return func(s *Service) error {
		s.keyID = strings.TrimSpace(kid)
		return nil
	}
}

// WithIssuer sets the token issuer claim, which verification then requires.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) error {
		if now != nil {
			s.now = now
		}
		return nil
	}
}

// WithLogger sets the logger used for operational events.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// WithPermissionCache sets the cache used by the permission aggregator.
// Passing nil disables caching.
func WithPermissionCache(c PermissionCache) ServiceOption {
	return func(s *Service) error {
		s.cache = c
		return nil
	}
}

// NewService constructs a Service. Without an explicit cache an in-memory
// permission cache is used.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	svc := &Service{
		store:      store,
		now:        func() time.Time { return time.Now().UTC() },
		log:        obs.Discard(),
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		cache:      NewMemoryPermissionCache(0, 0),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.accessTTL >= svc.refreshTTL {
		return nil, fmt.Errorf("auth: access ttl %s must be shorter than refresh ttl %s", svc.accessTTL, svc.refreshTTL)
	}

	var sig *signer
	switch {
	case svc.privatePEM != "":
		var err error
		if sig, err = newRSASigner(svc.privatePEM, svc.publicPEM); err != nil {
			return nil, err
		}
		sig.keyID = svc.keyID
	case len(svc.tokenSecret) > 0:
		sig = newHMACSigner(svc.tokenSecret)
	default:
		return nil, errors.New("auth: token secret or RS256 keys are required")
	}
	sig.issuer = svc.issuer

	svc.verifier = NewVerifier(store)
	svc.tokens = &TokenService{
		store:      store,
		signer:     sig,
		now:        svc.now,
		accessTTL:  svc.accessTTL,
		refreshTTL: svc.refreshTTL,
		log:        svc.log.With("component", "tokens"),
	}
	svc.permissions = &PermissionService{
		store: store,
		cache: svc.cache,
		log:   svc.log.With("component", "permissions"),
	}
	svc.memberships = &MembershipService{
		store:       store,
		permissions: svc.permissions,
		now:         svc.now,
		log:         svc.log.With("component", "memberships"),
	}
	return svc, nil
}

// Tokens returns the token issuer/rotator.
func (s *Service) Tokens() *TokenService { return s.tokens }

// Memberships returns the membership resolver.
func (s *Service) Memberships() *MembershipService { return s.memberships }

// Permissions returns the permission aggregator.
func (s *Service) Permissions() *PermissionService { return s.permissions }

// Verifier returns the credential verifier.
func (s *Service) Verifier() *Verifier { return s.verifier }

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.now() }

// Login verifies credentials and issues a token pair in a new family. No
// tokens are issued when verification fails.
func (s *Service) Login(ctx context.Context, identifier, secret string) (TokenPair, *User, error) {
	user, err := s.verifier.Verify(ctx, identifier, secret)
	if err != nil {
		obs.ObserveLogin(ErrorCode(err))
		return TokenPair{}, nil, err
	}
	pair, err := s.tokens.Issue(ctx, user.ID)
	if err != nil {
		obs.ObserveLogin("internal")
		return TokenPair{}, nil, err
	}
	obs.ObserveLogin("ok")
	return pair, user, nil
}

// Refresh rotates a refresh token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	return s.tokens.Refresh(ctx, refreshToken)
}

// Logout revokes every refresh token of userID.
func (s *Service) Logout(ctx context.Context, userID string) error {
	_, err := s.tokens.RevokeAll(ctx, userID)
	return err
}

// Authenticate verifies an access token and loads the active user behind it.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*Principal, error) {
	claims, err := s.tokens.Authenticate(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	user, err := s.store.Users(ctx).Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		return nil, ErrAccountInactive
	}
	return &Principal{User: user, Claims: claims}, nil
}

// EnsureBuiltins ensures predefined permissions exist.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	return s.permissions.EnsureBuiltins(ctx)
}
