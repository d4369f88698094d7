package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"erpcore.dev/internal/ids"
	"erpcore.dev/internal/obs"
)

const refreshSecretBytes = 32

// TokenService mints, rotates and revokes token pairs.
type TokenService struct {
	store      Store
	signer     *signer
	now        func() time.Time
	accessTTL  time.Duration
	refreshTTL time.Duration
	log        *slog.Logger
}

// Issue starts a new token family for userID.
func (s *TokenService) Issue(ctx context.Context, userID string) (TokenPair, error) {
	now := s.now()
	return s.mint(ctx, userID, ids.NewAt(now), now)
}

func (s *TokenService) mint(ctx context.Context, userID, familyID string, now time.Time) (TokenPair, error) {
	raw, rec, err := s.newRefreshToken(userID, familyID, now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.RefreshTokens(ctx).Create(ctx, rec); err != nil {
		return TokenPair{}, fmt.Errorf("store refresh token: %w", err)
	}
	access, exp, err := s.signer.sign(userID, now, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     raw,
		AccessExpiresAt:  exp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

// Refresh exchanges a refresh token for a new pair in the same family.
// Presenting a token that was already rotated revokes the whole family and
// returns ErrReuseDetected. Of several concurrent callers presenting the same
// token, exactly one succeeds.
func (s *TokenService) Refresh(ctx context.Context, raw string) (TokenPair, error) {
	pair, err := s.refresh(ctx, raw)
	if err != nil {
		obs.ObserveRefresh(ErrorCode(err))
		return TokenPair{}, err
	}
	obs.ObserveRefresh("ok")
	return pair, nil
}

func (s *TokenService) refresh(ctx context.Context, raw string) (TokenPair, error) {
	tokenID, secret, ok := splitRefreshToken(raw)
	if !ok {
		return TokenPair{}, ErrTokenNotFound
	}
	store := s.store.RefreshTokens(ctx)
	rec, err := store.Find(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrTokenNotFound
		}
		return TokenPair{}, fmt.Errorf("find refresh token: %w", err)
	}
	if !secureCompareHash(rec.TokenHash, secret) {
		return TokenPair{}, ErrTokenNotFound
	}

	now := s.now()
	if rec.Expired(now) {
		return TokenPair{}, ErrTokenExpired
	}
	if rec.Revoked {
		return TokenPair{}, s.revokeOnReuse(ctx, rec, now)
	}

	user, err := s.store.Users(ctx).Find(ctx, rec.UserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return TokenPair{}, fmt.Errorf("load user: %w", err)
	}
	if user == nil || !user.IsActive {
		if _, err := store.RevokeFamily(ctx, rec.FamilyID, now); err != nil {
			return TokenPair{}, fmt.Errorf("revoke family: %w", err)
		}
		return TokenPair{}, ErrAccountInactive
	}

	nextRaw, next, err := s.newRefreshToken(rec.UserID, rec.FamilyID, now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := store.Rotate(ctx, rec.ID, next, now); err != nil {
		if errors.Is(err, ErrTokenAlreadyRotated) {
			return TokenPair{}, s.revokeOnReuse(ctx, rec, now)
		}
		return TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	access, exp, err := s.signer.sign(rec.UserID, now, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     nextRaw,
		AccessExpiresAt:  exp,
		RefreshExpiresAt: next.ExpiresAt,
	}, nil
}

func (s *TokenService) revokeOnReuse(ctx context.Context, rec *RefreshToken, now time.Time) error {
	n, err := s.store.RefreshTokens(ctx).RevokeFamily(ctx, rec.FamilyID, now)
	if err != nil {
		return fmt.Errorf("revoke family: %w", err)
	}
	s.log.WarnContext(ctx, "refresh token reuse detected",
		"user_id", rec.UserID,
		"family_id", rec.FamilyID,
		"token_id", rec.ID,
		"revoked", n,
	)
	return ErrReuseDetected
}

// RevokeAll revokes every unexpired refresh token of userID.
func (s *TokenService) RevokeAll(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.RefreshTokens(ctx).RevokeAllForUser(ctx, userID, s.now())
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", err)
	}
	s.log.InfoContext(ctx, "refresh tokens revoked", "user_id", userID, "revoked", n)
	return n, nil
}

// Authenticate verifies an access token. Expired tokens yield ErrTokenExpired;
// any other failure yields ErrTokenInvalid.
func (s *TokenService) Authenticate(_ context.Context, token string) (*AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenInvalid
	}
	return s.signer.verify(token, s.now)
}

// PurgeExpired deletes refresh records that expired before now.
func (s *TokenService) PurgeExpired(ctx context.Context) (int64, error) {
	return s.store.RefreshTokens(ctx).PurgeExpired(ctx, s.now())
}

func (s *TokenService) newRefreshToken(userID, familyID string, now time.Time) (string, *RefreshToken, error) {
	secretBytes := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, fmt.Errorf("generating refresh token: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	rec := &RefreshToken{
		ID:        ids.NewAt(now),
		UserID:    userID,
		FamilyID:  familyID,
		TokenHash: HashToken(secret),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	return rec.ID + "." + secret, rec, nil
}

// HashToken returns the hex SHA-256 of a refresh token secret.
func HashToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func splitRefreshToken(raw string) (id, secret string, ok bool) {
	id, secret, found := strings.Cut(strings.TrimSpace(raw), ".")
	if !found || id == "" || secret == "" || strings.Contains(secret, ".") {
		return "", "", false
	}
	return id, secret, true
}

func secureCompareHash(expectedHash, secret string) bool {
	actual := HashToken(secret)
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
