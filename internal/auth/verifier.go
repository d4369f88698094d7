package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Verifier checks an identifier/secret pair against stored users.
type Verifier struct {
	users func(ctx context.Context) UserStore
}

// NewVerifier constructs a verifier backed by store.
func NewVerifier(store Store) *Verifier {
	return &Verifier{users: store.Users}
}

// Verify resolves identifier as a username, then as an email address, and
// checks secret against the stored hash. Unknown identifiers and wrong secrets
// both yield ErrInvalidCredentials. ErrAccountInactive is only reported once
// the secret has matched.
func (v *Verifier) Verify(ctx context.Context, identifier, secret string) (*User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || secret == "" {
		_, _ = VerifyPassword(dummyHash, secret)
		return nil, ErrInvalidCredentials
	}

	user, err := v.lookup(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_, _ = VerifyPassword(dummyHash, secret)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	ok, err := VerifyPassword(user.PasswordHash, secret)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrAccountInactive
	}
	return user, nil
}

func (v *Verifier) lookup(ctx context.Context, identifier string) (*User, error) {
	users := v.users(ctx)
	user, err := users.FindByUsername(ctx, identifier)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return users.FindByEmail(ctx, strings.ToLower(identifier))
}
