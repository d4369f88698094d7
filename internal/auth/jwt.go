package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const accessTokenType = "access"

// AccessClaims are the claims carried by an access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	TokenType string `json:"typ"`
}

// UserID returns the subject of the token.
func (c AccessClaims) UserID() string { return c.Subject }

// signer mints and verifies access tokens with either a shared HMAC secret or
// an RSA key pair.
type signer struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string
	issuer    string
}

func newHMACSigner(secret []byte) *signer {
	return &signer{method: jwt.SigningMethodHS256, signKey: secret, verifyKey: secret}
}

func newRSASigner(privatePEM, publicPEM string) (*signer, error) {
	privatePEM = strings.TrimSpace(privatePEM)
	publicPEM = strings.TrimSpace(publicPEM)
	if privatePEM == "" || publicPEM == "" {
		return nil, errors.New("auth: both private and public keys are required")
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicPEM))
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	if priv.PublicKey.N.Cmp(pub.N) != 0 {
		return nil, errors.New("auth: public key does not match private key")
	}
	return &signer{method: jwt.SigningMethodRS256, signKey: priv, verifyKey: pub}, nil
}

func (s *signer) sign(userID string, now time.Time, ttl time.Duration) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		TokenType: accessTokenType,
	}
	token := jwt.NewWithClaims(s.method, claims)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}
	signed, err := token.SignedString(s.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}
	return signed, exp, nil
}

// verify parses token and checks signature, issuer, type and expiry. An
// expired but otherwise valid token yields ErrTokenExpired.
func (s *signer) verify(token string, now func() time.Time) (*AccessClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithTimeFunc(now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.verifyKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !parsed.Valid || claims.TokenType != accessTokenType || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
