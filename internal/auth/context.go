package auth

import "context"

type ctxKey int

const (
	principalKey ctxKey = iota
	accessTokenKey
)

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the principal set by the authentication
// middleware, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}

// ContextWithAccessToken stores the raw bearer token inside the context.
func ContextWithAccessToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, accessTokenKey, token)
}

// AccessTokenFromContext returns the bearer token if it was attached.
func AccessTokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(accessTokenKey).(string)
	return v, ok && v != ""
}
