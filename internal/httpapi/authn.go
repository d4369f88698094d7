package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"erpcore.dev/internal/auth"
	"erpcore.dev/internal/guard"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth enforces the guard policy server-side: every path the policy does
// not mark public needs a valid bearer token for an active user.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || a.policy.IsPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="erp-auth"`)
			writeError(w, r, http.StatusUnauthorized, auth.ErrorCode(auth.ErrTokenInvalid), err.Error())
			return
		}

		principal, err := a.svc.Authenticate(r.Context(), token)
		if err != nil {
			if statusFor(err) == http.StatusUnauthorized {
				w.Header().Set("WWW-Authenticate", `Bearer realm="erp-auth", error="invalid_token"`)
			}
			a.handleError(w, r, err)
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithAccessToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// principal returns the caller; withAuth guarantees one on protected routes.
func principal(r *http.Request) (*auth.Principal, error) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return nil, auth.ErrTokenInvalid
	}
	return p, nil
}

// requireTenantPermission resolves the caller's permissions in tenantID
// server-side and checks perm.
func (a *API) requireTenantPermission(r *http.Request, tenantID, perm string) (*auth.Principal, error) {
	p, err := principal(r)
	if err != nil {
		return nil, err
	}
	set, err := a.svc.Permissions().Resolve(r.Context(), p.UserID(), tenantID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotInTenant) {
			return nil, auth.ErrPermissionDenied
		}
		return nil, err
	}
	d := a.policy.Decide(guard.Input{
		Path:          r.URL.Path,
		Ready:         true,
		Authenticated: true,
		TenantID:      tenantID,
		Permissions:   set,
	})
	if d.Outcome != guard.Allow {
		return nil, auth.ErrPermissionDenied
	}
	if !set.Has(perm) {
		return nil, auth.ErrPermissionDenied
	}
	return p, nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
