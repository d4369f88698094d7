package auth

import "errors"

// Authentication and token errors.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials") // 401
	ErrAccountInactive    = errors.New("auth: account inactive")    // 401
	ErrTokenNotFound      = errors.New("auth: token not found")     // 401
	ErrTokenExpired       = errors.New("auth: token expired")       // 401
	ErrReuseDetected      = errors.New("auth: refresh token reuse detected")
	ErrTokenInvalid       = errors.New("auth: invalid token") // 401
)

// Tenant and authorization errors.
var (
	ErrUserNotFound     = errors.New("auth: user not found")           // 404
	ErrTenantNotFound   = errors.New("auth: tenant not found")         // 404
	ErrUserNotInTenant  = errors.New("auth: user not in tenant")       // 404
	ErrPermissionDenied = errors.New("auth: permission denied")        // 403
	ErrRoleNotFound     = errors.New("auth: role not found")           // 404
	ErrRoleOutOfScope   = errors.New("auth: role not valid in tenant") // 400
)

// Store and input errors.
var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: resource conflict")
	ErrInvalidInput = errors.New("auth: invalid input")

	// ErrTokenAlreadyRotated is returned by RotateRefreshToken when the
	// record was revoked between lookup and rotation.
	ErrTokenAlreadyRotated = errors.New("auth: refresh token already rotated")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidCredentials, "invalid_credentials"},
	{ErrAccountInactive, "account_inactive"},
	{ErrTokenNotFound, "token_not_found"},
	{ErrTokenExpired, "token_expired"},
	{ErrReuseDetected, "reuse_detected"},
	{ErrTokenInvalid, "token_invalid"},
	{ErrUserNotFound, "user_not_found"},
	{ErrTenantNotFound, "tenant_not_found"},
	{ErrUserNotInTenant, "user_not_in_tenant"},
	{ErrPermissionDenied, "permission_denied"},
	{ErrRoleNotFound, "role_not_found"},
	{ErrRoleOutOfScope, "role_out_of_scope"},
	{ErrInvalidInput, "invalid_input"},
	{ErrConflict, "conflict"},
	{ErrNotFound, "not_found"},
}

// ErrorCode returns the wire code for a known error, or "internal".
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// ErrorForCode maps a wire code back to its sentinel. Unknown codes yield nil.
func ErrorForCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// Terminal reports whether err ends the client session, as opposed to a
// per-request rejection or a transient failure.
func Terminal(err error) bool {
	return errors.Is(err, ErrReuseDetected) ||
		errors.Is(err, ErrTokenNotFound) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrAccountInactive) ||
		errors.Is(err, ErrTokenInvalid)
}
