package auth

// Principal is an authenticated caller: the user behind a verified access
// token. Permissions are not part of the principal since they depend on the
// tenant the caller acts in; resolve them per request.
type Principal struct {
	User   *User
	Claims *AccessClaims
}

// UserID returns the principal's user id.
func (p *Principal) UserID() string {
	if p == nil || p.User == nil {
		return ""
	}
	return p.User.ID
}
