package httpapi

import (
	"net/http"
	"strings"
	"time"

	"erpcore.dev/internal/auth"
)

type loginRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int64         `json:"expires_in"`
	User         *userResponse `json:"user,omitempty"`
}

type userResponse struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	IsActive    bool      `json:"is_active"`
	IsVerified  bool      `json:"is_verified"`
	CreatedAt   time.Time `json:"created_at"`
}

func newUserResponse(u *auth.User) *userResponse {
	return &userResponse{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		IsActive:    u.IsActive,
		IsVerified:  u.IsVerified,
		CreatedAt:   u.CreatedAt,
	}
}

func (a *API) newTokenResponse(pair auth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn(a.svc.Now()),
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.Identifier) == "" || req.Secret == "" {
		badRequest(w, r, "identifier and secret are required")
		return
	}

	pair, user, err := a.svc.Login(r.Context(), req.Identifier, req.Secret)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	resp := a.newTokenResponse(pair)
	resp.User = newUserResponse(user)
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		badRequest(w, r, "refresh_token is required")
		return
	}

	pair, err := a.svc.Refresh(r.Context(), strings.TrimSpace(req.RefreshToken))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.newTokenResponse(pair))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if err := a.svc.Logout(r.Context(), p.UserID()); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(p.User))
}
