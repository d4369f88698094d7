package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"erpcore.dev/internal/auth"
)

// Tokens is the token pair returned by login and refresh.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
}

// User is the profile the server reports for the caller.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Membership is one tenant the user belongs to.
type Membership struct {
	TenantID   string `json:"tenant_id"`
	TenantCode string `json:"tenant_code"`
	TenantName string `json:"tenant_name"`
	RoleID     string `json:"role_id"`
	RoleName   string `json:"role_name"`
	IsPrimary  bool   `json:"is_primary"`
}

// API is the subset of the auth server the client state machines drive.
type API interface {
	Login(ctx context.Context, identifier, secret string) (Tokens, User, error)
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
	Logout(ctx context.Context, accessToken string) error
	Me(ctx context.Context, accessToken string) (User, error)
	Memberships(ctx context.Context, accessToken, userID string) ([]Membership, error)
	SetPrimary(ctx context.Context, accessToken, userID, tenantID string) error
	Permissions(ctx context.Context, accessToken, tenantID string) ([]string, error)
}

// APIError is a non-2xx response. It unwraps to the auth sentinel named by
// its code, so callers can use errors.Is(err, auth.ErrTokenExpired).
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api: %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return auth.ErrorForCode(e.Code) }

// HTTPClient talks JSON to the auth server.
type HTTPClient struct {
	base string
	hc   *http.Client
}

// NewHTTPClient targets baseURL. A nil hc gets a 10 second timeout client.
func NewHTTPClient(baseURL string, hc *http.Client) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("client: invalid server url %q", baseURL)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{base: u.String(), hc: hc}, nil
}

var _ API = (*HTTPClient)(nil)

func (c *HTTPClient) do(ctx context.Context, method, path, token string, body, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e struct {
			Error     string `json:"error"`
			Code      string `json:"code"`
			RequestID string `json:"request_id"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e); err == nil {
			apiErr.Code, apiErr.RequestID = e.Code, e.RequestID
			if e.Error != "" {
				apiErr.Message = e.Error
			}
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *HTTPClient) Login(ctx context.Context, identifier, secret string) (Tokens, User, error) {
	var out struct {
		Tokens
		User User `json:"user"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"identifier": identifier,
		"secret":     secret,
	}, &out)
	return out.Tokens, out.User, err
}

func (c *HTTPClient) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	var out Tokens
	err := c.do(ctx, http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": refreshToken}, &out)
	return out, err
}

func (c *HTTPClient) Logout(ctx context.Context, accessToken string) error {
	return c.do(ctx, http.MethodPost, "/v1/auth/logout", accessToken, nil, nil)
}

func (c *HTTPClient) Me(ctx context.Context, accessToken string) (User, error) {
	var out User
	err := c.do(ctx, http.MethodGet, "/v1/auth/me", accessToken, nil, &out)
	return out, err
}

func (c *HTTPClient) Memberships(ctx context.Context, accessToken, userID string) ([]Membership, error) {
	var out []Membership
	err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/memberships", accessToken, nil, &out)
	return out, err
}

func (c *HTTPClient) SetPrimary(ctx context.Context, accessToken, userID, tenantID string) error {
	return c.do(ctx, http.MethodPost, "/v1/memberships/primary", accessToken, map[string]string{
		"user_id":   userID,
		"tenant_id": tenantID,
	}, nil)
}

func (c *HTTPClient) Permissions(ctx context.Context, accessToken, tenantID string) ([]string, error) {
	var out struct {
		Permissions []string `json:"permissions"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/tenants/"+url.PathEscape(tenantID)+"/permissions", accessToken, nil, &out)
	return out.Permissions, err
}

// isAuthFailure reports whether err came back from the server as an
// authentication rejection rather than a transport or server failure.
func isAuthFailure(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusUnauthorized
	}
	return auth.Terminal(err)
}
