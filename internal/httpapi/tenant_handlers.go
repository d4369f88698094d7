package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"erpcore.dev/internal/auth"
)

type membershipResponse struct {
	TenantID   string `json:"tenant_id"`
	TenantCode string `json:"tenant_code"`
	TenantName string `json:"tenant_name"`
	RoleID     string `json:"role_id"`
	RoleName   string `json:"role_name"`
	IsPrimary  bool   `json:"is_primary"`
}

func newMembershipResponse(m auth.Membership) membershipResponse {
	return membershipResponse{
		TenantID:   m.TenantID,
		TenantCode: m.TenantCode,
		TenantName: m.TenantName,
		RoleID:     m.RoleID,
		RoleName:   m.RoleName,
		IsPrimary:  m.IsPrimary,
	}
}

type setPrimaryRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
	RoleID string `json:"role_id"`
}

type changeRoleRequest struct {
	RoleID string `json:"role_id"`
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type rolePermissionsResponse struct {
	RoleID      string   `json:"role_id"`
	Version     int64    `json:"version"`
	Permissions []string `json:"permissions"`
}

type permissionsResponse struct {
	TenantID    string   `json:"tenant_id"`
	Permissions []string `json:"permissions"`
}

// handleListMemberships lists the caller's own memberships.
func (a *API) handleListMemberships(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	userID := r.PathValue("userID")
	if userID != p.UserID() {
		a.handleError(w, r, auth.ErrPermissionDenied)
		return
	}
	list, err := a.svc.Memberships().ListMemberships(r.Context(), userID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	out := make([]membershipResponse, 0, len(list))
	for _, m := range list {
		if m.IsActive {
			out = append(out, newMembershipResponse(m))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleSetPrimary(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	var req setPrimaryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.TenantID == "" {
		badRequest(w, r, "tenant_id is required")
		return
	}
	if req.UserID == "" {
		req.UserID = p.UserID()
	}
	if req.UserID != p.UserID() {
		a.handleError(w, r, auth.ErrPermissionDenied)
		return
	}
	if err := a.svc.Memberships().SetPrimaryTenant(r.Context(), req.UserID, req.TenantID); err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "primary tenant updated"})
}

func (a *API) handleTenantPermissions(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	tenantID := r.PathValue("tenantID")
	set, err := a.svc.Permissions().Resolve(r.Context(), p.UserID(), tenantID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, permissionsResponse{TenantID: tenantID, Permissions: set.Keys()})
}

func (a *API) handleAddMember(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	caller, err := a.requireTenantPermission(r, tenantID, auth.PermMembershipManage)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	var req addMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.UserID == "" || req.RoleID == "" {
		badRequest(w, r, "user_id and role_id are required")
		return
	}
	m, err := a.svc.Memberships().AddMember(r.Context(), req.UserID, tenantID, req.RoleID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	a.log.InfoContext(r.Context(), "member added",
		"actor_id", caller.UserID(), "user_id", req.UserID, "tenant_id", tenantID, "role_id", req.RoleID)
	w.Header().Set("Location", fmt.Sprintf("/v1/tenants/%s/members/%s", tenantID, req.UserID))
	writeJSON(w, http.StatusCreated, newMembershipResponse(*m))
}

func (a *API) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := r.PathValue("tenantID"), r.PathValue("userID")
	caller, err := a.requireTenantPermission(r, tenantID, auth.PermMembershipManage)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	var req changeRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.RoleID == "" {
		badRequest(w, r, "role_id is required")
		return
	}
	if err := a.svc.Memberships().ChangeRole(r.Context(), userID, tenantID, req.RoleID); err != nil {
		a.handleError(w, r, err)
		return
	}
	a.log.InfoContext(r.Context(), "member role changed",
		"actor_id", caller.UserID(), "user_id", userID, "tenant_id", tenantID, "role_id", req.RoleID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "role updated"})
}

func (a *API) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := r.PathValue("tenantID"), r.PathValue("userID")
	caller, err := a.requireTenantPermission(r, tenantID, auth.PermMembershipManage)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if err := a.svc.Memberships().RemoveMember(r.Context(), userID, tenantID); err != nil {
		a.handleError(w, r, err)
		return
	}
	a.log.InfoContext(r.Context(), "member removed",
		"actor_id", caller.UserID(), "user_id", userID, "tenant_id", tenantID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	tenantID, roleID := r.PathValue("tenantID"), r.PathValue("roleID")
	if _, err := a.requireTenantPermission(r, tenantID, auth.PermRoleManage); err != nil {
		a.handleError(w, r, err)
		return
	}
	var req rolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.Permissions == nil {
		badRequest(w, r, "permissions is required")
		return
	}
	version, err := a.svc.Permissions().SetRolePermissions(r.Context(), tenantID, roleID, req.Permissions)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	trimmed := make([]string, 0, len(req.Permissions))
	for _, k := range req.Permissions {
		trimmed = append(trimmed, strings.TrimSpace(k))
	}
	writeJSON(w, http.StatusOK, rolePermissionsResponse{
		RoleID:      roleID,
		Version:     version,
		Permissions: auth.PermissionSetOf(trimmed...).Keys(),
	})
}
