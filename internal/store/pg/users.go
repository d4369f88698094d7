package pg

import (
	"context"
	"database/sql"
	"strings"

	"erpcore.dev/internal/auth"
)

const userColumns = `id, username, email, display_name, password_hash, is_active, is_verified, created_at, updated_at`

type userStore struct{ q queryer }

func (u userStore) Create(ctx context.Context, user *auth.User) error {
	if user.ID == "" || user.Username == "" {
		return auth.ErrInvalidInput
	}
	err := u.q.QueryRowContext(ctx, `
		insert into users (id, username, email, display_name, password_hash, is_active, is_verified)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning created_at, updated_at
	`, user.ID, user.Username, nullIfEmpty(strings.ToLower(user.Email)), user.DisplayName,
		user.PasswordHash, user.IsActive, user.IsVerified,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	return mapErr(err)
}

func (u userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return u.findOne(ctx, `select `+userColumns+` from users where id = $1`, id)
}

func (u userStore) FindByUsername(ctx context.Context, username string) (*auth.User, error) {
	return u.findOne(ctx, `select `+userColumns+` from users where username = $1`, username)
}

func (u userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return u.findOne(ctx, `select `+userColumns+` from users where email = $1`, strings.ToLower(email))
}

func (u userStore) findOne(ctx context.Context, query string, arg string) (*auth.User, error) {
	var (
		user  auth.User
		email sql.NullString
	)
	err := u.q.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.Username, &email, &user.DisplayName, &user.PasswordHash,
		&user.IsActive, &user.IsVerified, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	user.Email = email.String
	return &user, nil
}

func (u userStore) SetActive(ctx context.Context, userID string, active bool) error {
	res, err := u.q.ExecContext(ctx, `update users set is_active = $2, updated_at = now() where id = $1`, userID, active)
	if err != nil {
		return mapErr(err)
	}
	return expectOne(res)
}

type tenantStore struct{ q queryer }

func (t tenantStore) Create(ctx context.Context, tenant *auth.Tenant) error {
	if tenant.ID == "" || tenant.Code == "" {
		return auth.ErrInvalidInput
	}
	err := t.q.QueryRowContext(ctx, `
		insert into tenants (id, code, name) values ($1, $2, $3)
		returning created_at
	`, tenant.ID, tenant.Code, tenant.Name).Scan(&tenant.CreatedAt)
	return mapErr(err)
}

func (t tenantStore) Find(ctx context.Context, id string) (*auth.Tenant, error) {
	var tenant auth.Tenant
	err := t.q.QueryRowContext(ctx, `select id, code, name, created_at from tenants where id = $1`, id).
		Scan(&tenant.ID, &tenant.Code, &tenant.Name, &tenant.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &tenant, nil
}
