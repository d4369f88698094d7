package pg

import (
	"context"
	"fmt"
	"strings"

	"erpcore.dev/internal/auth"
	"erpcore.dev/internal/ids"
)

type roleStore struct{ s *Store }

func (rs roleStore) Create(ctx context.Context, role *auth.Role) error {
	if role.ID == "" || role.Name == "" {
		return auth.ErrInvalidInput
	}
	err := rs.s.q(ctx).QueryRowContext(ctx, `
		insert into roles (id, tenant_id, name, description)
		values ($1, $2, $3, $4)
		returning version, created_at, updated_at
	`, role.ID, nullIfEmpty(role.TenantID), role.Name, role.Description).
		Scan(&role.Version, &role.CreatedAt, &role.UpdatedAt)
	return mapErr(err)
}

func (rs roleStore) Find(ctx context.Context, id string) (*auth.Role, error) {
	var role auth.Role
	err := rs.s.q(ctx).QueryRowContext(ctx, `
		select id, coalesce(tenant_id, ''), name, description, version, created_at, updated_at
		from roles where id = $1
	`, id).Scan(&role.ID, &role.TenantID, &role.Name, &role.Description, &role.Version, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &role, nil
}

func (rs roleStore) Permissions(ctx context.Context, roleID string) ([]auth.Permission, error) {
	rows, err := rs.s.q(ctx).QueryContext(ctx, `
		select p.id, p.resource, p.action, p.description
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.resource, p.action
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.Description); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SetPermissions locks the role row, swaps its permission rows and bumps the
// version in one transaction. Unknown keys abort with auth.ErrNotFound.
func (rs roleStore) SetPermissions(ctx context.Context, roleID string, keys []string) (int64, error) {
	var version int64
	err := rs.s.inTx(ctx, func(q queryer) error {
		if err := q.QueryRowContext(ctx, `select version from roles where id = $1 for update`, roleID).Scan(&version); err != nil {
			return mapErr(err)
		}
		if _, err := q.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
			return err
		}
		if len(keys) > 0 {
			res, err := q.ExecContext(ctx, `
				insert into role_permissions (role_id, permission_id)
				select $1, id from permissions
				where resource || ':' || action = any(string_to_array($2, ','))
			`, roleID, strings.Join(keys, ","))
			if err != nil {
				return mapErr(err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n != int64(len(keys)) {
				return fmt.Errorf("%w: %d of %d permissions exist", auth.ErrNotFound, n, len(keys))
			}
		}
		return q.QueryRowContext(ctx, `
			update roles set version = version + 1, updated_at = now()
			where id = $1
			returning version
		`, roleID).Scan(&version)
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (rs roleStore) EnsurePermissions(ctx context.Context, perms []auth.Permission) error {
	return rs.s.inTx(ctx, func(q queryer) error {
		for _, p := range perms {
			id := p.ID
			if id == "" {
				id = ids.New()
			}
			if _, err := q.ExecContext(ctx, `
				insert into permissions (id, resource, action, description)
				values ($1, $2, $3, $4)
				on conflict (resource, action) do update set description = excluded.description
			`, id, p.Resource, p.Action, p.Description); err != nil {
				return fmt.Errorf("ensure permission %s: %w", p.Key(), err)
			}
		}
		return nil
	})
}
