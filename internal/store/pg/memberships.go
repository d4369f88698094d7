package pg

import (
	"context"

	"erpcore.dev/internal/auth"
)

const membershipSelect = `
	select m.user_id, m.tenant_id, t.code, t.name, m.role_id, r.name, m.is_primary, m.is_active, m.created_at
	from memberships m
	join tenants t on t.id = m.tenant_id
	join roles r on r.id = m.role_id`

type membershipStore struct{ s *Store }

type scanner interface{ Scan(dest ...any) error }

func scanMembership(row scanner) (auth.Membership, error) {
	var m auth.Membership
	err := row.Scan(&m.UserID, &m.TenantID, &m.TenantCode, &m.TenantName, &m.RoleID, &m.RoleName,
		&m.IsPrimary, &m.IsActive, &m.CreatedAt)
	return m, err
}

func (ms membershipStore) List(ctx context.Context, userID string) ([]auth.Membership, error) {
	rows, err := ms.s.q(ctx).QueryContext(ctx, membershipSelect+`
		where m.user_id = $1
		order by m.is_primary desc, t.name, t.id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (ms membershipStore) Find(ctx context.Context, userID, tenantID string) (*auth.Membership, error) {
	m, err := scanMembership(ms.s.q(ctx).QueryRowContext(ctx, membershipSelect+`
		where m.user_id = $1 and m.tenant_id = $2
	`, userID, tenantID))
	if err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

// lockUser serialises membership mutations of one user.
func lockUser(ctx context.Context, q queryer, userID string) error {
	var id string
	return mapErr(q.QueryRowContext(ctx, `select id from users where id = $1 for update`, userID).Scan(&id))
}

func (ms membershipStore) Add(ctx context.Context, m *auth.Membership) error {
	return ms.s.inTx(ctx, func(q queryer) error {
		if err := lockUser(ctx, q, m.UserID); err != nil {
			return err
		}
		err := q.QueryRowContext(ctx, `
			insert into memberships (user_id, tenant_id, role_id, is_primary, is_active)
			values ($1, $2, $3, not exists (select 1 from memberships where user_id = $1), $4)
			returning is_primary, created_at
		`, m.UserID, m.TenantID, m.RoleID, m.IsActive).Scan(&m.IsPrimary, &m.CreatedAt)
		return mapErr(err)
	})
}

func (ms membershipStore) SetPrimary(ctx context.Context, userID, tenantID string) error {
	return ms.s.inTx(ctx, func(q queryer) error {
		if err := lockUser(ctx, q, userID); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `
			update memberships set is_primary = false
			where user_id = $1 and is_primary and tenant_id <> $2
		`, userID, tenantID); err != nil {
			return mapErr(err)
		}
		res, err := q.ExecContext(ctx, `
			update memberships set is_primary = true
			where user_id = $1 and tenant_id = $2
		`, userID, tenantID)
		if err != nil {
			return mapErr(err)
		}
		return expectOne(res)
	})
}

func (ms membershipStore) SetRole(ctx context.Context, userID, tenantID, roleID string) error {
	res, err := ms.s.q(ctx).ExecContext(ctx, `
		update memberships set role_id = $3
		where user_id = $1 and tenant_id = $2
	`, userID, tenantID, roleID)
	if err != nil {
		return mapErr(err)
	}
	return expectOne(res)
}

func (ms membershipStore) Remove(ctx context.Context, userID, tenantID string) error {
	return ms.s.inTx(ctx, func(q queryer) error {
		if err := lockUser(ctx, q, userID); err != nil {
			return err
		}
		var wasPrimary bool
		err := q.QueryRowContext(ctx, `
			delete from memberships where user_id = $1 and tenant_id = $2
			returning is_primary
		`, userID, tenantID).Scan(&wasPrimary)
		if err != nil {
			return mapErr(err)
		}
		if !wasPrimary {
			return nil
		}
		_, err = q.ExecContext(ctx, `
			update memberships set is_primary = true
			where user_id = $1 and tenant_id = (
				select tenant_id from memberships where user_id = $1
				order by created_at, tenant_id
				limit 1
			)
		`, userID)
		return mapErr(err)
	})
}
