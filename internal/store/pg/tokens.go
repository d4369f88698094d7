package pg

import (
	"context"
	"database/sql"
	"time"

	"erpcore.dev/internal/auth"
)

type tokenStore struct{ s *Store }

func (ts tokenStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	_, err := ts.s.q(ctx).ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, family_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, tok.ID, tok.UserID, tok.FamilyID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt)
	return mapErr(err)
}

func (ts tokenStore) Find(ctx context.Context, id string) (*auth.RefreshToken, error) {
	var (
		tok        auth.RefreshToken
		revokedAt  sql.NullTime
		replacedBy sql.NullString
	)
	err := ts.s.q(ctx).QueryRowContext(ctx, `
		select id, user_id, family_id, token_hash, expires_at, created_at, revoked, revoked_at, replaced_by
		from refresh_tokens where id = $1
	`, id).Scan(&tok.ID, &tok.UserID, &tok.FamilyID, &tok.TokenHash, &tok.ExpiresAt, &tok.CreatedAt,
		&tok.Revoked, &revokedAt, &replacedBy)
	if err != nil {
		return nil, mapErr(err)
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		tok.RevokedAt = &t
	}
	tok.ReplacedBy = replacedBy.String
	return &tok, nil
}

// Rotate marks currentID revoked only while it is still unrevoked and inserts
// next in the same transaction. Zero affected rows means another caller won.
func (ts tokenStore) Rotate(ctx context.Context, currentID string, next *auth.RefreshToken, now time.Time) error {
	return ts.s.inTx(ctx, func(q queryer) error {
		res, err := q.ExecContext(ctx, `
			update refresh_tokens
			set revoked = true, revoked_at = $2, replaced_by = $3
			where id = $1 and revoked = false
		`, currentID, now, next.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return auth.ErrTokenAlreadyRotated
		}
		_, err = q.ExecContext(ctx, `
			insert into refresh_tokens (id, user_id, family_id, token_hash, expires_at, created_at)
			values ($1, $2, $3, $4, $5, $6)
		`, next.ID, next.UserID, next.FamilyID, next.TokenHash, next.ExpiresAt, next.CreatedAt)
		return mapErr(err)
	})
}

func (ts tokenStore) RevokeFamily(ctx context.Context, familyID string, now time.Time) (int64, error) {
	res, err := ts.s.q(ctx).ExecContext(ctx, `
		update refresh_tokens set revoked = true, revoked_at = $2
		where family_id = $1 and revoked = false
	`, familyID, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (ts tokenStore) RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	res, err := ts.s.q(ctx).ExecContext(ctx, `
		update refresh_tokens set revoked = true, revoked_at = $2
		where user_id = $1 and revoked = false and expires_at > $2
	`, userID, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (ts tokenStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := ts.s.q(ctx).ExecContext(ctx, `delete from refresh_tokens where expires_at <= $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
