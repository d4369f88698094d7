package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"erpcore.dev/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestRotateCompareAndSwap(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	next := &auth.RefreshToken{ID: "next", UserID: "u1", FamilyID: "fam", TokenHash: "h", ExpiresAt: now.Add(time.Hour), CreatedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens\\s+set revoked = true, revoked_at = \\$2, replaced_by = \\$3\\s+where id = \\$1 and revoked = false").
		WithArgs("cur", now, "next").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into refresh_tokens").
		WithArgs("next", "u1", "fam", "h", next.ExpiresAt, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.RefreshTokens(context.Background()).Rotate(context.Background(), "cur", next, now); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRotateLostRace(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens").
		WithArgs("cur", now, "next").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.RefreshTokens(context.Background()).Rotate(context.Background(), "cur", &auth.RefreshToken{ID: "next"}, now)
	if !errors.Is(err, auth.ErrTokenAlreadyRotated) {
		t.Fatalf("expected ErrTokenAlreadyRotated, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindRefreshToken(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "user_id", "family_id", "token_hash", "expires_at", "created_at", "revoked", "revoked_at", "replaced_by"}).
		AddRow("t1", "u1", "fam", "hash", now.Add(time.Hour), now, true, now, "t2")
	mock.ExpectQuery("select id, user_id, family_id, token_hash.*from refresh_tokens where id = \\$1").
		WithArgs("t1").WillReturnRows(rows)
	mock.ExpectQuery("from refresh_tokens where id = \\$1").
		WithArgs("missing").WillReturnError(sql.ErrNoRows)

	tok, err := s.RefreshTokens(ctx).Find(ctx, "t1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !tok.Revoked || tok.RevokedAt == nil || tok.ReplacedBy != "t2" || tok.FamilyID != "fam" {
		t.Fatalf("unexpected token: %+v", tok)
	}
	if _, err := s.RefreshTokens(ctx).Find(ctx, "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRevokeFamilyAndUser(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectExec("update refresh_tokens set revoked = true, revoked_at = \\$2\\s+where family_id = \\$1 and revoked = false").
		WithArgs("fam", now).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("where user_id = \\$1 and revoked = false and expires_at > \\$2").
		WithArgs("u1", now).WillReturnResult(sqlmock.NewResult(0, 2))

	if n, err := s.RefreshTokens(ctx).RevokeFamily(ctx, "fam", now); err != nil || n != 3 {
		t.Fatalf("revoke family: %d %v", n, err)
	}
	if n, err := s.RefreshTokens(ctx).RevokeAllForUser(ctx, "u1", now); err != nil || n != 2 {
		t.Fatalf("revoke user: %d %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetPrimaryLocksUserAndSwapsInOneTx(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("select id from users where id = \\$1 for update").
		WithArgs("u1").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectExec("update memberships set is_primary = false\\s+where user_id = \\$1 and is_primary and tenant_id <> \\$2").
		WithArgs("u1", "t2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update memberships set is_primary = true\\s+where user_id = \\$1 and tenant_id = \\$2").
		WithArgs("u1", "t2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.Memberships(ctx).SetPrimary(ctx, "u1", "t2"); err != nil {
		t.Fatalf("set primary: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetPrimaryMissingMembershipRollsBack(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("for update").WithArgs("u1").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectExec("set is_primary = false").WithArgs("u1", "t9").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("set is_primary = true").WithArgs("u1", "t9").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if err := s.Memberships(ctx).SetPrimary(ctx, "u1", "t9"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddMembershipFirstIsPrimary(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("for update").WithArgs("u1").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectQuery("insert into memberships.*not exists \\(select 1 from memberships where user_id = \\$1\\)").
		WithArgs("u1", "t1", "r1", true).
		WillReturnRows(sqlmock.NewRows([]string{"is_primary", "created_at"}).AddRow(true, now))
	mock.ExpectCommit()

	m := &auth.Membership{UserID: "u1", TenantID: "t1", RoleID: "r1", IsActive: true}
	if err := s.Memberships(ctx).Add(ctx, m); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !m.IsPrimary {
		t.Fatalf("expected primary flag from insert")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddMembershipDuplicate(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("for update").WithArgs("u1").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectQuery("insert into memberships").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "memberships_pkey"})
	mock.ExpectRollback()

	err := s.Memberships(ctx).Add(ctx, &auth.Membership{UserID: "u1", TenantID: "t1", RoleID: "r1"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestRemovePrimaryPromotesOldest(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("for update").WithArgs("u1").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectQuery("delete from memberships where user_id = \\$1 and tenant_id = \\$2\\s+returning is_primary").
		WithArgs("u1", "t1").WillReturnRows(sqlmock.NewRows([]string{"is_primary"}).AddRow(true))
	mock.ExpectExec("update memberships set is_primary = true.*order by created_at, tenant_id").
		WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.Memberships(ctx).Remove(ctx, "u1", "t1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListMemberships(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	now := time.Now()

	cols := []string{"user_id", "tenant_id", "code", "name", "role_id", "role_name", "is_primary", "is_active", "created_at"}
	mock.ExpectQuery("from memberships m\\s+join tenants t on t.id = m.tenant_id.*order by m.is_primary desc, t.name, t.id").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("u1", "t1", "north", "North", "r1", "Viewer", true, true, now).
			AddRow("u1", "t2", "south", "South", "r2", "Admin", false, true, now))

	list, err := s.Memberships(ctx).List(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || !list[0].IsPrimary || list[1].RoleName != "Admin" {
		t.Fatalf("unexpected memberships: %+v", list)
	}
}

func TestSetRolePermissionsBumpsVersion(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("select version from roles where id = \\$1 for update").
		WithArgs("r1").WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(4))
	mock.ExpectExec("delete from role_permissions where role_id = \\$1").
		WithArgs("r1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into role_permissions").
		WithArgs("r1", "po:approve,po:read").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery("update roles set version = version \\+ 1").
		WithArgs("r1").WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(5))
	mock.ExpectCommit()

	v, err := s.Roles(ctx).SetPermissions(ctx, "r1", []string{"po:approve", "po:read"})
	if err != nil {
		t.Fatalf("set permissions: %v", err)
	}
	if v != 5 {
		t.Fatalf("expected version 5, got %d", v)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetRolePermissionsUnknownKeyRollsBack(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("for update").WithArgs("r1").WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectExec("delete from role_permissions").WithArgs("r1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into role_permissions").WithArgs("r1", "ghost:x,po:read").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	if _, err := s.Roles(ctx).SetPermissions(ctx, "r1", []string{"ghost:x", "po:read"}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindRoleGlobal(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectQuery("select id, coalesce\\(tenant_id, ''\\), name, description, version").
		WithArgs("viewer").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "description", "version", "created_at", "updated_at"}).
			AddRow("viewer", "", "Viewer", "", 2, now, now))

	role, err := s.Roles(ctx).Find(ctx, "viewer")
	if err != nil {
		t.Fatalf("find role: %v", err)
	}
	if !role.Global() || role.Version != 2 {
		t.Fatalf("unexpected role: %+v", role)
	}
}

func TestCreateUserConflict(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery("insert into users").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "users_username_key"})

	err := s.Users(ctx).Create(ctx, &auth.User{ID: "u1", Username: "alice", Email: "Alice@Example.com"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestFindUserByEmailLowercases(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectQuery("from users where email = \\$1").
		WithArgs("alice@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "display_name", "password_hash", "is_active", "is_verified", "created_at", "updated_at"}).
			AddRow("u1", "alice", "alice@example.com", "Alice", "hash", true, true, now, now))

	u, err := s.Users(ctx).FindByEmail(ctx, "Alice@Example.COM")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if u.ID != "u1" || !u.IsActive {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestRunInTxNested(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens set revoked = true").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from refresh_tokens where expires_at <= \\$1").WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	var purged int64
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := s.RefreshTokens(ctx).RevokeFamily(ctx, "fam", now); err != nil {
			return err
		}
		var err error
		purged, err = s.RefreshTokens(ctx).PurgeExpired(ctx, now)
		return err
	})
	if err != nil || purged != 4 {
		t.Fatalf("tx: %d %v", purged, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
