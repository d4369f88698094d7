package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"erpcore.dev/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store implements auth.Store on Postgres through database/sql and pgx.
type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Open connects with the pgx driver.
func Open(dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 10
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = 30 * time.Minute
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Users(ctx context.Context) auth.UserStore { return userStore{s.q(ctx)} }

func (s *Store) Tenants(ctx context.Context) auth.TenantStore { return tenantStore{s.q(ctx)} }

func (s *Store) Memberships(ctx context.Context) auth.MembershipStore {
	return membershipStore{s: s}
}

func (s *Store) Roles(ctx context.Context) auth.RoleStore { return roleStore{s: s} }

func (s *Store) RefreshTokens(ctx context.Context) auth.RefreshTokenStore {
	return tokenStore{s: s}
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// q returns the transaction carried by ctx, or the pool.
func (s *Store) q(ctx context.Context) queryer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// RunInTx runs fn inside one read-committed transaction. Stores obtained from
// the context passed to fn share it. Nested calls join the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit()
}

// inTx is RunInTx handing fn the transaction directly.
func (s *Store) inTx(ctx context.Context, fn func(q queryer) error) error {
	return s.RunInTx(ctx, func(ctx context.Context) error {
		return fn(s.q(ctx))
	})
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// mapErr converts driver errors into auth sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: %s", auth.ErrConflict, pgErr.ConstraintName)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s", auth.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
