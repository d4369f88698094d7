package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"erpcore.dev/internal/obs"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	// lockKey serialises concurrent migrate runs against one database.
	lockKey int64 = 0x6572705f61757468
)

// ErrNoMigrations is returned by Down when nothing has been applied.
var ErrNoMigrations = errors.New("migrate: no migrations applied")

// Manager applies SQL migrations and seed files read from an fs.FS.
// Migrations are <name>.up.sql with an optional <name>.down.sql; every
// file runs in its own transaction together with its bookkeeping row.
type Manager struct {
	db              *sql.DB
	migrations      fs.FS
	seeds           fs.FS
	migrationsTable string
	seedsTable      string
	log             *slog.Logger
	lock            bool
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// WithLogger logs every applied file.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithoutLock skips the session advisory lock.
func WithoutLock() Option {
	return func(m *Manager) { m.lock = false }
}

// NewManager constructs a Manager. A nil seeds FS disables Seed.
func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrations:      migrations,
		seeds:           seeds,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		log:             obs.Discard(),
		lock:            true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations in name order and returns what it applied.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	var applied []string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		executed, err := m.listExecuted(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		files, err := collectSQL(m.migrations, ".up.sql")
		if err != nil {
			return err
		}
		for _, mig := range files {
			if executed[mig] {
				continue
			}
			if err := m.apply(ctx, conn, m.migrations, mig, m.migrationsTable, false); err != nil {
				return fmt.Errorf("apply migration %s: %w", mig, err)
			}
			m.log.InfoContext(ctx, "migration applied", "name", mig)
			applied = append(applied, mig)
		}
		return nil
	})
	return applied, err
}

// Down rolls back the most recently applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	var last string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		executed, err := m.history(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		if len(executed) == 0 {
			return ErrNoMigrations
		}
		last = executed[len(executed)-1]
		down := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(m.migrations, down); err != nil {
			return fmt.Errorf("missing down migration for %s", last)
		}
		if err := m.run(ctx, conn, m.migrations, down, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), last)
			return err
		}); err != nil {
			return fmt.Errorf("rollback migration %s: %w", last, err)
		}
		m.log.InfoContext(ctx, "migration rolled back", "name", last)
		return nil
	})
	return last, err
}

// Status lists every known migration with whether it has been applied.
// Applied entries come first in application order.
func (m *Manager) Status(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.historyAt(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		files, err := collectSQL(m.migrations, ".up.sql")
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(applied))
		for _, e := range applied {
			seen[e.Name] = true
			out = append(out, e)
		}
		for _, f := range files {
			if !seen[f] {
				out = append(out, Entry{Name: f})
			}
		}
		return nil
	})
	return out, err
}

// Entry is one line of Status.
type Entry struct {
	Name      string
	AppliedAt time.Time
}

// Applied reports whether the migration has run.
func (e Entry) Applied() bool { return !e.AppliedAt.IsZero() }

// Seed applies seed files idempotently and returns what it applied.
func (m *Manager) Seed(ctx context.Context) ([]string, error) {
	if m.seeds == nil {
		return nil, nil
	}
	var applied []string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		executed, err := m.listExecuted(ctx, conn, m.seedsTable)
		if err != nil {
			return err
		}
		files, err := collectSQL(m.seeds, ".sql")
		if err != nil {
			return err
		}
		for _, seed := range files {
			if executed[seed] {
				continue
			}
			if err := m.apply(ctx, conn, m.seeds, seed, m.seedsTable, true); err != nil {
				return fmt.Errorf("apply seed %s: %w", seed, err)
			}
			m.log.InfoContext(ctx, "seed applied", "name", seed)
			applied = append(applied, seed)
		}
		return nil
	})
	return applied, err
}

// locked pins one connection, takes the advisory lock on it and makes sure
// the bookkeeping tables exist before running fn.
func (m *Manager) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if m.lock {
		if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, lockKey); err != nil {
			return fmt.Errorf("migrate: acquire lock: %w", err)
		}
		defer func() {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), `select pg_advisory_unlock($1)`, lockKey)
		}()
	}
	if err := m.ensureTables(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

func (m *Manager) ensureTables(ctx context.Context, conn *sql.Conn) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		);`, table)
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) apply(ctx context.Context, conn *sql.Conn, fsys fs.FS, name, table string, seed bool) error {
	return m.run(ctx, conn, fsys, name, func(tx *sql.Tx) error {
		q := fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, table)
		if seed {
			q += ` on conflict (name) do nothing`
		}
		_, err := tx.ExecContext(ctx, q, name, time.Now().UTC())
		return err
	})
}

// run executes every statement of name and then record in one transaction.
func (m *Manager) run(ctx context.Context, conn *sql.Conn, fsys fs.FS, name string, record func(*sql.Tx) error) error {
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(raw)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) listExecuted(ctx context.Context, conn *sql.Conn, table string) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`select name from %s`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		result[name] = true
	}
	return result, rows.Err()
}

func (m *Manager) history(ctx context.Context, conn *sql.Conn, table string) ([]string, error) {
	entries, err := m.historyAt(ctx, conn, table)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}

func (m *Manager) historyAt(ctx context.Context, conn *sql.Conn, table string) ([]Entry, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`select name, applied_at from %s order by applied_at asc, name asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Name, &e.AppliedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// collectSQL lists files with suffix in the root of fsys, sorted by name.
func collectSQL(fsys fs.FS, suffix string) ([]string, error) {
	if fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		// a seeds dir may sit next to migrations; never treat .down.sql as a seed
		if suffix == ".sql" && strings.HasSuffix(e.Name(), ".down.sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// splitStatements splits SQL on semicolons outside quotes, dollar-quoted
// bodies and comments. Comment-only fragments are dropped.
func splitStatements(src string) []string {
	var (
		stmts   []string
		current strings.Builder
		dollar  string
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" && !onlyComments(s) {
			stmts = append(stmts, s)
		}
		current.Reset()
	}
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case dollar != "":
			if strings.HasPrefix(src[i:], dollar) {
				current.WriteString(dollar)
				i += len(dollar) - 1
				dollar = ""
				continue
			}
			current.WriteByte(c)
		case c == '\'':
			j := i + 1
			for j < len(src) {
				if src[j] == '\'' {
					if j+1 < len(src) && src[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			if j >= len(src) {
				current.WriteString(src[i:])
				i = len(src)
				continue
			}
			current.WriteString(src[i : j+1])
			i = j
		case c == '-' && strings.HasPrefix(src[i:], "--"):
			nl := strings.IndexByte(src[i:], '\n')
			if nl < 0 {
				current.WriteString(src[i:])
				i = len(src)
				continue
			}
			current.WriteString(src[i : i+nl+1])
			i += nl
		case c == '$':
			if tag, ok := dollarTag(src[i:]); ok {
				dollar = tag
				current.WriteString(tag)
				i += len(tag) - 1
				continue
			}
			current.WriteByte(c)
		case c == ';':
			current.WriteByte(c)
			flush()
		default:
			current.WriteByte(c)
		}
	}
	flush()
	return stmts
}

// dollarTag recognises $$ and $name$ at the start of s.
func dollarTag(s string) (string, bool) {
	end := strings.IndexByte(s[1:], '$')
	if end < 0 {
		return "", false
	}
	tag := s[:end+2]
	for _, r := range tag[1 : len(tag)-1] {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return "", false
		}
	}
	if len(tag) > 2 && tag[1] >= '0' && tag[1] <= '9' {
		// $1 is a placeholder
		return "", false
	}
	return tag, true
}

func onlyComments(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
