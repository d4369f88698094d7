package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"erpcore.dev/internal/config"
	"erpcore.dev/internal/migrate"
	"erpcore.dev/internal/obs"
	"erpcore.dev/internal/store/pg"
	"erpcore.dev/ops/migrations"
)

const usage = "usage: migrate [-dsn DSN] [-migrations DIR] [-seeds DIR] up|down|seed|status|purge-tokens"

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("ERP_AUTH_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Directory of SQL migrations (default: embedded)")
		seedsPath      = flag.String("seeds", "", "Directory of SQL seeds (default: embedded)")
		timeout        = flag.Duration("timeout", 60*time.Second, "Overall timeout")
		logLevel       = flag.String("log-level", "info", "Log level")
	)
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or ERP_AUTH_PG_DSN")
	}
	if flag.NArg() != 1 {
		log.Fatal(usage)
	}
	logger := obs.NewLogger(config.LoggingConfig{Level: *logLevel, Format: "text", Output: "stderr"}, obs.Version)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn, pg.Options{MaxOpenConns: 2})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(),
		source(*migrationsPath, migrations.SQL()),
		source(*seedsPath, migrations.Seeds()),
		migrate.WithLogger(logger),
	)

	cmd := flag.Arg(0)
	if err := run(ctx, cmd, mgr, store); err != nil {
		if errors.Is(err, migrate.ErrNoMigrations) {
			fmt.Println("nothing to roll back")
			return
		}
		log.Fatalf("migrate %s: %v", cmd, err)
	}
}

func source(dir string, embedded fs.FS) fs.FS {
	if dir == "" {
		return embedded
	}
	return os.DirFS(dir)
}

func run(ctx context.Context, cmd string, mgr *migrate.Manager, store *pg.Store) error {
	switch cmd {
	case "up":
		applied, err := mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
		if err == nil && len(applied) == 0 {
			fmt.Println("schema is up to date")
		}
		return err
	case "down":
		name, err := mgr.Down(ctx)
		if err == nil {
			fmt.Println("rolled back", name)
		}
		return err
	case "seed":
		applied, err := mgr.Seed(ctx)
		for _, name := range applied {
			fmt.Println("seeded", name)
		}
		return err
	case "status":
		entries, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Applied() {
				fmt.Printf("%-40s applied %s\n", e.Name, e.AppliedAt.UTC().Format(time.RFC3339))
			} else {
				fmt.Printf("%-40s pending\n", e.Name)
			}
		}
		return nil
	case "purge-tokens":
		n, err := store.RefreshTokens(ctx).PurgeExpired(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		fmt.Printf("purged %d expired refresh tokens\n", n)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
