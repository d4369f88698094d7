package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"erpcore.dev/internal/auth"
	"erpcore.dev/internal/cache"
	"erpcore.dev/internal/config"
	"erpcore.dev/internal/guard"
	"erpcore.dev/internal/httpapi"
	"erpcore.dev/internal/obs"
	"erpcore.dev/internal/store/memory"
	"erpcore.dev/internal/store/pg"
)

func main() {
	configPath := flag.String("config", os.Getenv("ERP_AUTH_CONFIG"), "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Logging, obs.Version)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Инициализация observability (регистрация метрик, build_info)
	obs.Init()
	obs.InitBuildInfo(obs.Version, obs.Commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store  auth.Store
		probes readiness
	)
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("using in-memory store; state is lost on restart")
		store = memory.New()
	default:
		pgStore, err := pg.Open(cfg.Database.DSN, pg.Options{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer pgStore.Close()
		store = pgStore
		probes = append(probes, pgStore)
	}

	opts := []auth.ServiceOption{
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithLogger(logger),
	}
	if cfg.Auth.RSA() {
		priv, err := os.ReadFile(cfg.Auth.PrivateKeyFile)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		pub, err := os.ReadFile(cfg.Auth.PublicKeyFile)
		if err != nil {
			return fmt.Errorf("read public key: %w", err)
		}
		opts = append(opts, auth.WithRS256Keys(string(priv), string(pub)), auth.WithKeyID(cfg.Auth.KeyID))
	} else {
		opts = append(opts, auth.WithTokenSecret(cfg.Auth.TokenSecret))
	}

	if cfg.Redis.Addr != "" {
		permCache, client, err := cache.NewRedisPermissionCache(cache.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Auth.PermissionCacheTTL,
		})
		if err != nil {
			return fmt.Errorf("redis cache: %w", err)
		}
		defer client.Close()
		probes = append(probes, redisProbe{client})
		opts = append(opts, auth.WithPermissionCache(permCache))
		logger.Info("permission cache: redis", "addr", cfg.Redis.Addr)
	} else {
		opts = append(opts, auth.WithPermissionCache(auth.NewMemoryPermissionCache(cfg.Auth.PermissionCacheTTL, 0)))
	}

	svc, err := auth.NewService(store, opts...)
	if err != nil {
		return fmt.Errorf("auth service: %w", err)
	}
	bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = svc.EnsureBuiltins(bootCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ensure builtin permissions: %w", err)
	}

	policy, err := guard.PublicPolicy(cfg.Guard.PublicPrefixes...)
	if err != nil {
		return fmt.Errorf("guard policy: %w", err)
	}
	apiOpts := httpapi.Options{
		Version:        obs.Version,
		Logger:         logger,
		Policy:         policy,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RatePerSecond:  cfg.RateLimit.RPS,
		RateBurst:      cfg.RateLimit.Burst,
	}
	if len(probes) > 0 {
		apiOpts.Ready = probes
	}
	api, err := httpapi.New(svc, apiOpts)
	if err != nil {
		return fmt.Errorf("http api: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting erp-auth", "addr", srv.Addr, "store", cfg.Database.Driver, "commit", obs.Commit)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}

// readiness pings every backing service.
type readiness []httpapi.ReadyProbe

func (r readiness) Ping(ctx context.Context) error {
	for _, p := range r {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

type redisProbe struct{ c *redis.Client }

func (p redisProbe) Ping(ctx context.Context) error { return p.c.Ping(ctx).Err() }
