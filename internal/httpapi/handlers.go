package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"erpcore.dev/internal/auth"
	"erpcore.dev/internal/guard"
	"erpcore.dev/internal/obs"
)

// ReadyProbe проверяет зависимости для /readyz (например, ping БД).
type ReadyProbe interface {
	Ping(ctx context.Context) error
}

// Options настраивает API.
type Options struct {
	Version        string
	Logger         *slog.Logger
	Ready          ReadyProbe
	Policy         *guard.Policy
	AllowedOrigins []string
	// RatePerSecond и RateBurst ограничивают login/refresh по IP.
	RatePerSecond float64
	RateBurst     int
}

// API — HTTP слой auth core.
type API struct {
	mux     *http.ServeMux
	svc     *auth.Service
	log     *slog.Logger
	ready   ReadyProbe
	policy  *guard.Policy
	version string
	origins []string
	limiter *ipLimiter
}

// New builds the API. A nil Policy selects guard.PublicPolicy().
func New(svc *auth.Service, opts Options) (*API, error) {
	if opts.Logger == nil {
		opts.Logger = obs.Discard()
	}
	if opts.Policy == nil {
		p, err := guard.PublicPolicy()
		if err != nil {
			return nil, err
		}
		opts.Policy = p
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 5
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 10
	}
	a := &API{
		mux:     http.NewServeMux(),
		svc:     svc,
		log:     opts.Logger,
		ready:   opts.Ready,
		policy:  opts.Policy,
		version: opts.Version,
		origins: opts.AllowedOrigins,
		limiter: newIPLimiter(opts.RatePerSecond, opts.RateBurst),
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	// health/ready/metrics
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.Handle("POST /v1/auth/login", a.limiter.wrap(http.HandlerFunc(a.handleLogin)))
	a.mux.Handle("POST /v1/auth/refresh", a.limiter.wrap(http.HandlerFunc(a.handleRefresh)))
	a.mux.HandleFunc("POST /v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("GET /v1/auth/me", a.handleMe)

	a.mux.HandleFunc("GET /v1/users/{userID}/memberships", a.handleListMemberships)
	a.mux.HandleFunc("POST /v1/memberships/primary", a.handleSetPrimary)

	a.mux.HandleFunc("GET /v1/tenants/{tenantID}/permissions", a.handleTenantPermissions)
	a.mux.HandleFunc("POST /v1/tenants/{tenantID}/members", a.handleAddMember)
	a.mux.HandleFunc("PUT /v1/tenants/{tenantID}/members/{userID}", a.handleChangeRole)
	a.mux.HandleFunc("DELETE /v1/tenants/{tenantID}/members/{userID}", a.handleRemoveMember)
	a.mux.HandleFunc("PUT /v1/tenants/{tenantID}/roles/{roleID}/permissions", a.handleSetRolePermissions)
}

// Handler возвращает http.Handler со всей цепочкой middleware.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = LoggingJSON(a.log, h)
	h = CORS(a.origins, h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	// оборачиваем весь mux метриками
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "erp-auth",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready.Ping(ctx); err != nil {
			a.log.WarnContext(r.Context(), "readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
