package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/oxygencredits-backend/api/controllers"
	"github.com/angelmondragon/oxygencredits-backend/api/middleware"
	"github.com/angelmondragon/oxygencredits-backend/internal/auth"
	"github.com/angelmondragon/oxygencredits-backend/internal/claims"
	"github.com/angelmondragon/oxygencredits-backend/internal/credits"
	"github.com/angelmondragon/oxygencredits-backend/internal/ledger"
	"github.com/angelmondragon/oxygencredits-backend/internal/marketplace"
	"github.com/angelmondragon/oxygencredits-backend/internal/users"
	"github.com/angelmondragon/oxygencredits-backend/pkg/auth/session"
	"github.com/angelmondragon/oxygencredits-backend/pkg/config"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
	"github.com/angelmondragon/oxygencredits-backend/pkg/metrics"
	"github.com/angelmondragon/oxygencredits-backend/pkg/redis"
	"github.com/angelmondragon/oxygencredits-backend/pkg/vegetation"
)

type rateLimiter interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

// RouterParams carries everything the API surface depends on. Redis,
// Sessions and Analyzer are optional.
type RouterParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       controllers.Pinger
	Redis    *redis.Client
	Sessions session.AccessSessionChecker
	Gatherer prometheus.Gatherer
	HTTP     *metrics.HTTPMetrics

	Auth        auth.Service
	Users       users.Service
	Claims      claims.Service
	Credits     credits.Service
	Marketplace marketplace.Service
	Ledger      ledger.Service
	Analyzer    vegetation.Analyzer
}

func NewRouter(p RouterParams) http.Handler {
	cfg, logg := p.Config, p.Logger

	// Keep absent Redis as untyped nil so the middlewares see it as disabled.
	var (
		rateStore        rateLimiter
		idempotencyStore redis.IdempotencyStore
		redisPinger      controllers.Pinger
	)
	if p.Redis != nil {
		rateStore = p.Redis
		idempotencyStore = p.Redis
		redisPinger = p.Redis
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, p.HTTP),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	loginPolicy := middleware.NewAuthRateLimitPolicy(
		"login",
		cfg.AuthRateLimit.LoginWindow,
		cfg.AuthRateLimit.LoginIPLimit,
		cfg.AuthRateLimit.LoginEmailLimit,
	)
	registerPolicy := middleware.NewAuthRateLimitPolicy(
		"register",
		cfg.AuthRateLimit.RegisterWindow,
		cfg.AuthRateLimit.RegisterIPLimit,
		cfg.AuthRateLimit.RegisterEmailLimit,
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, map[string]controllers.Pinger{
			"database": p.DB,
			"redis":    redisPinger,
		}, logg))
	})
	if p.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(p.Gatherer))
	}

	r.Route("/api/v1/auth", func(r chi.Router) {
		r.With(middleware.AuthRateLimit(registerPolicy, rateStore, logg)).Post("/register", controllers.AuthRegister(p.Auth, logg))
		r.With(middleware.AuthRateLimit(loginPolicy, rateStore, logg)).Post("/login", controllers.AuthLogin(p.Auth, logg))
		r.With(middleware.Auth(cfg.JWT, p.Sessions, logg)).Post("/logout", controllers.AuthLogout(p.Auth, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, p.Sessions, logg))
		r.Use(middleware.Idempotency(idempotencyStore, logg))

		r.Route("/users/me", func(r chi.Router) {
			r.Get("/", controllers.CurrentUser(p.Users, logg))
			r.Put("/wallet", controllers.SetWallet(p.Users, logg))
		})

		r.Route("/claims", func(r chi.Router) {
			r.Get("/", controllers.ListClaims(p.Claims, logg))
			r.Post("/", controllers.SubmitClaim(p.Claims, logg))
			r.Get("/{claimId}", controllers.GetClaim(p.Claims, logg))
			r.Patch("/{claimId}/verify", controllers.VerifyClaim(p.Claims, logg))
			r.Post("/{claimId}/evidence", controllers.AppendEvidence(p.Claims, logg))
		})

		r.Route("/credits", func(r chi.Router) {
			r.With(middleware.RequireRole(logg, enums.RoleVerifier)).Post("/issue", controllers.IssueCredit(p.Credits, logg))
			r.Get("/{userId}", controllers.ListCredits(p.Credits, logg))
		})

		r.Route("/marketplace", func(r chi.Router) {
			r.Get("/", controllers.ListListings(p.Marketplace, logg))
			r.Post("/", controllers.CreateListing(p.Marketplace, logg))
			r.Post("/purchase", controllers.PurchaseListing(p.Marketplace, logg))
			r.Get("/{listingId}", controllers.GetListing(p.Marketplace, logg))
			r.Post("/{listingId}/cancel", controllers.CancelListing(p.Marketplace, logg))
		})

		r.Get("/transactions", controllers.ListTransactions(p.Ledger, logg))
		r.Post("/ndvi-check", controllers.NDVICheck(p.Analyzer, logg))
	})

	return r
}
