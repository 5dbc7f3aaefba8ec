// server.go — Playback controller service: server struct, DB connection,
// route registration.
//
// The service decides whether a user/device may begin streaming a title,
// at what quality, and for how long; enforces per-account device and
// concurrent-stream limits; and mints the short-lived credentials the
// storage gateway trusts.
package playback

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"github.com/perchtv/perch/internal/account"
	"github.com/perchtv/perch/internal/auth"
	"github.com/perchtv/perch/internal/catalog"
	"github.com/perchtv/perch/internal/config"
	"github.com/perchtv/perch/internal/credential"
	"github.com/perchtv/perch/internal/entitlement"
	"github.com/perchtv/perch/internal/guard"
	"github.com/perchtv/perch/internal/metrics"
	"github.com/perchtv/perch/internal/position"
	"github.com/perchtv/perch/internal/ratelimit"
	"github.com/perchtv/perch/internal/telemetry"
)

// SignedURLProvider is the slice of the storage collaborator the playback
// path needs: pre-signed retrieval URLs. The upload and delete variants
// belong to the encoding pipeline.
type SignedURLProvider interface {
	RequestDownloadURL(key string, ttl time.Duration) (string, error)
}

// Server holds all shared dependencies for the playback service.
type Server struct {
	db      *sql.DB
	logger  *slog.Logger
	dev     bool // development mode: error responses include detail
	credTTL time.Duration

	entitlements *entitlement.Resolver
	guard        *guard.Guard
	issuer       *credential.Issuer
	blob         SignedURLProvider
	catalog      catalog.Catalog
	ledger       *position.Ledger
	limiter      *ratelimit.Limiter
}

// NewServer wires the playback service from its collaborators.
func NewServer(cfg *config.Config, db *sql.DB, blob SignedURLProvider, log *slog.Logger) (*Server, error) {
	issuer, err := credential.NewIssuer(cfg.StreamSecret, nil)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	accounts := account.Store(account.NewPGStore(db))
	s := &Server{
		db:      db,
		logger:  log,
		dev:     !cfg.IsProduction(),
		credTTL: cfg.CredentialTTL,

		entitlements: entitlement.NewResolver(entitlement.NewPGSource(db), nil),
		guard:        guard.New(accounts, cfg.CredentialTTL, nil),
		issuer:       issuer,
		blob:         blob,
		catalog:      catalog.NewPGCatalog(db),
		ledger:       position.NewLedger(position.NewPGStore(db), nil),
		limiter:      ratelimit.New(nil),
	}

	// Redis is optional — rate limiting degrades gracefully without it.
	if cfg.RedisURL != "" {
		opt, err := goredis.ParseURL(cfg.RedisURL)
		if err == nil {
			s.limiter = ratelimit.New(ratelimit.NewRedisStore(goredis.NewClient(opt)))
		}
	}

	return s, nil
}

// ConnectDB opens and verifies a Postgres connection.
func ConnectDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(15)
	db.SetMaxIdleConns(5)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return db, db.PingContext(ctx)
}

// Routes builds and returns the chi router with all playback endpoints
// registered.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(telemetry.PanicRecoveryMiddleware("playback"))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Stream admission — entitlement, concurrency, credential issuance.
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return auth.RequireAuth(next) })

		r.Get("/stream/movie/{id}", s.handleStreamMovie)
		r.Get("/stream/episode/{id}", s.handleStreamEpisode)
		r.Get("/stream/qualities", s.handleQualities)
		r.Post("/stream/stop", s.handleStreamStop)

		// Playback position ledger.
		r.Get("/stream/playback-position", s.handleGetPosition)
		r.Post("/stream/playback-position", s.handleUpdatePosition)

		// Device lifecycle.
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/", s.handleRegisterDevice)
			r.Delete("/", s.handleRevokeAllDevices)
			r.Patch("/{id}", s.handleRenameDevice)
			r.Delete("/{id}", s.handleRevokeDevice)
		})
	})

	return r
}

// handleHealth returns service liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "perch-playback",
	})
}
