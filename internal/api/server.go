// Package api serves the HTTP surface: the PBX webhook, the OAuth
// callback, health, metrics and the admin API.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/pbxlink/pbxlink/internal/ami"
	"github.com/pbxlink/pbxlink/internal/api/middleware"
	"github.com/pbxlink/pbxlink/internal/database"
	"github.com/pbxlink/pbxlink/internal/syncer"
)

const (
	webhookRPS   = 5
	webhookBurst = 10

	maxWebhookBody = 64 << 10
)

// AMIStatus is the slice of the AMI client the health endpoint reads.
type AMIStatus interface {
	Status() (ami.State, string)
}

// SessionStats reports in-flight call sessions.
type SessionStats interface {
	ActiveCount() int
}

// SyncManager is the slice of the orchestrator the API drives.
type SyncManager interface {
	Enqueue(fact syncer.CallFact)
	QueueDepth() int
	Paused() bool
	Resume()
	Redrive(ctx context.Context, id string) error
}

// TokenManager is the slice of the token store the OAuth and health
// handlers use.
type TokenManager interface {
	Exchange(ctx context.Context, code string) error
	Authorized(ctx context.Context) bool
	Valid(ctx context.Context) bool
	AuthorizeURL() string
}

// Config holds API settings.
type Config struct {
	AdminJWTSecret     string
	DefaultCountryCode string
}

// Server holds the handler dependencies and builds the router.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	amiConn  AMIStatus // nil when the AMI listener is disabled
	sessions SessionStats
	sync     SyncManager
	tokens   TokenManager

	callLogs    database.CallLogRepository
	deadLetters database.DeadLetterRepository

	metricsHandler http.Handler
	webhookLimiter *middleware.RateLimiter
}

// NewServer wires the HTTP layer over the running components.
func NewServer(cfg Config, amiConn AMIStatus, sessions SessionStats, sync SyncManager, tokens TokenManager, callLogs database.CallLogRepository, deadLetters database.DeadLetterRepository, metricsHandler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		cfg:            cfg,
		logger:         logger.With("subsystem", "api"),
		amiConn:        amiConn,
		sessions:       sessions,
		sync:           sync,
		tokens:         tokens,
		callLogs:       callLogs,
		deadLetters:    deadLetters,
		metricsHandler: metricsHandler,
		webhookLimiter: middleware.NewRateLimiter(webhookRPS, webhookBurst),
	}
}

// Run keeps the rate limiter pruned until ctx is canceled.
func (s *Server) Run(ctx context.Context) {
	s.webhookLimiter.Run(ctx)
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.StructuredLogger(s.logger))

	r.Get("/health", s.handleHealth)
	r.Get("/oauth", s.handleOAuth)
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.webhookLimiter.Middleware)
		r.Post("/webhook/call", s.handleWebhookCall)
	})

	if s.cfg.AdminJWTSecret != "" {
		r.Route("/api/v1", func(r chi.Router) {
			r.Use(middleware.RequireJWT(s.cfg.AdminJWTSecret))
			r.Get("/calls", s.handleListCalls)
			r.Get("/dead-letters", s.handleListDeadLetters)
			r.Post("/dead-letters/{id}/redrive", s.handleRedriveDeadLetter)
			r.Delete("/dead-letters/{id}", s.handleDeleteDeadLetter)
		})
	}

	return r
}
