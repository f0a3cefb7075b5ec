package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/bluefermion/issuecapture/internal/middleware"
)

// RouterOptions carries the collaborators of the HTTP surface.
type RouterOptions struct {
	Issues *IssueHandler
	// Health checks reported by GET /health, keyed by name.
	Health map[string]middleware.HealthChecker
	// Metrics serves GET /metrics; nil leaves the route unregistered.
	Metrics http.Handler
	// Limiter throttles submissions per client IP; nil disables it.
	Limiter        *middleware.RateLimiter
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter assembles the routes and the middleware chain.
//
// Middleware pattern: each layer wraps the next handler, so the order below
// is the order a request passes through them.
func NewRouter(opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimw.Recoverer)

	// The widget is embedded on customer pages, so submissions are
	// cross-origin. Per-project origin rules are enforced by the resolver.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         int((12 * time.Hour).Seconds()),
	}))

	// -- System Routes --

	// Root endpoint: identifies the service. Good for sanity checks.
	r.Get("/", handleRoot)
	r.Get("/health", middleware.HealthHandler(opts.Health))
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	// -- API Routes (JSON) --

	r.Route("/api/issues", func(api chi.Router) {
		api.With(middleware.RateLimit(opts.Limiter)).Post("/", opts.Issues.HandleSubmit)
		api.Get("/", opts.Issues.HandleList)
		api.Get("/{id}", opts.Issues.HandleGet)
		api.Get("/{id}/screenshots/{screenshotId}", opts.Issues.HandleScreenshot)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusNotFound, "NOT_FOUND", "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
	})

	return r
}

// handleRoot returns basic metadata about the service.
func handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "issuecapture",
		"version": "0.2.0",
		"status":  "ok",
	})
}
