// Package httpapi implements the REST front-end.
//
// Security:
//   - Bearer API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-requester rate limiting via token bucket
//   - Artifact downloads restricted to the caller's own files inside the artifacts dir
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/archdraw/internal/codecheck"
	"github.com/jkaninda/archdraw/internal/diagram"
	"github.com/jkaninda/archdraw/internal/domain"
	"github.com/jkaninda/archdraw/internal/llm"
	"github.com/jkaninda/archdraw/internal/observability"
	"github.com/jkaninda/archdraw/internal/ratelimit"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	requesterKey          = "requesterID"
	// A session runs up to max_attempts sandbox executions plus LLM calls.
	sessionWriteTimeout = 5 * time.Minute
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Diagrams is the session service behind the API. Implemented by *diagram.Service.
type Diagrams interface {
	Create(ctx context.Context, req diagram.Request) (*diagram.Result, error)
	History(ctx context.Context, requesterID string, limit int) ([]*domain.DiagramRun, error)
	Profile(ctx context.Context, requesterID string) (diagram.Profile, error)
	SetProvider(ctx context.Context, requesterID, provider string) error
	SetAPIKey(ctx context.Context, requesterID, provider, key string) error
	SetModel(ctx context.Context, requesterID, model string) error
	Models(ctx context.Context, requesterID string) ([]llm.Model, error)
}

// Validator screens scripts. Implemented by *codecheck.Validator.
type Validator interface {
	Validate(code string) codecheck.Verdict
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → requester ID.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Artifacts
	ArtifactsDir   string // Durable artifact directory served by /v1/artifacts.
	ArtifactPrefix string // File name prefix used by the executor. Default: "diagram".

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	diagrams  Diagrams
	validator Validator
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway. limiter may be nil.
func NewGateway(cfg Config, d Diagrams, v Validator, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if cfg.ArtifactPrefix == "" {
		cfg.ArtifactPrefix = "diagram"
	}
	return &Gateway{
		config:    cfg,
		diagrams:  d,
		validator: v,
		limiter:   rl,
		logger:    logger,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithOpenAPIDocs serves the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "archdraw",
			Version: "v1",
		},
	)
	return g
}

func (g *Gateway) routes() {
	// Authenticated /v1 group, metered when observability is on.
	mw := g.authenticate
	if g.config.Metrics != nil || g.config.Tracer != nil {
		metered := observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer)
		mw = func(next okapi.HandlerFunc) okapi.HandlerFunc { return metered(g.authenticate(next)) }
	}
	g.group = g.okapi.Group("/v1", mw)

	g.group.Post("/diagrams", g.handleCreateDiagram,
		okapi.DocSummary("Generate a diagram from a text description"),
		okapi.DocTags("Diagrams"),
		okapi.DocRequestBody(DiagramRequest{}),
		okapi.DocResponse(DiagramResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	g.group.Post("/diagrams/stream", g.handleCreateDiagramStream,
		okapi.DocSummary("Generate a diagram, streaming progress via SSE"),
		okapi.DocTags("Diagrams"),
		okapi.DocRequestBody(DiagramRequest{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/diagrams", g.handleHistory,
		okapi.DocSummary("List the caller's diagram runs, newest first"),
		okapi.DocTags("Diagrams"),
		okapi.DocResponse([]RunResponse{}),
	)
	g.group.Post("/validate", g.handleValidate,
		okapi.DocSummary("Screen a script without running it"),
		okapi.DocTags("Diagrams"),
		okapi.DocRequestBody(ValidateRequest{}),
		okapi.DocResponse(ValidateResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/preferences", g.handleGetPreferences,
		okapi.DocSummary("Get the caller's provider, model and key status"),
		okapi.DocTags("Preferences"),
		okapi.DocResponse(PreferencesResponse{}),
	)
	g.group.Put("/preferences", g.handlePutPreferences,
		okapi.DocSummary("Update provider, model or API key"),
		okapi.DocTags("Preferences"),
		okapi.DocRequestBody(PreferencesRequest{}),
		okapi.DocResponse(PreferencesResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/models", g.handleModels,
		okapi.DocSummary("List models of the caller's provider"),
		okapi.DocTags("Preferences"),
		okapi.DocResponse([]llm.Model{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)

	// Artifact downloads stream files, outside the JSON handlers.
	g.okapi.HandleStd("GET", "/v1/artifacts", g.authenticateStd(g.handleArtifact))

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      sessionWriteTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Authentication ---

// lookupKey returns the requester mapped to the bearer token in header.
func (g *Gateway) lookupKey(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	apiKey := strings.TrimPrefix(header, "Bearer ")

	requester := ""
	for key, id := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			requester = id
		}
	}
	return requester
}

// authenticate validates the API key and stores the mapped requester ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if !strings.HasPrefix(c.Header("Authorization"), "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		requester := g.lookupKey(c.Header("Authorization"))
		if requester == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set(requesterKey, requester)
		return next(c)
	}
}

type requesterCtxKey struct{}

// authenticateStd is authenticate for plain net/http handlers.
func (g *Gateway) authenticateStd(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requester := g.lookupKey(r.Header.Get("Authorization"))
		if requester == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: "missing or invalid API key"})
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), requesterCtxKey{}, requester)))
	}
}

// --- Helpers ---

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
