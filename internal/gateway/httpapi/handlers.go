package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/archdraw/internal/diagram"
	"github.com/jkaninda/archdraw/internal/domain"
	"github.com/jkaninda/archdraw/internal/generator"
	"github.com/jkaninda/archdraw/internal/providers"
)

// DiagramRequest is the JSON body for POST /v1/diagrams.
type DiagramRequest struct {
	Request  string `json:"request"`
	Provider string `json:"provider,omitempty"` // Overrides the saved provider for this request.
	Model    string `json:"model,omitempty"`
}

// DiagramResponse is the outcome of a session. Exhausted sessions are
// reported with status "exhausted", not as an HTTP error.
type DiagramResponse struct {
	RunID         string `json:"run_id"`
	Status        string `json:"status"`
	Artifact      string `json:"artifact,omitempty"`
	ArtifactURL   string `json:"artifact_url,omitempty"`
	Code          string `json:"code,omitempty"`
	Error         string `json:"error,omitempty"`
	Attempts      int    `json:"attempts"`
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	DurationMS    int64  `json:"duration_ms"`
	CorrelationID string `json:"correlation_id"`
}

// RunResponse is one entry of GET /v1/diagrams.
type RunResponse struct {
	ID        string    `json:"id"`
	Request   string    `json:"request"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Artifact  string    `json:"artifact,omitempty"`
	Error     string    `json:"error,omitempty"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidateRequest is the JSON body for POST /v1/validate.
type ValidateRequest struct {
	Code string `json:"code"`
}

// ValidateResponse is the verdict of the static screen.
type ValidateResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// PreferencesRequest is the JSON body for PUT /v1/preferences. Fields are
// applied in order: provider, API key, model. Empty fields are left unchanged.
type PreferencesRequest struct {
	Provider string `json:"provider,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model,omitempty"`
}

// PreferencesResponse is the caller's effective configuration. The key itself
// is never returned.
type PreferencesResponse struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	HasOwnKey    bool   `json:"has_own_key"`
	HasServerKey bool   `json:"has_server_key"`
	KeyReady     bool   `json:"key_ready"`
}

func (g *Gateway) handleCreateDiagram(c *okapi.Context) error {
	requester := c.GetString(requesterKey)
	if err := g.limiter.Allow(requester); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req DiagramRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if strings.TrimSpace(req.Request) == "" {
		return c.AbortBadRequest("request is required")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http diagram request",
		slog.String("requester", requester),
		slog.String("correlation_id", correlationID),
	)

	res, err := g.diagrams.Create(c.Context(), diagram.Request{
		RequesterID: requester,
		Text:        req.Request,
		Provider:    req.Provider,
		Model:       req.Model,
	})
	if err != nil {
		g.logger.Error("diagram session failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return sessionError(c, err)
	}
	return c.OK(toDiagramResponse(res, correlationID))
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	requester := c.GetString(requesterKey)

	limit := 0
	if v := c.Request().URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		limit = n
	}

	runs, err := g.diagrams.History(c.Context(), requester, limit)
	if err != nil {
		g.logger.Error("listing runs failed",
			slog.String("requester", requester),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("listing runs failed")
	}

	resp := make([]RunResponse, len(runs))
	for i, r := range runs {
		resp[i] = RunResponse{
			ID:        r.ID.String(),
			Request:   r.Request,
			Status:    string(r.Status),
			Attempts:  r.Attempts,
			Artifact:  artifactName(r.ArtifactPath),
			Error:     r.Error,
			Provider:  r.Provider,
			Model:     r.Model,
			CreatedAt: r.CreatedAt,
		}
	}
	return c.OK(resp)
}

func (g *Gateway) handleValidate(c *okapi.Context) error {
	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	v := g.validator.Validate(req.Code)
	return c.OK(ValidateResponse{
		Accepted: v.OK,
		Reason:   string(v.Reason),
		Detail:   v.Detail,
	})
}

func (g *Gateway) handleGetPreferences(c *okapi.Context) error {
	return g.writeProfile(c, c.GetString(requesterKey))
}

func (g *Gateway) handlePutPreferences(c *okapi.Context) error {
	requester := c.GetString(requesterKey)
	if err := g.limiter.Allow(requester); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req PreferencesRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	ctx := c.Context()
	if req.Provider != "" {
		if err := g.diagrams.SetProvider(ctx, requester, req.Provider); err != nil {
			return sessionError(c, err)
		}
	}
	if req.APIKey != "" {
		if err := g.diagrams.SetAPIKey(ctx, requester, "", req.APIKey); err != nil {
			return sessionError(c, err)
		}
	}
	if req.Model != "" {
		if err := g.diagrams.SetModel(ctx, requester, req.Model); err != nil {
			return sessionError(c, err)
		}
	}
	return g.writeProfile(c, requester)
}

func (g *Gateway) writeProfile(c *okapi.Context, requester string) error {
	p, err := g.diagrams.Profile(c.Context(), requester)
	if err != nil {
		return sessionError(c, err)
	}
	return c.OK(PreferencesResponse{
		Provider:     p.Provider,
		Model:        p.Model,
		HasOwnKey:    p.HasOwnKey,
		HasServerKey: p.HasServerKey,
		KeyReady:     p.KeyReady(),
	})
}

func (g *Gateway) handleModels(c *okapi.Context) error {
	models, err := g.diagrams.Models(c.Context(), c.GetString(requesterKey))
	if err != nil {
		return sessionError(c, err)
	}
	return c.OK(models)
}

// --- Helpers ---

func toDiagramResponse(res *diagram.Result, correlationID string) DiagramResponse {
	resp := DiagramResponse{
		RunID:         res.RunID.String(),
		Status:        string(res.Status),
		Code:          res.Code,
		Error:         res.Error,
		Attempts:      res.Attempts,
		Provider:      res.Provider,
		Model:         res.Model,
		DurationMS:    res.Duration.Milliseconds(),
		CorrelationID: correlationID,
	}
	if res.Status == domain.RunSucceeded {
		resp.Artifact = artifactName(res.ArtifactPath)
		resp.ArtifactURL = "/v1/artifacts?name=" + resp.Artifact
	}
	return resp
}

func artifactName(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}

// sessionError maps service errors to HTTP responses.
func sessionError(c *okapi.Context, err error) error {
	var genErr *generator.GeneratorError
	switch {
	case errors.Is(err, diagram.ErrEmptyRequest),
		errors.Is(err, diagram.ErrNoRequester),
		errors.Is(err, diagram.ErrEmptyModel),
		errors.Is(err, providers.ErrUnknownProvider):
		return c.AbortBadRequest(err.Error())
	case errors.Is(err, diagram.ErrNoAPIKey):
		return c.AbortBadRequest("no API key: set one with PUT /v1/preferences")
	case errors.Is(err, diagram.ErrInvalidAPIKey):
		return c.AbortBadRequest("API key was rejected by the provider")
	case errors.Is(err, diagram.ErrBusy):
		return c.JSON(http.StatusConflict, ErrorBody{Error: err.Error()})
	case errors.As(err, &genErr):
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: "code generation failed: " + genErr.Error()})
	default:
		return c.AbortInternalServerError("internal error")
	}
}
