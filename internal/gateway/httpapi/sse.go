package httpapi

import (
	"context"
	"log/slog"
	"strings"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/archdraw/internal/diagram"
	"github.com/jkaninda/archdraw/internal/repair"
)

// SSEEvent is the payload of a streamed progress event.
type SSEEvent struct {
	Type    string           `json:"type"`              // "state", "result", "error"
	State   string           `json:"state,omitempty"`   // e.g. "attempting(2/3)", "succeeded"
	Content string           `json:"content,omitempty"` // Error text.
	Result  *DiagramResponse `json:"result,omitempty"`
}

// handleCreateDiagramStream handles POST /v1/diagrams/stream. Every repair
// loop state is sent as a "state" event, followed by one "result" or "error".
func (g *Gateway) handleCreateDiagramStream(c *okapi.Context) error {
	requester := c.GetString(requesterKey)
	if err := g.limiter.Allow(requester); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req DiagramRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("Bad request", err)
	}
	if strings.TrimSpace(req.Request) == "" {
		return c.AbortBadRequest("request is required")
	}

	correlationID := newCorrelationID()

	// The observer runs on the handler goroutine, so events are written in order.
	observe := func(_ context.Context, s repair.State) {
		c.SSEvent("state", SSEEvent{Type: "state", State: s.String()})
	}

	res, err := g.diagrams.Create(c.Context(), diagram.Request{
		RequesterID: requester,
		Text:        req.Request,
		Provider:    req.Provider,
		Model:       req.Model,
		Observe:     observe,
	})
	if err != nil {
		g.logger.Error("diagram session failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		c.SSEvent("error", SSEEvent{Type: "error", Content: err.Error()})
		return nil
	}

	resp := toDiagramResponse(res, correlationID)
	c.SSEvent("result", SSEEvent{Type: "result", State: resp.Status, Result: &resp})
	return nil
}
