// Package generator turns diagram requests and failing scripts into Python
// code through a chat-completion backend.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/archdraw/internal/llm"
)

const (
	DefaultMaxTokens   = 2048
	DefaultTemperature = 0.1
)

// ErrNoCode is wrapped by a GeneratorError when a reply contains no script.
var ErrNoCode = errors.New("model reply contained no code")

// Generator produces and repairs diagram scripts.
type Generator interface {
	GenerateCode(ctx context.Context, request, requesterID string) (string, error)
	RepairCode(ctx context.Context, code, errorText, originalRequest string) (string, error)
}

// GeneratorError reports any failure of the backend call. StatusCode and
// Body are set when the backend answered with a non-success status.
type GeneratorError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *GeneratorError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s generator error (status %d): %s", e.Provider, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("%s generator error: %v", e.Provider, e.Err)
	default:
		return e.Provider + " generator error"
	}
}

func (e *GeneratorError) Unwrap() error { return e.Err }

// LLMGenerator implements Generator over an llm.Provider.
type LLMGenerator struct {
	provider     llm.Provider
	logger       *slog.Logger
	systemPrompt string
	maxTokens    int
	temperature  float32
}

var _ Generator = (*LLMGenerator)(nil)

// Option configures an LLMGenerator.
type Option func(*LLMGenerator)

// WithSystemPrompt replaces the built-in system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(g *LLMGenerator) {
		if prompt != "" {
			g.systemPrompt = prompt
		}
	}
}

// WithSampling sets max tokens and temperature; zero values keep the defaults.
func WithSampling(maxTokens int, temperature float32) Option {
	return func(g *LLMGenerator) {
		if maxTokens > 0 {
			g.maxTokens = maxTokens
		}
		if temperature > 0 {
			g.temperature = temperature
		}
	}
}

// New creates a generator backed by provider.
func New(provider llm.Provider, logger *slog.Logger, opts ...Option) *LLMGenerator {
	g := &LLMGenerator{
		provider:     provider,
		logger:       logger,
		systemPrompt: SystemPrompt,
		maxTokens:    DefaultMaxTokens,
		temperature:  DefaultTemperature,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Provider returns the name of the underlying backend.
func (g *LLMGenerator) Provider() string { return g.provider.Name() }

// GenerateCode asks the model for a script implementing request.
func (g *LLMGenerator) GenerateCode(ctx context.Context, request, requesterID string) (string, error) {
	if strings.TrimSpace(request) == "" {
		return "", &GeneratorError{Provider: g.provider.Name(), Err: errors.New("empty request")}
	}
	code, err := g.complete(ctx, userPrompt(request))
	if err != nil {
		return "", err
	}
	g.logger.InfoContext(ctx, "diagram code generated",
		slog.String("provider", g.provider.Name()),
		slog.String("requester", requesterID),
		slog.Int("code_length", len(code)),
	)
	return code, nil
}

// RepairCode asks the model to fix code given the error it produced.
// originalRequest is not sent; the broken script already carries its intent.
func (g *LLMGenerator) RepairCode(ctx context.Context, code, errorText, originalRequest string) (string, error) {
	fixed, err := g.complete(ctx, repairPrompt(code, errorText))
	if err != nil {
		return "", err
	}
	g.logger.DebugContext(ctx, "diagram code repaired",
		slog.String("provider", g.provider.Name()),
		slog.Int("code_length", len(fixed)),
	)
	return fixed, nil
}

func (g *LLMGenerator) complete(ctx context.Context, prompt string) (string, error) {
	resp, err := g.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: g.systemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens:    g.maxTokens,
		Temperature:  g.temperature,
	})
	if err != nil {
		return "", wrapError(g.provider.Name(), err)
	}
	code := ExtractCode(resp.Content)
	if code == "" {
		return "", &GeneratorError{Provider: g.provider.Name(), Err: ErrNoCode}
	}
	return code, nil
}

func wrapError(provider string, err error) error {
	ge := &GeneratorError{Provider: provider, Err: err}
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		ge.Provider = apiErr.Provider
		ge.StatusCode = apiErr.StatusCode
		ge.Body = apiErr.Body
	}
	return ge
}
