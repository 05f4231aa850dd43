// Package openai implements llm.Provider for OpenAI-compatible chat completion APIs.
// It serves OpenAI itself, ProxyAPI and Ollama, which differ only in base URL and key.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/jkaninda/archdraw/internal/llm"
)

const (
	// DefaultBaseURL is the OpenAI API root including the version segment.
	DefaultBaseURL   = "https://api.openai.com/v1"
	defaultMaxTokens = 2048
)

// Client implements llm.Provider on top of go-openai.
type Client struct {
	client  *goopenai.Client
	model   string
	name    string
	baseURL string
	doer    goopenai.HTTPDoer
	logger  *slog.Logger
}

var (
	_ llm.Provider          = (*Client)(nil)
	_ llm.ModelLister       = (*Client)(nil)
	_ llm.CredentialChecker = (*Client)(nil)
)

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API root, e.g. "https://proxyapi.ru/v1" or
// "http://localhost:11434/v1".
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets the transport used for every call.
func WithHTTPClient(doer goopenai.HTTPDoer) Option {
	return func(c *Client) { c.doer = doer }
}

// WithName overrides the provider name (e.g. "proxyapi", "ollama").
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// NewClient creates an OpenAI-compatible provider.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		model:   model,
		name:    "openai",
		baseURL: DefaultBaseURL,
		doer:    http.DefaultClient,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = c.baseURL
	cfg.HTTPClient = c.doer
	c.client = goopenai.NewClientWithConfig(cfg)
	return c
}

func (c *Client) Name() string { return c.name }

// Model returns the configured model id.
func (c *Client) Model() string { return c.model }

// SendMessage sends the conversation as a chat completion.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	resp, err := c.client.CreateChatCompletion(ctx, BuildRequest(c.model, req))
	if err != nil {
		return nil, ConvertError(c.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: %w", c.name, llm.ErrEmptyResponse)
	}

	out := &llm.Response{
		Content:    resp.Choices[0].Message.Content,
		StopReason: mapFinishReason(resp.Choices[0].FinishReason),
		Model:      resp.Model,
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", c.name),
		slog.String("model", c.model),
		slog.Int("input_tokens", out.Usage.InputTokens),
		slog.Int("output_tokens", out.Usage.OutputTokens),
		slog.String("stop_reason", out.StopReason),
	)
	return out, nil
}

// ListModels returns the models visible to the API key, sorted by id.
func (c *Client) ListModels(ctx context.Context) ([]llm.Model, error) {
	list, err := c.client.ListModels(ctx)
	if err != nil {
		return nil, ConvertError(c.name, err)
	}
	models := make([]llm.Model, 0, len(list.Models))
	for _, m := range list.Models {
		models = append(models, llm.Model{ID: m.ID, Description: m.OwnedBy})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// CheckCredentials verifies the key by listing models.
func (c *Client) CheckCredentials(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// BuildRequest converts an llm.Request to a chat completion request.
// Shared with other OpenAI-compatible backends.
func BuildRequest(model string, req *llm.Request) goopenai.ChatCompletionRequest {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		role := goopenai.ChatMessageRoleUser
		if m.Role == llm.RoleAssistant {
			role = goopenai.ChatMessageRoleAssistant
		}
		messages = append(messages, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
}

// ConvertError maps go-openai errors to *llm.APIError where a status is known.
func ConvertError(provider string, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &llm.APIError{Provider: provider, StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &llm.APIError{Provider: provider, StatusCode: reqErr.HTTPStatusCode, Body: body}
	}
	return fmt.Errorf("%s request failed: %w", provider, err)
}

func mapFinishReason(r goopenai.FinishReason) string {
	switch r {
	case goopenai.FinishReasonStop:
		return "end_turn"
	case goopenai.FinishReasonLength:
		return "max_tokens"
	default:
		return string(r)
	}
}
