// Package llm defines the provider-agnostic interface for chat completion backends.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyResponse is returned when a backend answers without any choices or text.
var ErrEmptyResponse = errors.New("empty response from model")

// Provider is the abstraction over any chat completion backend.
type Provider interface {
	// SendMessage sends a conversation and returns the model's reply.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "gigachat").
	Name() string
}

// ModelLister is implemented by providers that can enumerate their models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]Model, error)
}

// CredentialChecker is implemented by providers that can verify an API key
// without spending a completion.
type CredentialChecker interface {
	CheckCredentials(ctx context.Context) error
}

// Model describes a selectable model.
type Model struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// Request is a full conversation sent to the model.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	// Temperature 0 means provider default.
	Temperature float32
}

// Message is a single turn in the conversation.
type Message struct {
	Role    Role
	Content string
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Response is what the model returns.
type Response struct {
	Content    string
	Usage      Usage
	StopReason string // "end_turn", "max_tokens", or the provider's raw value
	Model      string
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// APIError is a non-success HTTP answer from a backend.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}
