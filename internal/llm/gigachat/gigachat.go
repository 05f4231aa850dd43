// Package gigachat implements llm.Provider for the Sber GigaChat API.
//
// GigaChat speaks the OpenAI chat completion dialect behind a separate OAuth
// endpoint: the long-lived client secret is exchanged for a short-lived
// access token which is then sent as a bearer token.
package gigachat

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goopenai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/singleflight"

	"github.com/jkaninda/archdraw/internal/llm"
	"github.com/jkaninda/archdraw/internal/llm/openai"
)

const (
	DefaultAuthURL = "https://ngw.devices.sberbank.ru:9443/api/v2/oauth"
	DefaultBaseURL = "https://gigachat.devices.sberbank.ru/api/v1"
	DefaultScope   = "GIGACHAT_API_PERS"
	DefaultModel   = "GigaChat-Pro"

	// tokenRefreshMargin is how long before expiry a cached token is replaced.
	tokenRefreshMargin = 5 * time.Minute
	providerName       = "gigachat"
)

// KnownModels is returned when the models endpoint is unavailable.
var KnownModels = []llm.Model{
	{ID: "GigaChat", Description: "GigaChat (base)"},
	{ID: "GigaChat-Pro", Description: "GigaChat-Pro (advanced)"},
	{ID: "GigaChat-Max", Description: "GigaChat-Max (maximum)"},
}

// Config configures a GigaChat client.
type Config struct {
	// ClientSecret is the base64 authorization key issued by the developer portal.
	ClientSecret string
	Model        string
	Scope        string
	AuthURL      string
	BaseURL      string
	// InsecureSkipVerify disables TLS verification; the API uses a national CA
	// that is missing from most trust stores.
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// Client implements llm.Provider for GigaChat.
type Client struct {
	cfg        Config
	httpClient *http.Client
	chat       *openai.Client
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	group     singleflight.Group
}

var (
	_ llm.Provider          = (*Client)(nil)
	_ llm.ModelLister       = (*Client)(nil)
	_ llm.CredentialChecker = (*Client)(nil)
)

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the transport for both OAuth and API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock overrides the time source for token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a GigaChat provider.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via config
		}
		c.httpClient = &http.Client{Transport: transport, Timeout: cfg.Timeout}
	}

	c.chat = openai.NewClient("", cfg.Model, logger,
		openai.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")),
		openai.WithHTTPClient(&bearerDoer{client: c}),
		openai.WithName(providerName),
	)
	return c
}

func (c *Client) Name() string { return providerName }

// SendMessage sends the conversation as a chat completion.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return c.chat.SendMessage(ctx, req)
}

// CheckCredentials verifies the client secret by obtaining an access token.
func (c *Client) CheckCredentials(ctx context.Context) error {
	_, err := c.accessToken(ctx)
	return err
}

// ListModels returns the GigaChat models available to the key. When the
// models endpoint fails or returns nothing usable, KnownModels is returned.
// Token errors are returned as-is.
func (c *Client) ListModels(ctx context.Context) ([]llm.Model, error) {
	if _, err := c.accessToken(ctx); err != nil {
		return nil, err
	}

	all, err := c.chat.ListModels(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "gigachat model listing failed, using known models",
			slog.String("error", err.Error()),
		)
		return append([]llm.Model(nil), KnownModels...), nil
	}

	var models []llm.Model
	for _, m := range all {
		if !strings.HasPrefix(m.ID, "GigaChat") {
			continue
		}
		models = append(models, llm.Model{ID: m.ID, Description: describe(m.ID)})
	}
	if len(models) == 0 {
		return append([]llm.Model(nil), KnownModels...), nil
	}
	return models, nil
}

func describe(id string) string {
	switch {
	case strings.Contains(id, "Max"):
		return id + " (maximum)"
	case strings.Contains(id, "Pro"):
		return id + " (advanced)"
	default:
		return id + " (base)"
	}
}

// accessToken returns a cached token or fetches a new one.
// Concurrent refreshes collapse into a single OAuth call.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.expiresAt) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("token", func() (any, error) {
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	// ExpiresAt is a unix timestamp in milliseconds.
	ExpiresAt int64 `json:"expires_at"`
	// ExpiresIn is a lifetime in seconds; some deployments send it instead.
	ExpiresIn int64 `json:"expires_in"`
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	if c.cfg.ClientSecret == "" {
		return "", fmt.Errorf("gigachat client secret is not set")
	}

	form := url.Values{"scope": {c.cfg.Scope}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("RqUID", uuid.NewString())
	req.Header.Set("Authorization", "Basic "+c.cfg.ClientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting gigachat token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &llm.APIError{Provider: providerName, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("parsing token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("gigachat token response has no access_token")
	}

	now := c.now()
	var expires time.Time
	switch {
	case tr.ExpiresIn > 0:
		expires = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	case tr.ExpiresAt > 0:
		expires = time.UnixMilli(tr.ExpiresAt)
	default:
		expires = now.Add(30 * time.Minute)
	}

	c.mu.Lock()
	c.token = tr.AccessToken
	c.expiresAt = expires.Add(-tokenRefreshMargin)
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "gigachat token refreshed",
		slog.Time("expires_at", expires),
	)
	return tr.AccessToken, nil
}

// bearerDoer injects the current access token into API requests.
type bearerDoer struct {
	client *Client
}

var _ goopenai.HTTPDoer = (*bearerDoer)(nil)

func (d *bearerDoer) Do(req *http.Request) (*http.Response, error) {
	token, err := d.client.accessToken(req.Context())
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return d.client.httpClient.Do(req)
}
