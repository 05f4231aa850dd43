// Package telegram implements the Telegram bot front-end using long polling
// or webhook mode.
//
// Security:
//   - Optional user allowlist; when set, other users are refused
//   - Bot token never logged; webhook path derived from the token hash
//   - Optional webhook secret checked against X-Telegram-Bot-Api-Secret-Token
//   - Messages carrying API keys are deleted from the chat
//   - Per-user rate limiting
package telegram

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jkaninda/archdraw/internal/diagram"
	"github.com/jkaninda/archdraw/internal/llm"
	"github.com/jkaninda/archdraw/internal/observability"
	"github.com/jkaninda/archdraw/internal/ratelimit"
)

const (
	defaultPollTimeout = 30
	defaultListenAddr  = ":8443"
	maxUpdateSize      = 256 << 10 // 256 KB
	telegramSafeMaxLen = 4000      // Margin under the 4096 message limit.
	captionMaxLen      = 1000      // Margin under the 1024 caption limit.
	callbackDataMaxLen = 64
	secretHeader       = "X-Telegram-Bot-Api-Secret-Token"
)

// Diagrams is the session service the bot drives. Implemented by *diagram.Service.
type Diagrams interface {
	Create(ctx context.Context, req diagram.Request) (*diagram.Result, error)
	Profile(ctx context.Context, requesterID string) (diagram.Profile, error)
	SetAPIKey(ctx context.Context, requesterID, provider, key string) error
	SetModel(ctx context.Context, requesterID, model string) error
	Models(ctx context.Context, requesterID string) ([]llm.Model, error)
	Busy(requesterID string) bool
}

// Config configures the Telegram gateway.
type Config struct {
	BotToken      string
	APIBaseURL    string // Default: https://api.telegram.org.
	WebhookURL    string // Public base URL. If empty, use long polling.
	WebhookSecret string
	ListenAddr    string  // For webhook mode. Default: ":8443".
	AllowedUsers  []int64 // Empty = everyone may use the bot.
	PollTimeout   int     // Long poll timeout in seconds. 0 = 30s default.
}

// Gateway is the Telegram gateway.
type Gateway struct {
	config     Config
	diagrams   Diagrams
	limiter    *ratelimit.Limiter
	metrics    *observability.MetricsCollector
	logger     *slog.Logger
	httpClient *http.Client
	allowed    map[int64]bool

	server  *http.Server // nil in polling mode
	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	states map[int64]chatState

	sessions sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient overrides the Bot API client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.httpClient = c }
}

// WithMetrics counts handled updates.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway creates a Telegram gateway. limiter may be nil.
func NewGateway(cfg Config, d Diagrams, limiter *ratelimit.Limiter, logger *slog.Logger, opts ...Option) *Gateway {
	allowed := make(map[int64]bool, len(cfg.AllowedUsers))
	for _, uid := range cfg.AllowedUsers {
		allowed[uid] = true
	}
	g := &Gateway{
		config:   cfg,
		diagrams: d,
		limiter:  limiter,
		logger:   logger,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.pollTimeout()+30) * time.Second,
		},
		allowed: allowed,
		states:  make(map[int64]chatState),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start launches the gateway in webhook or long-polling mode and blocks.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, g.cancel = context.WithCancel(ctx)
	g.baseCtx = ctx
	if len(g.allowed) == 0 {
		g.logger.Warn("telegram allowlist is empty, the bot is open to every user")
	}

	if g.config.WebhookURL != "" {
		return g.startWebhook(ctx)
	}
	return g.startPolling(ctx)
}

// Stop shuts the gateway down and waits for running sessions.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.cancel != nil {
		g.cancel()
	}
	var err error
	if g.server != nil {
		g.logger.Info("telegram gateway stopping webhook server")
		err = g.server.Shutdown(ctx)
	} else {
		g.logger.Info("telegram gateway stopping poller")
	}

	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("telegram gateway stopped with sessions still running")
	}
	return err
}

// --- Long Polling ---

func (g *Gateway) startPolling(ctx context.Context) error {
	g.logger.Info("telegram gateway starting long polling",
		slog.Int("timeout", g.config.pollTimeout()),
	)

	var offset int64
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		updates, err := g.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			g.logger.Error("telegram getUpdates failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(2 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			g.processUpdate(ctx, &u)
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
		}
	}
}

func (g *Gateway) getUpdates(ctx context.Context, offset int64) ([]Update, error) {
	var updates []Update
	err := g.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         g.config.pollTimeout(),
		"allowed_updates": []string{"message", "callback_query"},
	}, &updates)
	return updates, err
}

// --- Webhook ---

func (g *Gateway) startWebhook(ctx context.Context) error {
	secretPath := "/" + g.webhookPath()

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+secretPath, g.handleWebhook)

	if err := g.setWebhook(ctx, strings.TrimRight(g.config.WebhookURL, "/")+secretPath); err != nil {
		return err
	}

	g.server = &http.Server{
		Addr:              g.config.listenAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("telegram gateway starting webhook",
		slog.String("addr", g.config.listenAddr()),
	)

	err := g.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	if s := g.config.WebhookSecret; s != "" {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get(secretHeader)), []byte(s)) != 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	var update Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUpdateSize)).Decode(&update); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	g.processUpdate(r.Context(), &update)
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) webhookPath() string {
	h := sha256.Sum256([]byte(g.config.BotToken))
	return hex.EncodeToString(h[:16])
}

// --- Update Processing ---

func (g *Gateway) processUpdate(ctx context.Context, update *Update) {
	switch {
	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		if cb.From == nil || cb.Data == "" {
			return
		}
		if !g.admit(cb.From.ID, "callback") {
			g.answerCallback(ctx, cb.ID, "Not allowed right now.")
			return
		}
		g.handleCallback(ctx, cb)
	case update.Message != nil:
		msg := update.Message
		if msg.From == nil || msg.Text == "" {
			return
		}
		if !g.admit(msg.From.ID, "message") {
			if !g.isAllowed(msg.From.ID) {
				g.send(ctx, msg.Chat.ID, "You are not authorized to use this bot.", nil)
			} else {
				g.send(ctx, msg.Chat.ID, "Too many requests. Please wait before trying again.", nil)
			}
			return
		}
		g.handleMessage(ctx, msg)
	}
}

// admit applies the allowlist and the rate limit, and counts the update.
func (g *Gateway) admit(userID int64, kind string) bool {
	if !g.isAllowed(userID) {
		g.logger.Warn("telegram user not in allowlist", slog.Int64("telegram_user_id", userID))
		g.metrics.GatewayUpdate("telegram", "denied")
		return false
	}
	if err := g.limiter.Allow(requesterID(userID)); err != nil {
		g.metrics.GatewayUpdate("telegram", "rate_limited")
		return false
	}
	g.metrics.GatewayUpdate("telegram", kind)
	return true
}

func (g *Gateway) isAllowed(userID int64) bool {
	return len(g.allowed) == 0 || g.allowed[userID]
}

// --- Helpers ---

// requesterID maps a Telegram user to the session service's requester id.
func requesterID(userID int64) string {
	return "tg:" + strconv.FormatInt(userID, 10)
}

func (c Config) pollTimeout() int {
	if c.PollTimeout > 0 {
		return c.PollTimeout
	}
	return defaultPollTimeout
}

func (c Config) listenAddr() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	return defaultListenAddr
}

func (c Config) apiBaseURL() string {
	if c.APIBaseURL != "" {
		return strings.TrimRight(c.APIBaseURL, "/")
	}
	return DefaultAPIBaseURL
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// escapeHTML escapes characters that are special in Telegram's HTML parse mode.
func escapeHTML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

// truncate shortens s to at most n bytes on a rune boundary, marking the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	const marker = "\n…"
	cut := n - len(marker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}
