// Package config handles loading and validating archdraw configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"gopkg.in/yaml.v3"
)

// ProviderNames lists the supported LLM backends.
var ProviderNames = []string{"gigachat", "proxyapi", "openai", "anthropic", "gemini", "ollama"}

// Config is the root configuration for archdraw.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Default: ~/.archdraw/workspace. Override: ARCHDRAW_WORKSPACE.
	Diagram       DiagramConfig        `json:"diagram" yaml:"diagram"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite under the workspace
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = janitor disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics and tracing disabled
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = env:// references only
}

// DiagramConfig is the configuration surface of the generate-execute-repair core.
type DiagramConfig struct {
	MaxCodeChars       int      `json:"max_code_length" yaml:"max_code_length"` // Characters. Default: 5000.
	TimeoutSeconds     int      `json:"timeout_seconds" yaml:"timeout_seconds"` // Per attempt. Default: 30.
	Attempts           int      `json:"max_attempts" yaml:"max_attempts"`       // Executions per session. Default: 3.
	EphemeralDir       string   `json:"ephemeral_dir,omitempty" yaml:"ephemeral_dir,omitempty"`
	ArtifactsDir       string   `json:"artifacts_dir,omitempty" yaml:"artifacts_dir,omitempty"`
	ArtifactPrefix     string   `json:"artifact_prefix,omitempty" yaml:"artifact_prefix,omitempty"`         // Default: "diagram".
	Interpreter        []string `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`                 // Default: ["python3"].
	ScriptName         string   `json:"script_name,omitempty" yaml:"script_name,omitempty"`                 // Default: "diagram.py".
	ArtifactExtensions []string `json:"artifact_extensions,omitempty" yaml:"artifact_extensions,omitempty"` // Default: [".png"].
	ExtraDenylist      []string `json:"extra_denylist,omitempty" yaml:"extra_denylist,omitempty"`           // Appended to the built-in denylist.
}

// MaxCodeLength returns the source length limit with a default of 5000.
func (d *DiagramConfig) MaxCodeLength() int {
	if d != nil && d.MaxCodeChars > 0 {
		return d.MaxCodeChars
	}
	return 5000
}

// Timeout returns the per-attempt execution timeout with a default of 30s.
func (d *DiagramConfig) Timeout() time.Duration {
	if d != nil && d.TimeoutSeconds > 0 {
		return time.Duration(d.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// MaxAttempts returns the session attempt bound with a default of 3.
func (d *DiagramConfig) MaxAttempts() int {
	if d != nil && d.Attempts > 0 {
		return d.Attempts
	}
	return 3
}

// SandboxConfig selects and tunes the isolation backend.
type SandboxConfig struct {
	Type          string               `json:"type" yaml:"type"`                       // "process" (default) or "docker".
	MaxMemoryMB   int                  `json:"max_memory_mb" yaml:"max_memory_mb"`     // Default: 1024.
	MaxCPUSeconds int                  `json:"max_cpu_seconds" yaml:"max_cpu_seconds"` // Default: 60.
	Docker        *DockerSandboxConfig `json:"docker,omitempty" yaml:"docker,omitempty"`
}

// SandboxType returns the configured backend, defaulting to "process".
func (s *SandboxConfig) SandboxType() string {
	if s != nil && s.Type != "" {
		return s.Type
	}
	return "process"
}

// MemoryMB returns the memory limit with a default of 1024.
func (s *SandboxConfig) MemoryMB() int {
	if s != nil && s.MaxMemoryMB > 0 {
		return s.MaxMemoryMB
	}
	return 1024
}

// CPUSeconds returns the CPU time limit with a default of 60.
func (s *SandboxConfig) CPUSeconds() int {
	if s != nil && s.MaxCPUSeconds > 0 {
		return s.MaxCPUSeconds
	}
	return 60
}

// DockerSandboxConfig holds container settings.
type DockerSandboxConfig struct {
	Image          string  `json:"image" yaml:"image"` // Must provide python3, graphviz and diagrams.
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores"`
	PIDsLimit      int     `json:"pids_limit" yaml:"pids_limit"`
	NetworkAllowed bool    `json:"network_allowed" yaml:"network_allowed"`
	User           string  `json:"user,omitempty" yaml:"user,omitempty"`
}

// ProvidersConfig configures the LLM backends. Keys set here are server
// defaults; a requester's own key always takes precedence.
type ProvidersConfig struct {
	Default               string         `json:"default" yaml:"default"`                       // Empty = "gigachat".
	Fallback              []string       `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Tried in order when the default fails.
	RequestTimeoutSeconds int            `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	MaxTokens             int            `json:"max_tokens" yaml:"max_tokens"`   // Default: 2048.
	Temperature           float32        `json:"temperature" yaml:"temperature"` // Default: 0.1.
	GigaChat              GigaChatConfig `json:"gigachat" yaml:"gigachat"`
	ProxyAPI              ProviderConfig `json:"proxyapi" yaml:"proxyapi"`
	OpenAI                ProviderConfig `json:"openai" yaml:"openai"`
	Anthropic             ProviderConfig `json:"anthropic" yaml:"anthropic"`
	Gemini                ProviderConfig `json:"gemini" yaml:"gemini"`
	Ollama                ProviderConfig `json:"ollama" yaml:"ollama"`
}

// RequestTimeout returns the per-call LLM timeout with a default of 120s.
func (p *ProvidersConfig) RequestTimeout() time.Duration {
	if p != nil && p.RequestTimeoutSeconds > 0 {
		return time.Duration(p.RequestTimeoutSeconds) * time.Second
	}
	return 120 * time.Second
}

// Provider returns the flattened settings for name.
func (p *ProvidersConfig) Provider(name string) ProviderConfig {
	switch name {
	case "gigachat":
		return ProviderConfig{APIKey: p.GigaChat.APIKey, Model: p.GigaChat.Model, BaseURL: p.GigaChat.BaseURL}
	case "proxyapi":
		return p.ProxyAPI
	case "openai":
		return p.OpenAI
	case "anthropic":
		return p.Anthropic
	case "gemini":
		return p.Gemini
	case "ollama":
		return p.Ollama
	}
	return ProviderConfig{}
}

// ProviderConfig holds the settings shared by every backend.
type ProviderConfig struct {
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Literal or env:// / vault:// reference.
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// GigaChatConfig adds the OAuth settings specific to GigaChat.
type GigaChatConfig struct {
	APIKey             string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Authorization key (client secret). Override: GIGACHAT_CLIENT_SECRET.
	Model              string `json:"model,omitempty" yaml:"model,omitempty"`     // Default: GigaChat-Pro.
	Scope              string `json:"scope,omitempty" yaml:"scope,omitempty"`     // Default: GIGACHAT_API_PERS.
	AuthURL            string `json:"auth_url,omitempty" yaml:"auth_url,omitempty"`
	BaseURL            string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the workspace.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <workspace>/data/archdraw.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // Default: "wal".
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: ARCHDRAW_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// GatewaysConfig defines which front-ends are enabled.
type GatewaysConfig struct {
	HTTP     *HTTPGatewayConfig     `json:"http,omitempty" yaml:"http,omitempty"`
	Telegram *TelegramGatewayConfig `json:"telegram,omitempty" yaml:"telegram,omitempty"`
}

// HTTPGatewayConfig configures the REST API.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → requester id.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// TelegramGatewayConfig configures the Telegram bot.
// The bot token can be set here or via TELEGRAM_BOT_TOKEN; the environment wins.
type TelegramGatewayConfig struct {
	Enabled            bool            `json:"enabled" yaml:"enabled"`
	BotToken           string          `json:"bot_token,omitempty" yaml:"bot_token,omitempty"`
	APIBaseURL         string          `json:"api_base_url,omitempty" yaml:"api_base_url,omitempty"` // Default: https://api.telegram.org.
	WebhookURL         string          `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"`   // Empty = long polling.
	WebhookSecret      string          `json:"webhook_secret,omitempty" yaml:"webhook_secret,omitempty"`
	ListenAddr         string          `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"` // Webhook listener. Default: ":8443".
	AllowedUsers       []int64         `json:"allowed_users,omitempty" yaml:"allowed_users,omitempty"`
	PollTimeoutSeconds int             `json:"poll_timeout_seconds" yaml:"poll_timeout_seconds"` // Default: 30.
	RateLimit          RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig configures per-requester rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// SchedulerConfig configures the workspace janitor.
type SchedulerConfig struct {
	Enabled                bool   `json:"enabled" yaml:"enabled"`
	Cron                   string `json:"cron" yaml:"cron"`                                           // Default: "@every 10m".
	EphemeralMaxAgeSeconds int    `json:"ephemeral_max_age_seconds" yaml:"ephemeral_max_age_seconds"` // Default: 3600.
	ArtifactRetentionHours int    `json:"artifact_retention_hours" yaml:"artifact_retention_hours"`   // 0 = keep artifacts forever.
}

// Schedule returns the cron expression with a default of "@every 10m".
func (s *SchedulerConfig) Schedule() string {
	if s != nil && s.Cron != "" {
		return s.Cron
	}
	return "@every 10m"
}

// EphemeralMaxAge returns how old a stray attempt directory must be before
// the janitor removes it. Default: 1h.
func (s *SchedulerConfig) EphemeralMaxAge() time.Duration {
	if s != nil && s.EphemeralMaxAgeSeconds > 0 {
		return time.Duration(s.EphemeralMaxAgeSeconds) * time.Second
	}
	return time.Hour
}

// ArtifactRetention returns the durable artifact retention. 0 = forever.
func (s *SchedulerConfig) ArtifactRetention() time.Duration {
	if s != nil && s.ArtifactRetentionHours > 0 {
		return time.Duration(s.ArtifactRetentionHours) * time.Hour
	}
	return 0
}

// ObservabilityConfig configures metrics, tracing and health checks.
// When nil, all observability features are disabled.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsEnabled reports whether Prometheus metrics are on.
func (o *ObservabilityConfig) MetricsEnabled() bool {
	return o != nil && o.Metrics != nil && o.Metrics.Enabled
}

// TracingEnabled reports whether OpenTelemetry tracing is on.
func (o *ObservabilityConfig) TracingEnabled() bool {
	return o != nil && o.Tracing != nil && o.Tracing.Enabled
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "archdraw"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// SecretsConfig configures credential reference resolution.
type SecretsConfig struct {
	Vault *VaultSecretsConfig `json:"vault,omitempty" yaml:"vault,omitempty"`
}

// VaultSecretsConfig enables vault:// references.
type VaultSecretsConfig struct {
	Address        string `json:"address" yaml:"address"` // Override: VAULT_ADDR.
	Token          string `json:"token,omitempty" yaml:"token,omitempty"`
	Namespace      string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	TLSSkipVerify  bool   `json:"tls_skip_verify" yaml:"tls_skip_verify"`
}

// DefaultConfigPath returns ~/.archdraw/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "archdraw.yaml"
	}
	return filepath.Join(home, ".archdraw", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}
	return finish(&cfg)
}

// LoadOrDefault is Load, except that a missing file yields the built-in
// defaults plus environment overrides.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Providers.GigaChat.APIKey = goutils.Env("GIGACHAT_CLIENT_SECRET", c.Providers.GigaChat.APIKey)
	c.Providers.ProxyAPI.APIKey = goutils.Env("PROXYAPI_API_KEY", c.Providers.ProxyAPI.APIKey)
	c.Providers.OpenAI.APIKey = goutils.Env("OPENAI_API_KEY", c.Providers.OpenAI.APIKey)
	c.Providers.Anthropic.APIKey = goutils.Env("ANTHROPIC_API_KEY", c.Providers.Anthropic.APIKey)
	c.Providers.Gemini.APIKey = goutils.Env("GEMINI_API_KEY", c.Providers.Gemini.APIKey)
	c.Workspace = goutils.Env("ARCHDRAW_WORKSPACE", c.Workspace)

	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		if c.Gateways.Telegram == nil {
			c.Gateways.Telegram = &TelegramGatewayConfig{}
		}
		c.Gateways.Telegram.BotToken = token
	}
	if dsn := os.Getenv("ARCHDRAW_DB_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	if c.Providers.Default == "" {
		c.Providers.Default = "gigachat"
	}
	if !slices.Contains(ProviderNames, c.Providers.Default) {
		return fmt.Errorf("providers.default %q is not supported (use %s)", c.Providers.Default, strings.Join(ProviderNames, ", "))
	}
	for i, name := range c.Providers.Fallback {
		if !slices.Contains(ProviderNames, name) {
			return fmt.Errorf("providers.fallback[%d] %q is not supported", i, name)
		}
	}
	if c.Providers.MaxTokens < 0 {
		return fmt.Errorf("providers.max_tokens must not be negative")
	}
	if c.Providers.Temperature < 0 || c.Providers.Temperature > 2 {
		return fmt.Errorf("providers.temperature must be between 0 and 2")
	}

	d := c.Diagram
	if d.MaxCodeChars < 0 {
		return fmt.Errorf("diagram.max_code_length must not be negative")
	}
	if d.TimeoutSeconds < 0 {
		return fmt.Errorf("diagram.timeout_seconds must not be negative")
	}
	if d.Attempts < 0 {
		return fmt.Errorf("diagram.max_attempts must not be negative")
	}
	for i, ext := range d.ArtifactExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("diagram.artifact_extensions[%d] %q must start with a dot", i, ext)
		}
	}
	if d.ScriptName != "" && filepath.Base(d.ScriptName) != d.ScriptName {
		return fmt.Errorf("diagram.script_name %q must be a bare file name", d.ScriptName)
	}

	switch c.Sandbox.SandboxType() {
	case "process":
	case "docker":
		if c.Sandbox.Docker == nil || c.Sandbox.Docker.Image == "" {
			return fmt.Errorf("sandbox.docker.image is required for the docker sandbox")
		}
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use process or docker)", c.Sandbox.Type)
	}
	if c.Sandbox.MaxMemoryMB < 0 || c.Sandbox.MaxCPUSeconds < 0 {
		return fmt.Errorf("sandbox limits must not be negative")
	}

	switch c.StorageDriverName() {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set ARCHDRAW_DB_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
	}

	if t := c.Gateways.Telegram; t != nil && t.Enabled && t.BotToken == "" {
		return fmt.Errorf("gateways.telegram.bot_token is required (set TELEGRAM_BOT_TOKEN env var)")
	}
	if h := c.Gateways.HTTP; h != nil && h.Enabled && len(h.APIKeyUserMapping) == 0 {
		return fmt.Errorf("gateways.http.api_key_user_mapping must contain at least one key when enabled")
	}
	if s := c.Scheduler; s != nil && (s.EphemeralMaxAgeSeconds < 0 || s.ArtifactRetentionHours < 0) {
		return fmt.Errorf("scheduler ages must not be negative")
	}
	return nil
}
