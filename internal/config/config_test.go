package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv keeps host credentials out of the tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"GIGACHAT_CLIENT_SECRET", "PROXYAPI_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY",
		"GEMINI_API_KEY", "ARCHDRAW_WORKSPACE", "TELEGRAM_BOT_TOKEN", "ARCHDRAW_DB_DSN",
	} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.yaml", `
diagram:
  max_code_length: 4000
  timeout_seconds: 10
  max_attempts: 5
  extra_denylist: ["shutil"]
providers:
  default: proxyapi
  proxyapi:
    api_key: env://PROXY_KEY
    model: gpt-4o-mini
gateways:
  telegram:
    enabled: true
    bot_token: "123:abc"
    allowed_users: [42]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Diagram.MaxCodeLength(); got != 4000 {
		t.Errorf("MaxCodeLength = %d, want 4000", got)
	}
	if got := cfg.Diagram.Timeout(); got != 10*time.Second {
		t.Errorf("Timeout = %s, want 10s", got)
	}
	if got := cfg.Diagram.MaxAttempts(); got != 5 {
		t.Errorf("MaxAttempts = %d, want 5", got)
	}
	if p := cfg.Providers.Provider("proxyapi"); p.APIKey != "env://PROXY_KEY" || p.Model != "gpt-4o-mini" {
		t.Errorf("proxyapi = %+v", p)
	}
	if cfg.Gateways.Telegram.AllowedUsers[0] != 42 {
		t.Errorf("allowed users = %v", cfg.Gateways.Telegram.AllowedUsers)
	}
}

func TestLoad_JSONDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeFile(t, "config.json", `{}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Default != "gigachat" {
		t.Errorf("default provider = %q, want gigachat", cfg.Providers.Default)
	}
	if cfg.Diagram.MaxCodeLength() != 5000 || cfg.Diagram.Timeout() != 30*time.Second || cfg.Diagram.MaxAttempts() != 3 {
		t.Errorf("unexpected defaults: %d %s %d", cfg.Diagram.MaxCodeLength(), cfg.Diagram.Timeout(), cfg.Diagram.MaxAttempts())
	}
	if cfg.StorageDriverName() != "sqlite" || cfg.Sandbox.SandboxType() != "process" {
		t.Errorf("storage=%q sandbox=%q", cfg.StorageDriverName(), cfg.Sandbox.SandboxType())
	}
	if cfg.Scheduler.Schedule() != "@every 10m" || cfg.Scheduler.ArtifactRetention() != 0 {
		t.Error("nil scheduler accessors should return defaults")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GIGACHAT_CLIENT_SECRET", "giga-secret")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tg-token")
	t.Setenv("ARCHDRAW_DB_DSN", "postgres://u:p@localhost/archdraw")

	cfg, err := Load(writeFile(t, "config.yaml", "providers:\n  gigachat:\n    api_key: from-file\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.GigaChat.APIKey != "giga-secret" {
		t.Errorf("gigachat key = %q, want env value", cfg.Providers.GigaChat.APIKey)
	}
	if cfg.Gateways.Telegram == nil || cfg.Gateways.Telegram.BotToken != "tg-token" {
		t.Errorf("telegram = %+v", cfg.Gateways.Telegram)
	}
	if cfg.StorageDriverName() != "postgres" || cfg.Storage.Postgres.DSN != "postgres://u:p@localhost/archdraw" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Providers.Default != "gigachat" {
		t.Errorf("default provider = %q", cfg.Providers.Default)
	}
}

func TestLoadOrDefault_BrokenFile(t *testing.T) {
	clearEnv(t)
	if _, err := LoadOrDefault(writeFile(t, "config.yaml", "diagram: [")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate_Rejects(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"unknown provider", "providers:\n  default: llama\n", "providers.default"},
		{"unknown fallback", "providers:\n  fallback: [nope]\n", "providers.fallback[0]"},
		{"negative timeout", "diagram:\n  timeout_seconds: -1\n", "timeout_seconds"},
		{"negative attempts", "diagram:\n  max_attempts: -2\n", "max_attempts"},
		{"bad extension", "diagram:\n  artifact_extensions: [png]\n", "artifact_extensions"},
		{"script path", "diagram:\n  script_name: ../x.py\n", "script_name"},
		{"docker without image", "sandbox:\n  type: docker\n", "sandbox.docker.image"},
		{"unknown sandbox", "sandbox:\n  type: vm\n", "sandbox.type"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "storage.postgres.dsn"},
		{"telegram without token", "gateways:\n  telegram:\n    enabled: true\n", "bot_token"},
		{"http without keys", "gateways:\n  http:\n    enabled: true\n", "api_key_user_mapping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
