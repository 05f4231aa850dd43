package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/archdraw/internal/codecheck"
	"github.com/jkaninda/archdraw/internal/config"
	"github.com/jkaninda/archdraw/internal/diagram"
	"github.com/jkaninda/archdraw/internal/executor"
	"github.com/jkaninda/archdraw/internal/generator"
	"github.com/jkaninda/archdraw/internal/llm"
	"github.com/jkaninda/archdraw/internal/observability"
	"github.com/jkaninda/archdraw/internal/providers"
	"github.com/jkaninda/archdraw/internal/repair"
	"github.com/jkaninda/archdraw/internal/sandbox"
	"github.com/jkaninda/archdraw/internal/secrets"
	"github.com/jkaninda/archdraw/internal/storage"
	pgstore "github.com/jkaninda/archdraw/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/archdraw/internal/storage/sqlite"
	"github.com/jkaninda/archdraw/internal/workspace"
)

// App holds every subsystem the commands share. Built once by buildApp,
// torn down by Cleanup.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store
	Obs       *observability.Observability // nil = observability disabled.

	EphemeralDir string
	ArtifactsDir string

	Validator *codecheck.Validator
	Executor  *executor.Executor
	Registry  *providers.Registry
	Diagrams  *diagram.Service

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (a *App) Cleanup() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}

func (a *App) addCleanup(fn func()) {
	a.cleanups = append(a.cleanups, fn)
}

// newLogger returns the process logger. JSON for the long-running server,
// text for one-shot commands.
func newLogger(json bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// loadConfig reads the config file named by ARCHDRAW_CONFIG or --config.
// A missing file at the default location yields the built-in defaults.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("ARCHDRAW_CONFIG", configPath)
	if path == config.DefaultConfigPath() {
		return config.LoadOrDefault(path)
	}
	return config.Load(path)
}

// buildApp performs the initialization shared by every command.
// Callers must call app.Cleanup() when done, also on error.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app *App, err error) {
	app = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			app.Cleanup()
		}
	}()

	if err := resolveSecrets(ctx, cfg); err != nil {
		return app, fmt.Errorf("resolving secrets: %w", err)
	}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return app, fmt.Errorf("initializing workspace: %w", err)
	}
	app.Workspace = ws
	if app.EphemeralDir, err = ws.Resolve(cfg.Diagram.EphemeralDir, ws.EphemeralDir); err != nil {
		return app, fmt.Errorf("resolving ephemeral dir: %w", err)
	}
	if app.ArtifactsDir, err = ws.Resolve(cfg.Diagram.ArtifactsDir, ws.ArtifactsDir); err != nil {
		return app, fmt.Errorf("resolving artifacts dir: %w", err)
	}
	logger.Debug("workspace initialized",
		slog.String("root", ws.Root),
		slog.String("ephemeral", app.EphemeralDir),
		slog.String("artifacts", app.ArtifactsDir),
	)

	// Storage.
	store, err := initStore(cfg, ws, logger)
	if err != nil {
		return app, fmt.Errorf("initializing storage: %w", err)
	}
	app.Store = store
	app.addCleanup(func() { _ = store.Close() })
	if err := store.Migrate(ctx); err != nil {
		return app, fmt.Errorf("migrating %s store: %w", store.Driver(), err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return app, fmt.Errorf("initializing observability: %w", err)
	}
	app.Obs = obs
	app.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	// Sandbox, validator and executor.
	sbx := initSandbox(cfg, obs, logger)
	app.Validator = codecheck.New(codecheck.Config{
		MaxLength:     cfg.Diagram.MaxCodeLength(),
		ExtraDenylist: cfg.Diagram.ExtraDenylist,
	})
	app.Executor, err = executor.New(executor.Config{
		EphemeralRoot:      app.EphemeralDir,
		ArtifactsDir:       app.ArtifactsDir,
		Timeout:            cfg.Diagram.Timeout(),
		Interpreter:        cfg.Diagram.Interpreter,
		ScriptName:         cfg.Diagram.ScriptName,
		ArtifactPrefix:     cfg.Diagram.ArtifactPrefix,
		ArtifactExtensions: cfg.Diagram.ArtifactExtensions,
		Limits: sandbox.ResourceLimits{
			MaxCPUSeconds: cfg.Sandbox.CPUSeconds(),
			MaxMemoryMB:   cfg.Sandbox.MemoryMB(),
		},
	}, app.Validator, sbx, logger, executor.WithTracer(obs.Tracing()))
	if err != nil {
		return app, fmt.Errorf("initializing executor: %w", err)
	}
	var exec repair.Executor = app.Executor
	if m := obs.MetricsOrNil(); m != nil {
		exec = observability.NewInstrumentedExecutor(app.Executor, m)
	}

	// Providers and the session service.
	app.Registry = providers.New(cfg.Providers, logger, providers.WithInstrumentation(obs.ProviderWrapper()))
	maxTokens, temperature := cfg.Providers.MaxTokens, cfg.Providers.Temperature
	app.Diagrams = diagram.New(store, app.Registry, exec, logger,
		diagram.WithMaxAttempts(cfg.Diagram.MaxAttempts()),
		diagram.WithTracer(obs.Tracing()),
		diagram.WithMetrics(obs.MetricsOrNil()),
		diagram.WithGeneratorFactory(func(p llm.Provider) generator.Generator {
			return generator.New(p, logger, generator.WithSampling(maxTokens, temperature))
		}),
	)

	logger.Info("archdraw initialized",
		slog.String("provider", app.Registry.Default()),
		slog.String("sandbox", cfg.Sandbox.SandboxType()),
		slog.String("storage", store.Driver()),
		slog.Int("max_attempts", cfg.Diagram.MaxAttempts()),
	)
	return app, nil
}

// resolveSecrets replaces env:// and vault:// references in place.
func resolveSecrets(ctx context.Context, cfg *config.Config) error {
	resolvers := []secrets.Provider{secrets.NewEnvProvider()}
	if cfg.Secrets != nil && cfg.Secrets.Vault != nil {
		v := cfg.Secrets.Vault
		vault, err := secrets.NewVaultProvider(secrets.VaultConfig{
			Address:       v.Address,
			Token:         v.Token,
			Namespace:     v.Namespace,
			Timeout:       time.Duration(v.TimeoutSeconds) * time.Second,
			TLSSkipVerify: v.TLSSkipVerify,
		})
		if err != nil {
			return err
		}
		resolvers = append(resolvers, vault)
	}
	r := secrets.NewResolver(resolvers...)

	p := &cfg.Providers
	values := []*string{
		&p.GigaChat.APIKey, &p.ProxyAPI.APIKey, &p.OpenAI.APIKey,
		&p.Anthropic.APIKey, &p.Gemini.APIKey, &p.Ollama.APIKey,
	}
	if tg := cfg.Gateways.Telegram; tg != nil {
		values = append(values, &tg.BotToken, &tg.WebhookSecret)
	}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		values = append(values, &cfg.Storage.Postgres.DSN)
	}
	return r.ResolveAll(ctx, values...)
}

func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	if cfg.Workspace == "" {
		return workspace.Default()
	}
	return workspace.New(cfg.Workspace)
}

// initStore creates the storage backend selected in config.
func initStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, ws, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	sc := sqlitestore.Config{Path: ws.DatabasePath()}
	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			path, err := workspace.ResolvePath(cfg.Storage.SQLite.Path)
			if err != nil {
				return nil, fmt.Errorf("resolving sqlite path: %w", err)
			}
			sc.Path = path
		}
		sc.JournalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sc, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Storage == nil || cfg.Storage.Postgres == nil || cfg.Storage.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or ARCHDRAW_DB_DSN)")
	}
	pc := cfg.Storage.Postgres
	db, err := pgstore.Open(pgstore.Config{
		DSN:             pc.DSN,
		MaxOpenConns:    pc.MaxOpenConns,
		MaxIdleConns:    pc.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pc.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(db, storage.DriverPostgres), nil
}

// initSandbox builds the configured isolation backend, instrumented when
// observability is on.
func initSandbox(cfg *config.Config, obs *observability.Observability, logger *slog.Logger) sandbox.Sandbox {
	var sbx sandbox.Sandbox
	switch cfg.Sandbox.SandboxType() {
	case "docker":
		d := cfg.Sandbox.Docker
		sbx = sandbox.NewDockerSandbox(sandbox.DockerConfig{
			Image:          d.Image,
			DefaultTimeout: cfg.Diagram.Timeout(),
			MemoryMB:       cfg.Sandbox.MemoryMB(),
			CPUCores:       d.CPUCores,
			PIDsLimit:      d.PIDsLimit,
			NetworkAllowed: d.NetworkAllowed,
			User:           d.User,
		}, logger)
	default:
		sbx = sandbox.NewProcessSandbox(sandbox.ProcessConfig{
			DefaultTimeout: cfg.Diagram.Timeout(),
			DefaultLimits: sandbox.ResourceLimits{
				MaxCPUSeconds: cfg.Sandbox.CPUSeconds(),
				MaxMemoryMB:   cfg.Sandbox.MemoryMB(),
			},
		}, logger)
	}
	if obs.MetricsOrNil() == nil && obs.TracerOrNil() == nil {
		return sbx
	}
	return observability.NewInstrumentedSandbox(sbx, cfg.Sandbox.SandboxType(), obs.MetricsOrNil(), obs.TracerOrNil())
}
