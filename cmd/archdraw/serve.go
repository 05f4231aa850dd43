package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/archdraw/internal/config"
	"github.com/jkaninda/archdraw/internal/gateway"
	"github.com/jkaninda/archdraw/internal/gateway/httpapi"
	"github.com/jkaninda/archdraw/internal/gateway/telegram"
	"github.com/jkaninda/archdraw/internal/observability"
	"github.com/jkaninda/archdraw/internal/ratelimit"
	"github.com/jkaninda/archdraw/internal/scheduler"
	"github.com/jkaninda/archdraw/internal/workspace"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the enabled gateways (Telegram bot, HTTP API) and the workspace janitor",
	RunE:  runServe,
}

func init() {
	// Registered on both root and serve so that
	// `archdraw --port :9090` and `archdraw serve --port :9090` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP API listen address (e.g. :8080)")
	}
}

// runServe starts archdraw in server mode.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(true)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" && cfg.Gateways.HTTP != nil {
		cfg.Gateways.HTTP.ListenAddr = servePort
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Cleanup()

	// No attempt can be in flight yet: drop directories left by a crash.
	if n, err := workspace.CleanEphemeral(app.EphemeralDir); err != nil {
		logger.Warn("cleaning ephemeral dir", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("removed stale attempt directories", slog.Int("count", n))
	}

	if app.Obs != nil {
		app.Obs.Health.AddCheck("storage", app.Store.Ping)
		app.Obs.Health.AddCheck("ephemeral_dir", observability.DirWritable(app.EphemeralDir))
		app.Obs.Health.AddCheck("artifacts_dir", observability.DirWritable(app.ArtifactsDir))
	}

	var (
		gateways []gateway.Named
		limiters = map[string]*ratelimit.Limiter{}
	)

	if tg := cfg.Gateways.Telegram; tg != nil && tg.Enabled {
		limiter := ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: tg.RateLimit.RequestsPerMinute,
			BurstSize:         tg.RateLimit.BurstSize,
		})
		limiters["telegram"] = limiter
		gw := telegram.NewGateway(telegram.Config{
			BotToken:      tg.BotToken,
			APIBaseURL:    tg.APIBaseURL,
			WebhookURL:    tg.WebhookURL,
			WebhookSecret: tg.WebhookSecret,
			ListenAddr:    tg.ListenAddr,
			AllowedUsers:  tg.AllowedUsers,
			PollTimeout:   tg.PollTimeoutSeconds,
		}, app.Diagrams, limiter, logger.With(slog.String("gateway", "telegram")),
			telegram.WithMetrics(app.Obs.MetricsOrNil()),
		)
		gateways = append(gateways, gateway.Named{Name: "telegram", Gateway: gw})
	}

	if h := cfg.Gateways.HTTP; h != nil && h.Enabled {
		limiter := ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: h.RateLimit.RequestsPerMinute,
			BurstSize:         h.RateLimit.BurstSize,
		})
		limiters["http"] = limiter
		gw := httpapi.NewGateway(httpAPIConfig(cfg, app), app.Diagrams, app.Validator, limiter,
			logger.With(slog.String("gateway", "http")))
		gateways = append(gateways, gateway.Named{Name: "http", Gateway: gw})
	}

	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled: set gateways.telegram.enabled or gateways.http.enabled")
	}

	// Workspace janitor.
	if sc := cfg.Scheduler; sc != nil && sc.Enabled {
		opts := []scheduler.Option{}
		if m := app.Obs.MetricsOrNil(); m != nil {
			opts = append(opts, scheduler.WithMetrics(scheduler.NewMetrics(m.Registry)))
		}
		for name, l := range limiters {
			opts = append(opts, scheduler.WithTask(scheduler.Task{
				Name: "ratelimit_" + name,
				Run:  func(context.Context) (int, error) { return l.Prune(), nil },
			}))
		}
		janitor, err := scheduler.New(scheduler.Config{
			Schedule:          sc.Schedule(),
			EphemeralRoot:     app.EphemeralDir,
			EphemeralMaxAge:   sc.EphemeralMaxAge(),
			ArtifactsDir:      app.ArtifactsDir,
			ArtifactRetention: sc.ArtifactRetention(),
		}, logger.With(slog.String("component", "janitor")), opts...)
		if err != nil {
			return fmt.Errorf("initializing janitor: %w", err)
		}
		stopJanitor := janitor.Start(ctx)
		defer stopJanitor()
	}

	return gateway.Run(ctx, gateways, gateway.DefaultShutdownGrace, logger)
}

func httpAPIConfig(cfg *config.Config, app *App) httpapi.Config {
	h := cfg.Gateways.HTTP
	hc := httpapi.Config{
		ListenAddr:     h.Addr(),
		EnableDocs:     h.EnableDocs,
		APIKeys:        h.APIKeyUserMapping,
		MaxRequestSize: h.MaxRequestSizeBytes,
		ArtifactsDir:   app.ArtifactsDir,
		ArtifactPrefix: cfg.Diagram.ArtifactPrefix,
	}
	if app.Obs == nil {
		return hc
	}
	hc.HealthChecker = app.Obs.Health
	if m := app.Obs.Metrics; m != nil {
		hc.Metrics = m
		hc.MetricsRegistry = m.Registry
		hc.MetricsPath = cfg.Observability.Metrics.Path
	}
	if ts := app.Obs.Tracer; ts != nil {
		hc.Tracer = ts.Tracer()
	}
	return hc
}

var (
	_ gateway.Gateway = (*telegram.Gateway)(nil)
	_ gateway.Gateway = (*httpapi.Gateway)(nil)
)
