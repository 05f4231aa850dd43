// Package gateway defines the interface for user-facing entry points and
// runs a set of them until shutdown.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultShutdownGrace bounds Stop calls after the run context ends.
const DefaultShutdownGrace = 10 * time.Second

// Gateway is a user-facing front-end (Telegram, HTTP).
type Gateway interface {
	// Start launches the gateway's event loop and blocks until the gateway
	// exits or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight sessions should drain before returning.
	Stop(ctx context.Context) error
}

// Named pairs a gateway with the name used in logs.
type Named struct {
	Name    string
	Gateway Gateway
}

// Run starts every gateway and blocks until ctx is done or one of them
// exits. The gateways are then stopped in reverse order within grace.
// The returned error is the first gateway failure, if any.
func Run(ctx context.Context, gateways []Named, grace time.Duration, logger *slog.Logger) error {
	if len(gateways) == 0 {
		return errors.New("no gateways enabled")
	}
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}

	type exit struct {
		name string
		err  error
	}
	exits := make(chan exit, len(gateways))
	for _, gw := range gateways {
		go func(n Named) {
			exits <- exit{name: n.Name, err: n.Gateway.Start(ctx)}
		}(gw)
		logger.Info("gateway started", slog.String("gateway", gw.Name))
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case e := <-exits:
		if e.err != nil {
			logger.Error("gateway exited with error",
				slog.String("gateway", e.name),
				slog.String("error", e.err.Error()),
			)
			runErr = e.err
		} else {
			logger.Info("gateway exited", slog.String("gateway", e.name))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Gateway.Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway",
				slog.String("gateway", gateways[i].Name),
				slog.String("error", err.Error()),
			)
		}
	}
	return runErr
}
