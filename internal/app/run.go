package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/specialistvlad/modgrid/internal/config"
	"github.com/specialistvlad/modgrid/internal/ctxlog"
)

// Run starts every module and blocks until ctx is cancelled or the process
// receives SIGINT or SIGTERM. The health server comes up first, so it
// reports 503 while the modules are starting.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	ctx = config.WithFile(ctx, a.file)
	a.logger.Debug("App.Run method started.")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.startHealthcheckServer(); err != nil {
		return err
	}
	defer func() { _ = a.closeHealthCheckServer(ctx) }()

	a.logger.Info("🚀 Starting modules...", "order", a.builder.Order())
	if err := a.builder.Init(ctx); err != nil {
		return fmt.Errorf("failed to start modules: %w", err)
	}

	a.logger.Info("🏁 Modules running, waiting for shutdown signal.")
	<-ctx.Done()
	a.logger.Info("Shutdown requested.", "cause", context.Cause(ctx))

	a.logger.Debug("App.Run method finished.")
	return nil
}
