package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/specialistvlad/modgrid/internal/config"
	"github.com/specialistvlad/modgrid/internal/ctxlog"
	"github.com/specialistvlad/modgrid/internal/registry"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW    io.Writer
	logger  *slog.Logger
	config  *Config
	file    *config.File
	builder *registry.Builder

	mu         sync.Mutex
	httpServer *http.Server
	healthAddr string
}

// NewApp is the constructor for the main application. It configures the
// logger, loads the module configuration and registers the modules, falling
// back to coreModules when none are given. Nothing is started yet.
func NewApp(outW io.Writer, cfg *Config, modules ...registry.Dependency) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	file, err := config.Load(ctx, cfg.ConfigPaths...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Debug("Module configuration loaded.", "blocks", file.Names())

	if len(modules) == 0 {
		modules = coreModules
	}
	builder := registry.NewBuilder()
	if err := builder.Register(modules...); err != nil {
		return nil, fmt.Errorf("failed to register modules: %w", err)
	}
	logger.Debug("All modules registered.", "count", len(builder.Order()))

	return &App{
		outW:    outW,
		logger:  logger,
		config:  cfg,
		file:    file,
		builder: builder,
	}, nil
}

// Builder returns the application's registry builder. This is primarily for
// testing and introspection.
func (a *App) Builder() *registry.Builder {
	return a.builder
}

// Logger returns the application's logger.
func (a *App) Logger() *slog.Logger {
	return a.logger
}
