package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/specialistvlad/modgrid/internal/registry"
	"github.com/specialistvlad/modgrid/modules/metrics"
)

// modulesResponse is the body of GET /modules.
type modulesResponse struct {
	State   string   `json:"state"`
	Modules []string `json:"modules"`
}

// routes builds the health and introspection mux.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.healthHandler)
	mux.HandleFunc("GET /modules", a.modulesHandler)
	mux.HandleFunc("GET /metrics", a.metricsHandler)
	return mux
}

// healthHandler reports 200 once every module has been published.
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	state := registry.CurrentState()
	if state != registry.StatePublished {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, state)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// modulesHandler lists the published modules in start-up order.
func (a *App) modulesHandler(w http.ResponseWriter, _ *http.Request) {
	resp := modulesResponse{State: registry.CurrentState().String(), Modules: []string{}}
	status := http.StatusServiceUnavailable
	if r, ok := registry.Published(); ok {
		resp.Modules = r.Modules()
		status = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Error("Failed to encode module list.", "error", err)
	}
}

// metricsHandler delegates to the metrics module when it is running.
func (a *App) metricsHandler(w http.ResponseWriter, r *http.Request) {
	m, err := metrics.Module.TryGlobal()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	m.Handler().ServeHTTP(w, r)
}

// startHealthcheckServer binds the health server and serves it in the
// background. It does nothing when the port is zero.
func (a *App) startHealthcheckServer() error {
	if a.config.HealthcheckPort <= 0 {
		a.logger.Warn("Health check server not started: disabled")
		return nil
	}

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", a.config.HealthcheckPort))
	if err != nil {
		return fmt.Errorf("failed to bind health check server: %w", err)
	}

	srv := &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.mu.Lock()
	a.httpServer = srv
	a.healthAddr = l.Addr().String()
	a.mu.Unlock()

	go func() {
		a.logger.Info("🩺 Health check server starting", "address", fmt.Sprintf("http://%s/health", l.Addr()))
		// Serve returns ErrServerClosed on graceful shutdown.
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Health check server failed unexpectedly", "error", err)
		}
	}()
	return nil
}

// HealthcheckAddr returns the address the health server is bound to, or an
// empty string when it is not running.
func (a *App) HealthcheckAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthAddr
}

func (a *App) closeHealthCheckServer(ctx context.Context) error {
	a.mu.Lock()
	srv := a.httpServer
	a.httpServer = nil
	a.healthAddr = ""
	a.mu.Unlock()

	if srv == nil {
		a.logger.Debug("Health check server was not running.")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.ShutdownTimeout)
	defer cancel()

	a.logger.Info("🩺 Shutting down health check server...")
	if err := srv.Shutdown(ctx); err != nil {
		a.logger.Error("Health check server shutdown failed", "error", err)
		return err
	}
	a.logger.Debug("Health check server shut down gracefully.")
	return nil
}
