// Package app provides application lifecycle management for the cloudkv server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/cloudkv/internal/config"
)

// App encapsulates all components needed to run the cloudkv API server.
// It provides lifecycle management and graceful shutdown.
type App struct {
	config     *config.Config
	components *AppComponents
	httpServer *http.Server

	ctx        context.Context
	cancelFunc context.CancelFunc
	stopOnce   sync.Once
}

// Start serves HTTP and runs the startup sync in the background. It blocks
// until the HTTP server stops or fails.
func (app *App) Start() error {
	g, ctx := errgroup.WithContext(app.ctx)

	g.Go(func() error {
		slog.Info("Server listening", "address", app.httpServer.Addr)
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		app.startupSync(ctx)
		return nil
	})

	return g.Wait()
}

// startupSync waits for initial cloud sync once so that the first requests
// see cloud data where possible. Failures only delay that.
func (app *App) startupSync(ctx context.Context) {
	if err := app.components.Defaults.Sync(ctx); err != nil {
		slog.Info("Startup sync stopped", "error", err)
		return
	}
	st := app.components.Defaults.SyncStatus()
	slog.Info("Startup sync finished", "phase", st.Phase, "initial_sync_completed", st.InitialSyncCompleted)

	app.recordKeyCount(ctx)
}

func (app *App) recordKeyCount(ctx context.Context) {
	if app.components.StoreMetrics == nil {
		return
	}
	keys, err := app.components.Defaults.Keys(ctx)
	if err != nil {
		slog.Warn("Failed to count keys", "error", err)
		return
	}
	app.components.StoreMetrics.RecordKeysTotal(ctx, app.components.StoreType, int64(len(keys)))
}

// Stop shuts the HTTP server down within timeout and releases the store.
// Calling Stop more than once is safe.
func (app *App) Stop(timeout time.Duration) error {
	var err error
	app.stopOnce.Do(func() {
		err = app.stop(timeout)
	})
	return err
}

func (app *App) stop(timeout time.Duration) error {
	slog.Info("Shutting down server...")

	if app.cancelFunc != nil {
		app.cancelFunc()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	shutdownErr := app.httpServer.Shutdown(shutdownCtx)

	if app.components.changeSub != nil {
		app.components.changeSub.Unsubscribe()
	}
	if !app.components.Defaults.Flush(shutdownCtx) {
		slog.Warn("Store rejected the final flush, recent changes may not be durable")
	}
	closeErr := app.components.Defaults.Close()

	if shutdownErr != nil {
		return fmt.Errorf("server forced to shutdown: %w", shutdownErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close store: %w", closeErr)
	}

	slog.Info("Server shutdown complete")
	return nil
}

// GetConfig returns the application configuration
func (app *App) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server (useful for testing to get the actual port)
func (app *App) GetHTTPServer() *http.Server {
	return app.httpServer
}

// Components returns the application components
func (app *App) Components() *AppComponents {
	return app.components
}
