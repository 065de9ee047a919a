package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ternarybob/nuntius/internal/app"
	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/server"
)

// shutdownTimeout bounds the graceful drain of in-flight requests and runners
const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the crawl server",
	Long: `Starts the Nuntius server: recovers interrupted tasks, brings up the
task orchestrator and maintenance scheduler, and serves the HTTP API with
SSE and WebSocket event streams until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	common.PrintBanner(common.GetVersion())

	logger.Info().
		Strs("config_files", configFiles).
		Str("host", config.Server.Host).
		Int("port", config.Server.Port).
		Str("store", config.Store.Path).
		Msg("Configuration loaded")

	application, err := app.New(config, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := application.Start(context.Background()); err != nil {
		closeApp(application)
		return fmt.Errorf("failed to start application: %w", err)
	}

	srv := server.New(application)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("Server ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		closeApp(application)
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Server shutdown incomplete")
	}
	if err := application.Close(ctx); err != nil {
		logger.Warn().Err(err).Msg("Application close incomplete")
	}

	logger.Info().Msg("Server stopped")
	return nil
}

// closeApp tears the application down with the standard drain deadline
func closeApp(application *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Close(ctx); err != nil {
		logger.Warn().Err(err).Msg("Application close incomplete")
	}
}
