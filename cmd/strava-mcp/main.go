// Command strava-mcp runs the Strava MCP gateway over stdio or streamable
// HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/piwibardy/strava-mcp-http/internal/config"
	"github.com/piwibardy/strava-mcp-http/internal/httpapi"
	"github.com/piwibardy/strava-mcp-http/internal/mcpserver"
	"github.com/piwibardy/strava-mcp-http/internal/store"
	"github.com/piwibardy/strava-mcp-http/internal/strava"
)

const shutdownTimeout = 10 * time.Second

var (
	transport  string
	addr       string
	configPath string

	rootCmd = &cobra.Command{
		Use:   "strava-mcp",
		Short: "Strava MCP gateway",
		Long: "Exposes Strava fitness-data read operations as MCP tools over stdio " +
			"or streamable HTTP, handling OAuth token refresh and rate-limit " +
			"tracking against the Strava API.",
		RunE: run,
	}
)

func init() {
	rootCmd.Flags().StringVarP(&transport, "transport", "t", "stdio", "Transport: stdio or http")
	rootCmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address for the http transport (overrides ADDR)")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	// Logs go to stderr: stdout is the protocol channel on stdio.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DatabasePath, 0, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	limits := strava.NewRateLimitTracker()
	srv := mcpserver.New(cfg, db, limits, logger)

	switch transport {
	case "stdio":
		logger.Info("starting MCP server", "transport", "stdio")
		return srv.Run(ctx)

	case "http":
		if addr == "" {
			addr = cfg.Addr
		}
		app := httpapi.NewServer(httpapi.Options{
			Config:     cfg,
			Store:      db,
			MCPHandler: srv.HTTPHandler(),
			Logger:     logger,
		})

		errCh := make(chan error, 1)
		go func() {
			logger.Info("starting MCP server", "transport", "http", "addr", addr)
			errCh <- app.Listen(addr)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			logger.Info("shutting down")
			return app.ShutdownWithTimeout(shutdownTimeout)
		}

	default:
		return fmt.Errorf("unknown transport %q (want stdio or http)", transport)
	}
}
