package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sakif/coderunner/internal/server"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP server with the execution, account and history endpoints.

Without a JWT secret the server runs in anonymous mode: only /api/languages
and /api/execute are mounted and runs are not recorded per user.

Examples:
  coderunner serve
  coderunner serve --port 9090
  CODERUNNER_SERVER_JWT_SECRET=$(openssl rand -hex 32) coderunner serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpCfg := cfg.HTTPServer()
	if portFlag > 0 {
		httpCfg.Port = portFlag
	}
	if dir := filepath.Dir(httpCfg.DBPath); httpCfg.DBPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}

	sb, err := newSandbox(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer sb.Close()

	deps := server.Deps{Executor: sb.engine, Languages: sb.languages()}
	if sb.runtime != nil {
		deps.Runtime = sb.runtime
	}

	srv, err := server.New(httpCfg, deps, logger)
	if err != nil {
		return err
	}

	logger.Info("starting server", slog.Int("port", httpCfg.Port))
	return srv.Start(ctx)
}
