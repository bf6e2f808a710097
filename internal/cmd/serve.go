package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fcaptcha/scrapeguard/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the guarded HTTP server",
	Long: `Run the HTTP server. Requests to the site are evaluated and either
proxied to the configured upstream (or the built-in demo page), flagged for a
challenge, or rejected with 429 while the client is banned.

The challenge API is served under /api/challenge/, client activity reports
under /api/activity, health under /health and metrics under /metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	srv, err := server.New(cfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}
