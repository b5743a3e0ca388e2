package commands

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"hilo-trend-engine/internal/app"
)

var (
	serverPort  int
	serverHost  string
	noAutopilot bool
)

// serveCmd runs the autopilot loop and the operator API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the decision loop and the operator API",
	Long: `Start the engine:
• Autopilot loop running one decision cycle per interval
• Operator REST API with gate, ledger, position and optimizer endpoints
• WebSocket event stream
• Prometheus metrics at /metrics

The server shuts down gracefully on SIGINT or SIGTERM, letting the running
cycle finish.

Examples:
  hilo serve                      # Start with config.yaml
  hilo serve --port 9090          # Start on custom port
  hilo serve --no-autopilot       # API only, cycles run on demand`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "Server port (overrides config)")
	serveCmd.Flags().StringVarP(&serverHost, "host", "H", "", "Server host (overrides config)")
	serveCmd.Flags().BoolVar(&noAutopilot, "no-autopilot", false, "Do not start the cycle loop")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := context.WithCancel(cmd.Context())
	defer stop()

	return withApp(ctx, false, func(a *app.App, log zerolog.Logger) error {
		cfg := a.Config()
		if serverHost != "" {
			cfg.Server.Host = serverHost
		}
		if serverPort != 0 {
			cfg.Server.Port = serverPort
		}

		log.Info().
			Strs("assets", cfg.Engine.Assets).
			Bool("dry_run", cfg.Futures.DryRun).
			Bool("testnet", cfg.Binance.TestNet).
			Msg("Starting HiLo trend engine")

		server := a.Server()
		errCh := make(chan error, 1)
		go func() { errCh <- server.Start(ctx) }()

		if !noAutopilot {
			if err := a.Controller.Start(ctx); err != nil {
				stop()
				<-errCh
				return err
			}
			defer a.Controller.Stop()
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Shutdown signal received")
			return <-errCh
		case err := <-errCh:
			return err
		}
	})
}
