package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"hilo-trend-engine/config"
	"hilo-trend-engine/internal/app"
	"hilo-trend-engine/internal/logging"
	"hilo-trend-engine/internal/marketdata"
)

var (
	configPath string
	barsPath   string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hilo",
	Short: "HiLo trend signal and execution engine",
	Long: `Tracks the HiLo Activator trend of a basket of futures assets across
several timeframes and trades the daily trend flips.

Each cycle fetches closed bars, computes the trend per timeframe, asks the
reversal classifier for a probability, and lets the signal gate fire at most
one order per flip. Periods are tuned per asset by a cost-aware backtest.`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// SIGINT and SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: config.yaml in the working directory)")
	rootCmd.PersistentFlags().StringVar(&barsPath, "bars", "", "JSON bars file to use instead of the exchange klines feed")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// newLogger builds the process logger. One-shot commands keep stdout for
// their JSON output.
func newLogger(cfg *config.Config, oneShot bool) (zerolog.Logger, io.Closer, error) {
	lc := cfg.Logging
	if oneShot && (lc.Output == "" || lc.Output == "stdout") {
		lc.Output = "stderr"
	}
	return logging.New(lc)
}

// withApp loads the configuration, builds the engine and hands it to fn
func withApp(ctx context.Context, oneShot bool, fn func(*app.App, zerolog.Logger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg, oneShot)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	ctx, logger = logging.WithTraceContext(ctx, logger)

	var opts []app.Option
	if barsPath != "" {
		provider, err := marketdata.LoadStaticProvider(barsPath)
		if err != nil {
			return err
		}
		opts = append(opts, app.WithMarketData(provider))
	}

	application, err := app.New(ctx, cfg, logger, opts...)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		return err
	}
	defer application.Close()

	return fn(application, logger)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
