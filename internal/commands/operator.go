package commands

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"hilo-trend-engine/config"
	"hilo-trend-engine/internal/app"
	"hilo-trend-engine/internal/auth"
	"hilo-trend-engine/internal/database"
	"hilo-trend-engine/internal/marketdata"
	"hilo-trend-engine/internal/position"
	"hilo-trend-engine/internal/signal"
	"hilo-trend-engine/internal/vault"
)

var (
	rearmAsset     string
	rearmTimeframe string
	rearmFlipTime  string
	rearmStage     string
	ledgerLimit    int
	tokenOperator  string
	tokenRole      string
)

var closeCmd = &cobra.Command{
	Use:   "close <asset>",
	Short: "Close the open position of an asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(a *app.App, log zerolog.Logger) error {
			asset := strings.ToUpper(args[0])
			log.Warn().Str("asset", asset).Msg("Manual close requested")

			outcome := a.Positions.Close(cmd.Context(), asset)
			if err := printJSON(cmd, outcome); err != nil {
				return err
			}
			if outcome.Kind == position.OutcomeFailed {
				return fmt.Errorf("close %s: %s", asset, outcome.Reason)
			}
			return nil
		})
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger <asset>",
	Short: "List the most recent ledger entries of an asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(a *app.App, log zerolog.Logger) error {
			entries, err := a.Gate.Ledger().List(cmd.Context(), strings.ToUpper(args[0]), ledgerLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd, entries)
		})
	},
}

var rearmCmd = &cobra.Command{
	Use:   "rearm",
	Short: "Delete a ledger entry so its flip may fire again",
	Long: `A claimed flip never fires twice, even when the process crashed between
the claim and the order. After checking the exchange, an operator can delete
the entry so the next cycle evaluates the flip again.

Example:
  hilo rearm --asset BTCUSDT --timeframe 1d --flip-time 2024-03-01T00:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flipTime, err := time.Parse(time.RFC3339, rearmFlipTime)
		if err != nil {
			return fmt.Errorf("invalid --flip-time: %w", err)
		}
		tf := marketdata.Timeframe(rearmTimeframe)
		if _, err := tf.Duration(); err != nil {
			return err
		}
		stage := signal.Stage(rearmStage)
		if stage != signal.StageFlip && stage != signal.StageReentry {
			return fmt.Errorf("invalid --stage %q", rearmStage)
		}
		key := signal.FlipKey{
			Asset:     strings.ToUpper(rearmAsset),
			Timeframe: tf,
			FlipTime:  flipTime.UTC(),
			Stage:     stage,
		}

		return withApp(cmd.Context(), true, func(a *app.App, log zerolog.Logger) error {
			if err := a.Gate.Rearm(cmd.Context(), key); err != nil {
				if errors.Is(err, signal.ErrEntryNotFound) {
					return fmt.Errorf("no ledger entry for %s", key)
				}
				return err
			}
			log.Warn().Stringer("key", key).Msg("Ledger entry re-armed by operator")
			return printJSON(cmd, key)
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is not configured")
		}
		resp, err := app.NewJWTManager(cfg.Auth).GenerateToken(auth.OperatorClaims{
			Operator: tokenOperator,
			Role:     tokenRole,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, resp)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the PostgreSQL schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, closer, err := newLogger(cfg, true)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if closer != nil {
			defer closer.Close()
		}

		db, err := database.NewDB(cmd.Context(), app.DatabaseConfig(cfg.Database), log)
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		defer db.Close()

		if err := db.RunMigrations(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
		return nil
	},
}

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage exchange credentials in Vault",
}

var storeCredentialsCmd = &cobra.Command{
	Use:   "store",
	Short: "Write the configured API key pair to Vault",
	Long: `Reads binance.api_key and binance.secret_key (or BINANCE_API_KEY and
BINANCE_SECRET_KEY) and stores them under the Vault path of the configured
network, so live runs can start without keys in the environment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Binance.APIKey == "" || cfg.Binance.SecretKey == "" {
			return fmt.Errorf("binance api_key and secret_key are required")
		}
		client, err := vault.NewClient(cfg.Vault)
		if err != nil {
			return err
		}
		err = client.StoreCredentials(cmd.Context(), vault.Credentials{
			APIKey:    cfg.Binance.APIKey,
			SecretKey: cfg.Binance.SecretKey,
			IsTestnet: cfg.Binance.TestNet,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Credentials stored (testnet=%t)\n", cfg.Binance.TestNet)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var sampleConfigCmd = &cobra.Command{
	Use:   "sample [file]",
	Short: "Write a sample configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "config.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.GenerateSampleConfig(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sample configuration written to %s\n", path)
		return nil
	},
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration valid: %d assets, dry_run=%t\n", len(cfg.Engine.Assets), cfg.Futures.DryRun)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(closeCmd, ledgerCmd, rearmCmd, tokenCmd, migrateCmd, credentialsCmd, configCmd)
	configCmd.AddCommand(sampleConfigCmd, validateConfigCmd)
	credentialsCmd.AddCommand(storeCredentialsCmd)

	ledgerCmd.Flags().IntVar(&ledgerLimit, "limit", 20, "Maximum entries")

	rearmCmd.Flags().StringVar(&rearmAsset, "asset", "", "Asset symbol")
	rearmCmd.Flags().StringVar(&rearmTimeframe, "timeframe", string(marketdata.TF1d), "Timeframe of the flip")
	rearmCmd.Flags().StringVar(&rearmFlipTime, "flip-time", "", "Open time of the flip bar (RFC3339)")
	rearmCmd.Flags().StringVar(&rearmStage, "stage", string(signal.StageFlip), "Ledger stage (flip or reentry)")
	_ = rearmCmd.MarkFlagRequired("asset")
	_ = rearmCmd.MarkFlagRequired("flip-time")

	tokenCmd.Flags().StringVar(&tokenOperator, "operator", "", "Operator name")
	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleViewer, "Role (operator or viewer)")
	_ = tokenCmd.MarkFlagRequired("operator")
}
