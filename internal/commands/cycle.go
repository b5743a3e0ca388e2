package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"hilo-trend-engine/internal/app"
	"hilo-trend-engine/internal/optimizer"
)

var (
	applyPeriod    bool
	backtestPeriod int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one decision cycle and print its summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(a *app.App, log zerolog.Logger) error {
			summary, err := a.Controller.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		})
	},
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize [asset...]",
	Short: "Search the best HiLo period per asset",
	Long: `Backtest every candidate period over the primary timeframe history and
rank them by the weighted accuracy, Sharpe and return score. Without
arguments every configured asset is optimized.

With --apply a recommended period becomes the asset's active period and is
stored in the database when one is configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(a *app.App, log zerolog.Logger) error {
			assets := args
			if len(assets) == 0 {
				assets = a.Controller.Assets()
			}

			outcomes := make([]*optimizer.Outcome, 0, len(assets))
			for _, asset := range assets {
				outcome, err := a.Optimize(cmd.Context(), asset, applyPeriod)
				if err != nil {
					log.Error().Err(err).Str("asset", strings.ToUpper(asset)).Msg("Optimization failed")
					continue
				}
				outcomes = append(outcomes, outcome)
			}
			if len(outcomes) == 0 {
				return fmt.Errorf("no asset could be optimized")
			}
			return printJSON(cmd, outcomes)
		})
	},
}

var backtestCmd = &cobra.Command{
	Use:   "backtest <asset>",
	Short: "Replay the HiLo trend of one asset with fees",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(a *app.App, log zerolog.Logger) error {
			result, err := a.Backtest(cmd.Context(), args[0], backtestPeriod)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		})
	},
}

var screenCmd = &cobra.Command{
	Use:   "screen <asset...>",
	Short: "Check whether assets qualify for the monitored universe",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(a *app.App, log zerolog.Logger) error {
			results := make([]*optimizer.ScreenResult, 0, len(args))
			for _, asset := range args {
				res, err := a.Screen(cmd.Context(), asset)
				if err != nil {
					return fmt.Errorf("screen %s: %w", asset, err)
				}
				results = append(results, res)
			}
			return printJSON(cmd, results)
		})
	},
}

func init() {
	rootCmd.AddCommand(runCmd, optimizeCmd, backtestCmd, screenCmd)

	optimizeCmd.Flags().BoolVar(&applyPeriod, "apply", false, "Activate recommended periods")
	backtestCmd.Flags().IntVar(&backtestPeriod, "period", 0, "HiLo period (default: the asset's active period)")
}
