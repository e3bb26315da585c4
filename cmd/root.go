package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/market-trends/internal/config"
)

var (
	cfg        *config.Config
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "market-trends",
	Short: "Trip-record market analysis pipeline",
	Long: `Builds market tables from monthly trip-record files.

  run        every phase in order, optionally resuming the last failed run
  ingest     download, impute the missing month and unify into canonical CSV
  audit      flag implausible trips and rank vendors by anomaly count
  aggregate  leakage, momentum, volatility, daily totals, engagement and the summary
  correlate  fetch the daily covariate and relate it to daily volume
  publish    load the derived tables into Postgres
  export     bundle the derived tables into one workbook
  runs       list recorded runs and their phases

Settings come from config.yaml (or --config) and MARKET_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadFrom(configPath)
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		if err := config.InitLogger(c.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		cfg = c
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml if present)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
