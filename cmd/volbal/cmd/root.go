package cmd

import (
	"github.com/spf13/cobra"

	"github.com/rustyeddy/volbalance/config"
)

var rootCmd = &cobra.Command{
	Use:   "volbal",
	Short: "A volatility-balancing trading engine",
	Long: `Volbal keeps each position's stock/cash split in balance by trading
against price moves away from an anchor price.

It provides tools for:
  - Serving the engine, worker and simulator over HTTP
  - Backtesting the strategy against historical daily bars
  - Inspecting the trade ledger and event timeline
  - Generating and validating configuration files`,
	SilenceUsage: true,
}

var (
	cfgFile string
	envFile string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML or JSON); defaults apply when empty")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with VOLBAL_* overrides, ignored if missing")
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile, envFile)
}
