package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/copytrader/config"
	"github.com/rustyeddy/copytrader/journal"
)

var rootCmd = &cobra.Command{
	Use:   "copytrader",
	Short: "Copy OANDA trades from source accounts to mirror accounts",
	Long: `Copytrader watches OANDA source accounts for filled orders and places
scaled market orders on each of their mirror accounts.

It provides tools for:
  - Streaming source transactions with polling as a fallback
  - Static or NAV-proportional position scaling per mirror
  - A SQLite ledger of every detected trade and mirror execution
  - Retrying failed mirror orders
  - A small HTTP API with a websocket event feed`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnvFile(envFile)
	},
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
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "copytrader.yaml", "config file (YAML or JSON); defaults apply when missing")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// loadConfig reads cfgFile, or uses defaults when it does not exist.
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		cfg := config.Default()
		cfg.ApplyEnv()
		return cfg, cfg.Validate()
	}
	cfg, err := config.LoadFromFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*journal.SQLite, error) {
	j, err := journal.NewSQLite(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return j, nil
}
