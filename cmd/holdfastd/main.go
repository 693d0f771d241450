package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/holdfast-sh/holdfast/internal/config"
)

type rootOptions struct {
	configPath string
	logJSON    bool
}

func (r *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(r.configPath)
	if err != nil {
		return nil, err
	}
	if r.logJSON {
		cfg.LogJSON = true
	}
	return cfg, nil
}

func (r *rootOptions) logger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	return slog.New(handler)
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "holdfastd",
		Short: "Persistent multiplexed terminal session daemon",
	}
	defaultConfig := os.Getenv("HOLDFAST_CONFIG")
	if defaultConfig == "" {
		defaultConfig = config.DefaultConfigPath()
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to config file (default $HOLDFAST_HOME/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "emit logs as JSON")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newSessionsCmd(opts))
	rootCmd.AddCommand(newKeygenCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
