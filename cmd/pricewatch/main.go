package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/pricewatch/internal/config"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "pricewatch",
	Short:         "Track marketplace searches and alert on price drops",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runOnceCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(itemCmd)
	rootCmd.AddCommand(ownerCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// setupLogging installs the default slog handler. Logs go to stderr so the
// MCP stdio transport keeps stdout to itself.
func setupLogging(cfg config.Config) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	setupLogging(cfg)
	return cfg, nil
}
