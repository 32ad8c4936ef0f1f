package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/idrbulk/internal/bulk"
	"github.com/kalambet/idrbulk/internal/config"
	"github.com/kalambet/idrbulk/internal/logging"
)

var version = "dev"

var (
	configPath string
	logLevel   string
	logFormat  string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:           "idrbulk",
	Short:         "Bulk-update InsightIDR investigations",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, format := logLevel, logFormat
		if level == "" || format == "" {
			// Logging settings may come from the file; a broken file is
			// reported by the command itself, not here.
			if f, err := config.Open(configPath).Resolve(); err == nil {
				if level == "" {
					level = f.Log.Level
				}
				if format == "" {
					format = f.Log.Format
				}
			}
		}
		if level == "" {
			level = "warn"
		}
		logging.Init(logging.ParseLevel(level), format)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable coloured output")

	rootCmd.AddCommand(investigationsCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(commentsCmd)
	rootCmd.AddCommand(assigneesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(batchesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		printError("%v", err)
		os.Exit(exitCode(err))
	}
}

// exitCode distinguishes "some items failed" from "nothing could run".
func exitCode(err error) int {
	if bulk.IsPartialBatchFailure(err) {
		return 2
	}
	if errors.Is(err, context.Canceled) {
		return 130
	}
	return 1
}
