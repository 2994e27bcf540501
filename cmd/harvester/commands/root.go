package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/maltedev/floorsheet-harvester/internal/config"
	"github.com/maltedev/floorsheet-harvester/pkg/logger"
)

var (
	cfg *config.Config
	log *slog.Logger

	// exitCode lets a command report a non-error exit status, such as a
	// run stopped on a suspected pagination loop.
	exitCode int

	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:           "harvester",
	Short:         "harvester pages through the NEPSE floor sheet and stores every trade once.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			loaded.Logging.Level = logLevel
		}
		if logFormat != "" {
			loaded.Logging.Format = logFormat
		}
		cfg = loaded
		log = logger.New(cfg.Logging.Level, cfg.Logging.Format)
		slog.SetDefault(log)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error). Overrides LOG_LEVEL.")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (json, text). Overrides LOG_FORMAT.")
}

// ExecuteContext runs the CLI and returns the process exit status.
func ExecuteContext(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return exitCode
}
