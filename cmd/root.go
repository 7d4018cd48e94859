// Package cmd holds the cardscan command line.
package cmd

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/cardscan/internal/config"
	"github.com/example/cardscan/internal/logging"
)

// rootOptions carries the persistent flags and the state they produce.
type rootOptions struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
}

func (o *rootOptions) init() error {
	cfg, path, exists, err := config.Load(o.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	logger, err := logging.NewLogger(cfg.LoggingOptions())
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.Debug("configuration loaded", zap.String("path", path), zap.Bool("file_found", exists))

	o.cfg = cfg
	o.logger = logger
	return nil
}

// NewRootCmd builds the cardscan command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "cardscan",
		Short: "Identify trading cards from photos by perceptual fingerprint",
		Long: `cardscan keeps a local database of card names and artwork fingerprints.

It answers "which card is this?" for an uploaded photo, searches cards by
name in two languages and rebuilds its database from the public catalog.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional
			_ = godotenv.Load()
			return opts.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to cardscan.toml (default $CARDSCAN_CONFIG or ./cardscan.toml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")

	cmd.AddCommand(
		newServeCmd(opts),
		newRebuildCmd(opts),
		newIdentifyCmd(opts),
		newSearchCmd(opts),
		newHashCmd(opts),
		newExportCmd(opts),
		newTokenCmd(opts),
	)

	return cmd
}
