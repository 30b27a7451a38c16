package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cadenza-automation/cadenza/internal/core/config"
	"github.com/cadenza-automation/cadenza/internal/core/logging"
	"github.com/cadenza-automation/cadenza/internal/platform"
	"github.com/cadenza-automation/cadenza/internal/types"
)

const Version = "0.1.0"

var (
	configFile string
	dbURL      string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:           "cadenza",
	Short:         "Cadenza automation-rule engine",
	Long:          `Cadenza reacts to platform events by evaluating rule conditions and dispatching actions.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "database connection URL (sqlite://path or postgres://...)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, text)")
}

func Execute() error {
	return rootCmd.Execute()
}

// setup loads configuration, applies changed persistent flags and builds
// the logger.
func setup(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("db-url") {
		cfg.Database.URL = dbURL
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if err := config.Validate(cfg); err != nil {
		return nil, zerolog.Nop(), err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

// newRegistry registers the system platform and every configured platform.
func newRegistry(cfg *config.Config, logger zerolog.Logger) (*platform.Registry, error) {
	reg := platform.NewRegistry(logger)
	system := types.Platform{ID: types.SystemPlatform, Name: "System", Connected: true}
	for _, p := range cfg.Platforms {
		if p.ID == types.SystemPlatform {
			system = p
		}
	}
	if err := reg.Register(system); err != nil {
		return nil, err
	}
	for _, p := range cfg.Platforms {
		if p.ID == types.SystemPlatform {
			continue
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
