package main

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dan-strohschein/syndrdb-bulkload/client"
	"github.com/dan-strohschein/syndrdb-bulkload/config"
	"github.com/dan-strohschein/syndrdb-bulkload/logging"
)

// skipConfig marks commands that must work without a loadable configuration.
const skipConfig = "skip-config"

// app carries what PersistentPreRunE resolved to the subcommands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	out    *printer

	configPath string
	logLevel   string
	logFormat  string
	debug      bool
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "bulkload",
		Short:         "Seed and purge a document container through bulk stored procedures",
		Version:       client.Version,
		Example:       rootCmdExample,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.out = newPrinter(cmd.OutOrStdout())
			if cmd.Annotations[skipConfig] == "true" {
				a.logger = logging.New(logging.Config{Level: a.logLevel, Format: a.logFormat, Out: cmd.ErrOrStderr()})
				return nil
			}
			return a.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default: ./bulkload.yaml)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "log format: auto, console, json")
	cmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging and verbose errors")

	cmd.AddCommand(
		newRunCmd(a),
		newSeedCmd(a),
		newPurgeCmd(a),
		newCheckCmd(a),
		newEmulatorCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)
	return cmd
}

// load reads the configuration, applies persistent flag overrides and builds
// the logger.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = a.logFormat
	}
	if a.debug {
		cfg.Log.Level = zerolog.LevelDebugValue
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a.cfg = cfg
	a.logger = logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Out: cmd.ErrOrStderr()})
	a.logger.Debug().
		Str("source", cfg.Source).
		Interface("config", cfg.Redacted()).
		Msg("configuration loaded")
	return nil
}

// applyRunFlags copies the flags shared by run, seed and purge onto the config.
func (a *app) applyRunFlags(cmd *cobra.Command, f *runFlags) {
	flags := cmd.Flags()
	if flags.Changed("emulator") {
		a.cfg.Emulator.Enabled = f.emulator
	}
	if flags.Changed("partition-key") {
		a.cfg.PartitionKey = strings.TrimSpace(f.partitionKey)
	}
	if flags.Changed("items") {
		a.cfg.Items = f.items
	}
	if flags.Changed("seed") {
		a.cfg.Seed = f.seed
	}
	if flags.Changed("max-rounds") {
		a.cfg.Loop.MaxRounds = f.maxRounds
	}
}

const rootCmdExample = `  # Seed 1000 foods and purge them again against a local emulator
  bulkload run --emulator

  # Seed only, against a real endpoint
  BULKLOAD_ENDPOINT=db.internal:7632 BULKLOAD_KEY=... bulkload seed --items 5000

  # Purge a partition
  bulkload purge --partition-key "Energy Bars"

  # Serve the emulator for other processes
  bulkload emulator

  # Write a configuration file with the defaults
  bulkload config init`

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bulkload %s\n", client.Version)
		},
	}
}
