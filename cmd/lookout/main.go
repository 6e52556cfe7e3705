// Package main implements the lookout CLI: a background observer for a
// project that answers questions through a filesystem mailbox while you keep
// working in the foreground.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"lookout/internal/config"
	"lookout/internal/logging"
)

// version is stamped by the release build.
var version = "0.3.0"

var (
	// Global flags
	configPath string
	verbose    bool
	jsonLogs   bool

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "lookout",
	Short: "lookout - a second pair of eyes on your project",
	Long: `lookout keeps a background observer on a project: it reads the tree,
follows your session, and answers questions without interrupting the tool
you are working in.

Two processes cooperate through files. 'lookout chat' (the default) drops
questions into the session mailbox; 'lookout observe' picks them up, builds
a context snapshot of the project, asks the model backend, and writes the
answer back.

Run without arguments to start the interactive chat.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(resolveConfigPath())
		if err != nil {
			return err
		}

		zcfg := zap.NewProductionConfig()
		if !jsonLogs {
			zcfg.Encoding = "console"
			zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}

		if cfg.Logging.Enabled {
			if err := logging.Initialize(cfg.LogDir(), true); err != nil {
				logger.Warn("file logging unavailable", zap.Error(err))
			} else if verbose {
				logging.SetLevel(logging.LevelDebug)
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: launch the interactive chat.
		return chatCmd.RunE(cmd, args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the lookout version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("lookout %s\n", version)
	},
}

// resolveConfigPath picks the config file: flag, then environment, then the
// default under the user home.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("LOOKOUT_CONFIG"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".lookout", "config.yaml")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ~/.lookout/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit JSON logs instead of console lines")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(observeCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
