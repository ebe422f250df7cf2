package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "nebula",
		Short:         "Streaming multimodal chat on top of Gemini",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to the config file (default $XDG_CONFIG_HOME/nebula/config.yaml)")

	rootCmd.AddCommand(newServeCmd(&configPath), newAskCmd(&configPath))
	return rootCmd
}

// setup loads the configuration and builds the logger every command runs with.
func setup(configPath string) (config, *slog.Logger, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return config{}, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closer, err := newLogger(cfg.Log)
	if err != nil {
		return config{}, nil, nil, fmt.Errorf("error creating logger: %w", err)
	}
	slog.SetDefault(logger)

	return cfg, logger, func() { _ = closer.Close() }, nil
}
