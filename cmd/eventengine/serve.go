package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/eventengine/internal/config"
	"github.com/aatumaykin/eventengine/internal/constants"
	"github.com/aatumaykin/eventengine/internal/engine"
	"github.com/aatumaykin/eventengine/internal/logger"
)

var (
	configPath string
	logLevel   string
	envPath    string
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatch engine",
	Long: `Start the TCP acceptor and the worker pool and process events until
SIGINT or SIGTERM. On shutdown the queue is drained within
engine.shutdown_timeout_seconds.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", constants.DefaultConfigPath, "Path to configuration file")
	serveCmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "Log level override (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&envPath, "env", constants.DefaultEnvPath, "Path to .env file")
}

func runServe(ctx context.Context) error {
	if err := config.LoadEnvOptional(envPath); err != nil {
		return fmt.Errorf("failed to load %s: %w", envPath, err)
	}

	cfg, err := loadServeConfig(configPath)
	if err != nil {
		return err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "❌ %v\n", e)
		}
		return fmt.Errorf("configuration has %d errors", len(errs))
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	logger.SetDefault(log)
	defer log.Close()

	eng, err := engine.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to build engine", err)
		return err
	}

	if err := eng.Run(ctx); err != nil {
		log.Error("engine stopped with error", err)
		return err
	}
	return nil
}

// loadServeConfig loads path; a missing default config file falls back to built-in defaults.
func loadServeConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && path == constants.DefaultConfigPath {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}
