package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/turfline/backend/internal/config"
	"github.com/turfline/backend/internal/db"
)

var rootCmd = &cobra.Command{
	Use:           "opsctl",
	Short:         "Operator tooling for the lawn ops backend",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(migrateCmd, seedCmd, tokenCmd, simulateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// openStore connects to DATABASE_URL. opsctl never uses the in-memory store.
func openStore(ctx context.Context) (*db.Store, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, cfg, err
	}
	if cfg.DatabaseURL == "" {
		return nil, cfg, fmt.Errorf("DATABASE_URL is required")
	}
	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, cfg, fmt.Errorf("connecting to database: %w", err)
	}
	return store, cfg, nil
}

func cliLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}
