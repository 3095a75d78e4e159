// Command council runs the trade council in one process: the agent
// fleet, the orchestration engines, the shared state layer and the
// HTTP API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradecouncil/council/internal/config"
	"github.com/tradecouncil/council/internal/core"
	"github.com/tradecouncil/council/internal/memory"
	"github.com/tradecouncil/council/internal/state"
)

func main() {
	configPath := flag.String("config", "", "Path to the configuration file")
	workflowDir := flag.String("workflows", "", "Directory of extra workflow definitions to load")
	migrate := flag.Bool("migrate", false, "Apply the database schema, then exit")
	flag.Parse()

	// Bootstrap logging until the configured logger takes over
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	log.Info().Msg("Starting Trade Council")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Vault.Enabled {
		if err := config.LoadSecretsFromVault(ctx, cfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to load secrets from Vault")
		}
		log.Info().Str("address", cfg.Vault.Address).Msg("Secrets loaded from Vault")
	}

	if *migrate {
		os.Exit(runMigrations(ctx, cfg))
	}

	c, err := core.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build council")
	}

	if *workflowDir != "" {
		n, err := c.Workflows().Library().LoadDir(*workflowDir)
		if err != nil {
			log.Fatal().Err(err).Str("dir", *workflowDir).Msg("Failed to load workflow definitions")
		}
		log.Info().Int("workflows", n).Str("dir", *workflowDir).Msg("Workflow definitions loaded")
	}

	if err := c.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start council")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := c.Run(ctx); err != nil {
			errChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errChan:
		log.Error().Err(err).Msg("Council error")
	}

	log.Info().Msg("Initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Orchestration.GetShutdownTimeout())
	defer shutdownCancel()

	if err := c.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
		os.Exit(1)
	}

	log.Info().Msg("Council shutdown complete")
}

// runMigrations applies every package schema to the configured database.
func runMigrations(ctx context.Context, cfg *config.Config) int {
	if !cfg.Database.Enabled() {
		log.Error().Msg("Migration requires a configured database host")
		return 1
	}

	conn, err := pgx.Connect(ctx, cfg.Database.GetDSN())
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to database")
		return 1
	}
	defer conn.Close(ctx)

	schemas := []struct {
		name string
		ddl  string
	}{
		{"state", state.Schema},
		{"memory", memory.Schema},
	}
	for _, s := range schemas {
		if _, err := conn.Exec(ctx, s.ddl); err != nil {
			log.Error().Err(err).Str("schema", s.name).Msg("Migration failed")
			return 1
		}
		log.Info().Str("schema", s.name).Msg("Schema applied")
	}

	log.Info().Msg("Migrations complete")
	return 0
}
