package main

import (
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/madeofus/scanner/internal/config"
	"github.com/madeofus/scanner/internal/logging"
	"github.com/madeofus/scanner/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		runMigrate()
	},
}

func runMigrate() {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "scanner-migrate"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := goose.OpenDBWithDriver("pgx", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatal().Err(err).Msg("Failed to set migration dialect")
	}
	if err := goose.Up(db, "."); err != nil {
		log.Fatal().Err(err).Msg("Migrations failed")
	}
	log.Info().Msg("Migrations applied")
}
