// Command migrate applies the embedded schema migrations.
package main

import (
	"github.com/spf13/pflag"

	"heartbeat/internal/config"
	"heartbeat/internal/db/migrate"
	"heartbeat/internal/logger"
)

func main() {
	envFile := pflag.String("env-file", ".env", "path to an optional .env file")
	direction := pflag.String("direction", "up", "migration direction: up or down")
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.Init("heartbeat-migrate", "info", "production")
		logger.Logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Init("heartbeat-migrate", cfg.LogLevel, cfg.Env)

	if err := migrate.Run(cfg.Database.URL, *direction); err != nil {
		logger.Logger.Fatal().Err(err).Str("direction", *direction).Msg("migration failed")
	}
	logger.Logger.Info().Str("direction", *direction).Msg("migrations complete")
}
