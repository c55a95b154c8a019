// Command worker runs the persistence consumer.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"heartbeat/internal/config"
	"heartbeat/internal/logger"
	"heartbeat/internal/processor"
)

func main() {
	envFile := pflag.String("env-file", ".env", "path to an optional .env file")
	logLevel := pflag.String("log-level", "", "overrides LOG_LEVEL")
	metricsAddr := pflag.String("metrics-addr", ":9100", "address for /health, /stats and /metrics")
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.Init("heartbeat-worker", "info", "production")
		logger.Logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger.Init("heartbeat-worker", cfg.LogLevel, cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := processor.New(cfg, processor.RoleWorker, *metricsAddr).Run(ctx); err != nil {
		logger.Logger.Error().Err(err).Msg("worker exited")
		os.Exit(1)
	}
	logger.Logger.Info().Msg("exited")
}
