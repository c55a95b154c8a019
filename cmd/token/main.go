// Command token prints a websocket join token for a user, signed with
// REALTIME_JWT_SECRET.
package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"heartbeat/internal/config"
	"heartbeat/internal/logger"
	"heartbeat/internal/realtime"
)

func main() {
	envFile := pflag.String("env-file", ".env", "path to an optional .env file")
	user := pflag.String("user", "", "user id (uuid) the token joins as")
	ttl := pflag.Duration("ttl", 24*time.Hour, "token lifetime")
	pflag.Parse()

	logger.Init("heartbeat-token", "info", "development")

	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.Realtime.JWTSecret == "" {
		logger.Logger.Fatal().Msg("REALTIME_JWT_SECRET is not set; the server accepts user_id without a token")
	}

	userID, err := uuid.Parse(*user)
	if err != nil || userID == uuid.Nil {
		logger.Logger.Fatal().Str("user", *user).Msg("--user must be a non-nil uuid")
	}

	token, err := realtime.NewAuthenticator(cfg.Realtime.JWTSecret).IssueToken(userID, *ttl)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("failed to sign token")
	}
	fmt.Println(token)
}
