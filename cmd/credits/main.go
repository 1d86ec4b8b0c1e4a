package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"credits-ledger/internal/config"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	app, err := newApp(ctx, cfg)
	if err != nil {
		stop()
		log.Fatal().Err(err).Msg("failed to start")
	}

	code := run(ctx, app, os.Args[1:], os.Stdout, os.Stderr)
	if err := app.Close(context.Background()); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
		if code == exitOK {
			code = exitInternal
		}
	}
	stop()
	os.Exit(code)
}

func setupLogger(cfg *config.Config) {
	zerolog.SetGlobalLevel(cfg.LogLevel)
	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
