package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCmdRoot().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("comfygen failed")
		stop()
		os.Exit(1)
	}
}
