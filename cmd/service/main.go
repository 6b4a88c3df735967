package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"warehouse-api/internal/server"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// shutdownGrace bounds how long in-flight requests may keep draining after
// a termination signal.
const shutdownGrace = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("No .env file loaded")
	}

	srv, err := server.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatal().Err(err).Msg("Server failed")

	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("Could not stop server gracefully")
			os.Exit(1)
		}
	}
}
