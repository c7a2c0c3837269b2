package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/paperarena/arena/internal/api"
	"github.com/paperarena/arena/internal/app"
	"github.com/paperarena/arena/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional, env vars override)")
	flag.Parse()

	// Local development convenience; a missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("config_load_failed: " + err.Error() + "\n")
		os.Exit(1)
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log := config.NewLogger("server")
	log.Info().Str("app", cfg.App.Name).Str("data_mode", cfg.Runtime.DataMode).Msg("Starting arena server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.New(ctx, cfg, config.NewLogger("app"))
	if err != nil {
		// Boot misconfiguration exits nonzero with the machine-readable
		// reason as the last line on stderr.
		log.Error().Err(err).Msg("Boot failed")
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	go rt.Run(ctx)

	server := api.NewServer(rt)
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	select {
	case err := <-serverErrors:
		log.Error().Err(err).Msg("Server error")
		os.Exit(1)
	case <-ctx.Done():
		log.Info().Msg("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown incomplete")
		os.Exit(1)
	}
	log.Info().Msg("Server stopped")
}
