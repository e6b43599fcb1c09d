package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/podushkina/bidparse/internal/config"
	"github.com/podushkina/bidparse/internal/handlers"
	"github.com/podushkina/bidparse/internal/logging"
	"github.com/podushkina/bidparse/internal/queue"
	"github.com/podushkina/bidparse/internal/worker"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal().Err(err).Msg("setup logging")
	}
	if cfg.ScratchDir == "" {
		log.Fatal().Msg("scratch_dir must be set and shared with the server")
	}

	client, err := queue.Connect(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to redis")
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := worker.NewPool(worker.Config{
		Consumers:   cfg.ConsumersPerFamily,
		PollTimeout: cfg.PollTimeout,
		Backoff:     cfg.Backoff,
	})
	handlers.Register(pool, cfg, handlers.Repositories(client, cfg.TaskTTL),
		handlers.Extractors(cfg, handlers.Completion(cfg)))
	pool.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")

	cancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("worker stopped")
	case <-time.After(cfg.ShutdownTimeout):
		log.Warn().Dur("timeout", cfg.ShutdownTimeout).Msg("consumers still running, exiting")
	}
}
