package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/podushkina/bidparse/internal/api"
	"github.com/podushkina/bidparse/internal/config"
	"github.com/podushkina/bidparse/internal/handlers"
	"github.com/podushkina/bidparse/internal/logging"
	"github.com/podushkina/bidparse/internal/queue"
	"github.com/podushkina/bidparse/internal/scratch"
	"github.com/podushkina/bidparse/internal/worker"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("CONFIG_PATH"), "Path to YAML config file")
		consumers  = flag.Bool("consumers", true, "Run queue consumers in this process")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal().Err(err).Msg("setup logging")
	}

	client, err := queue.Connect(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to redis")
	}
	defer client.Close()
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	uploads, err := scratch.Open(cfg.ScratchDir)
	if err != nil {
		log.Fatal().Err(err).Msg("open scratch dir")
	}
	defer func() {
		if err := uploads.Close(); err != nil {
			log.Error().Err(err).Msg("close scratch dir")
		}
	}()
	log.Info().Str("dir", uploads.Dir()).Msg("scratch dir ready")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repos := handlers.Repositories(client, cfg.TaskTTL)

	pool := worker.NewPool(worker.Config{
		Consumers:   cfg.ConsumersPerFamily,
		PollTimeout: cfg.PollTimeout,
		Backoff:     cfg.Backoff,
	})
	if *consumers {
		handlers.Register(pool, cfg, repos, handlers.Extractors(cfg, handlers.Completion(cfg)))
		pool.Start(ctx)
	}

	apiRepos := make([]api.Repository, 0, len(repos))
	for _, r := range repos {
		apiRepos = append(apiRepos, r)
	}
	handler := api.NewHandler(apiRepos, uploads, api.Options{
		AllowedExtensions: cfg.AllowedExtensions,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		RejectInFlight:    cfg.RejectInFlight,
		Ping:              func(ctx context.Context) error { return client.Ping(ctx).Err() },
	})
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.ServerPort).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}

	pool.Stop()
	log.Info().Msg("server stopped")
}
