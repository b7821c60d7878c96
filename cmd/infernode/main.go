// Command infernode runs the edge inference orchestration daemon: the
// pipeline manager, model repository, event log and HTTP control API.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"infernode/internal/api"
	"infernode/internal/config"
	"infernode/internal/events"
	"infernode/internal/log"
	"infernode/internal/manager"
	"infernode/internal/models"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	listen := flag.String("listen", "", "override HTTP listen address")
	dataDir := flag.String("data", "", "override data directory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger := log.Base()
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "infernode"})
	logger := log.Base()
	logger.Info().Str("node_id", cfg.NodeID).Str("data_dir", cfg.DataDir).Msg("starting infernode")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create data directory")
	}

	repo, err := models.NewRepo(filepath.Join(cfg.DataDir, "models"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open model repository")
	}

	eventStore, err := events.Open(filepath.Join(cfg.DataDir, "events.db"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open event log")
	}
	defer eventStore.Close()
	if cfg.EventRetention > 0 {
		if pruned, err := eventStore.Prune(cfg.EventRetention); err != nil {
			logger.Warn().Err(err).Msg("failed to prune old events")
		} else if pruned > 0 {
			logger.Info().Int64("pruned", pruned).Msg("pruned old events")
		}
	}

	mgr, err := manager.New(manager.Options{
		DataDir:          cfg.DataDir,
		Models:           repo,
		Events:           eventStore,
		NodeID:           cfg.NodeID,
		NodeName:         cfg.NodeName,
		PublisherWorkers: cfg.PublisherWorkers,
		StartTimeout:     cfg.StartTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create pipeline manager")
	}

	server := api.NewServer(mgr, repo, eventStore, cfg.APIKey)
	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints hold connections open
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", cfg.Listen).Msg("http api listening")
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	mgr.Shutdown()
	logger.Info().Msg("infernode stopped")
}
