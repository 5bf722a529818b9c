// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

// Package main is the entry point for the Rankline server.
//
// Rankline serves personalized content recommendations from an embedding
// model, records user interactions, runs A/B experiments over scoring
// strategies, and retrains the model in the background.
//
// Startup order:
//
//  1. Configuration: Koanf v2 layered sources (env > config file > defaults)
//  2. Store: embedded Badger database for interactions, profiles, catalog,
//     and experiment state
//  3. Serving plane: score cache, model registry, experiment manager,
//     recommendation engine
//  4. Background plane: event bus, experiment attribution bridge,
//     retraining coordinator
//  5. HTTP server: REST API plus /healthz and /metrics
//
// All long-running services run under a suture supervision tree and shut
// down gracefully on SIGINT/SIGTERM.
//
// Example:
//
//	export STORE_PATH=/data/rankline
//	export HTTP_PORT=8386
//	export LOG_LEVEL=info
//	./rankline
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rankline/rankline/internal/api"
	"github.com/rankline/rankline/internal/cache"
	"github.com/rankline/rankline/internal/config"
	"github.com/rankline/rankline/internal/engine"
	"github.com/rankline/rankline/internal/events"
	"github.com/rankline/rankline/internal/experiment"
	"github.com/rankline/rankline/internal/interaction"
	"github.com/rankline/rankline/internal/logging"
	"github.com/rankline/rankline/internal/model"
	"github.com/rankline/rankline/internal/registry"
	"github.com/rankline/rankline/internal/retrain"
	"github.com/rankline/rankline/internal/store"
	"github.com/rankline/rankline/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(cfg.Logging)
	logging.Info().
		Str("store_path", cfg.Store.Path).
		Int("port", cfg.Server.Port).
		Msg("Starting Rankline")

	st, err := store.Open(store.Options{
		Path:       cfg.Store.Path,
		GCInterval: cfg.Store.GCInterval,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()

	scoreCache := cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL)

	// Promotion retires the previous epoch's cache entries before any
	// request can observe the new model.
	reg := registry.New(func(retired, active *registry.Epoch) {
		if retired != nil {
			dropped := scoreCache.InvalidateEpoch(retired.Number)
			logging.Info().
				Uint64("retired_epoch", retired.Number).
				Uint64("active_epoch", active.Number).
				Int("cache_entries_dropped", dropped).
				Msg("Model promoted")
		}
	})

	exps := experiment.NewManager(st, cfg.Experiment.WeightTolerance)

	bus := events.NewBus()
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event bus")
		}
	}()

	interactions := interaction.NewLog(st, scoreCache, bus, interaction.Config{
		RecencyHalfLife: cfg.Profile.RecencyHalfLife,
		WindowSize:      cfg.Profile.WindowSize,
	})

	trainer := model.NewTrainer(model.TrainConfig{
		Dim:             cfg.Training.EmbeddingDim,
		Epochs:          cfg.Training.Epochs,
		LearningRate:    cfg.Training.LearningRate,
		Regularization:  cfg.Training.Regularization,
		Seed:            cfg.Training.Seed,
		MinInteractions: int(cfg.Retrain.MinInteractions),
	})

	coordinator := retrain.NewCoordinator(st, reg, trainer, bus, retrain.Config{
		Interval:             cfg.Retrain.Interval,
		InteractionThreshold: cfg.Retrain.InteractionThreshold,
		MinInteractions:      cfg.Retrain.MinInteractions,
		MinMargin:            cfg.Retrain.MinMargin,
		HoldoutFraction:      cfg.Training.HoldoutFraction,
		Seed:                 cfg.Training.Seed,
		FailureBackoff:       cfg.Retrain.FailureBackoff,
		CheckInterval:        cfg.Retrain.CheckInterval,
	})

	eng := engine.New(reg, scoreCache, exps, st, engine.Config{
		MaxCandidates: cfg.Engine.MaxCandidates,
		DefaultCount:  cfg.Engine.DefaultCount,
		MaxCount:      cfg.Engine.MaxCount,
	})

	handlers := api.NewHandlers(eng, interactions, exps, st, reg, coordinator)
	router := api.NewRouter(handlers, api.MiddlewareConfig{
		CORSOrigins:     cfg.Server.CORSOrigins,
		RateLimitReqs:   cfg.Server.RateLimitReqs,
		RateLimitWindow: cfg.Server.RateLimitWindow,
	})
	server := api.NewServer(cfg.Server, router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	tree.AddBackgroundService(st)
	tree.AddBackgroundService(events.NewBridge(bus, exps))
	if cfg.Retrain.Enabled {
		tree.AddBackgroundService(coordinator)
	} else {
		logging.Info().Msg("Retraining disabled (RETRAIN_ENABLED=false)")
	}
	tree.AddAPIService(server)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Str("addr", server.Addr()).Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Rankline stopped")
}
