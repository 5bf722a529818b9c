// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

// Package config provides layered configuration for Rankline using Koanf v2.
// Precedence: environment variables > YAML config file > built-in defaults.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rankline/rankline/internal/logging"
)

// Config is the root configuration for the Rankline service.
type Config struct {
	Server     ServerConfig     `koanf:"server" json:"server"`
	Store      StoreConfig      `koanf:"store" json:"store"`
	Cache      CacheConfig      `koanf:"cache" json:"cache"`
	Engine     EngineConfig     `koanf:"engine" json:"engine"`
	Profile    ProfileConfig    `koanf:"profile" json:"profile"`
	Training   TrainingConfig   `koanf:"training" json:"training"`
	Retrain    RetrainConfig    `koanf:"retrain" json:"retrain"`
	Experiment ExperimentConfig `koanf:"experiment" json:"experiment"`
	Logging    logging.Config   `koanf:"logging" json:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the listen address. Default: 0.0.0.0
	Host string `koanf:"host" json:"host"`

	// Port is the listen port. Default: 8386
	Port int `koanf:"port" json:"port" validate:"gte=1,lte=65535"`

	// Timeout bounds request read/write. Default: 30s
	Timeout time.Duration `koanf:"timeout" json:"timeout" validate:"gt=0"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`

	// RateLimitReqs is the per-client request budget per window. Default: 300
	RateLimitReqs int `koanf:"rate_limit_reqs" json:"rate_limit_reqs" validate:"gte=0"`

	// RateLimitWindow is the rate limit window. Default: 1m
	RateLimitWindow time.Duration `koanf:"rate_limit_window" json:"rate_limit_window" validate:"gt=0"`

	// CORSOrigins lists allowed CORS origins. Default: ["*"]
	CORSOrigins []string `koanf:"cors_origins" json:"cors_origins"`
}

// StoreConfig holds the embedded Badger store settings.
type StoreConfig struct {
	// Path is the Badger data directory. Empty means in-memory (tests).
	// Default: /data/rankline
	Path string `koanf:"path" json:"path"`

	// GCInterval is how often value-log garbage collection runs. Default: 10m
	GCInterval time.Duration `koanf:"gc_interval" json:"gc_interval" validate:"gt=0"`
}

// CacheConfig holds score cache settings.
type CacheConfig struct {
	// TTL is how long a cached score list stays fresh. Default: 5m
	TTL time.Duration `koanf:"ttl" json:"ttl" validate:"gt=0"`

	// MaxEntries bounds the cache; least recently used entries are evicted.
	// Default: 100000
	MaxEntries int `koanf:"max_entries" json:"max_entries" validate:"gt=0"`
}

// EngineConfig holds recommendation engine settings.
type EngineConfig struct {
	// MaxCandidates caps the scored candidate pool per request. Default: 1000
	MaxCandidates int `koanf:"max_candidates" json:"max_candidates" validate:"gt=0"`

	// DefaultCount is the recommendation count when the request omits one.
	// Default: 10
	DefaultCount int `koanf:"default_count" json:"default_count" validate:"gt=0"`

	// MaxCount caps the per-request recommendation count. Default: 100
	MaxCount int `koanf:"max_count" json:"max_count" validate:"gt=0"`
}

// ProfileConfig holds user preference profile settings.
type ProfileConfig struct {
	// RecencyHalfLife is the exponential-decay half-life applied to
	// interaction signals when updating profiles. Default: 168h (7 days)
	RecencyHalfLife time.Duration `koanf:"recency_half_life" json:"recency_half_life" validate:"gt=0"`

	// WindowSize bounds the in-memory recent-interaction window per user.
	// Default: 200
	WindowSize int `koanf:"window_size" json:"window_size" validate:"gt=0"`
}

// TrainingConfig holds embedding model training hyperparameters.
type TrainingConfig struct {
	// EmbeddingDim is the latent factor dimensionality. Default: 32
	EmbeddingDim int `koanf:"embedding_dim" json:"embedding_dim" validate:"gt=0"`

	// Epochs is the number of SGD passes over the interaction set. Default: 20
	Epochs int `koanf:"epochs" json:"epochs" validate:"gt=0"`

	// LearningRate is the SGD step size. Default: 0.01
	LearningRate float64 `koanf:"learning_rate" json:"learning_rate" validate:"gt=0"`

	// Regularization is the L2 penalty. Default: 0.02
	Regularization float64 `koanf:"regularization" json:"regularization" validate:"gte=0"`

	// Seed fixes the training RNG so identical inputs produce identical
	// models. Default: 42
	Seed int64 `koanf:"seed" json:"seed"`

	// HoldoutFraction is the share of interactions reserved for
	// evaluation. Default: 0.2
	HoldoutFraction float64 `koanf:"holdout_fraction" json:"holdout_fraction" validate:"gt=0,lt=1"`
}

// RetrainConfig holds background retraining settings.
type RetrainConfig struct {
	// Enabled toggles the retrain coordinator. Default: true
	Enabled bool `koanf:"enabled" json:"enabled"`

	// Interval triggers retraining on a schedule. Default: 6h
	Interval time.Duration `koanf:"interval" json:"interval" validate:"gt=0"`

	// InteractionThreshold triggers retraining after this many new
	// interactions since the last successful run, whichever of interval or
	// threshold fires first. Default: 1000
	InteractionThreshold int64 `koanf:"interaction_threshold" json:"interaction_threshold" validate:"gt=0"`

	// MinInteractions is the minimum interactions needed before any
	// training runs. Default: 50
	MinInteractions int64 `koanf:"min_interactions" json:"min_interactions" validate:"gte=0"`

	// MinMargin is how much a candidate's holdout ranking accuracy must
	// exceed the active model's before promotion. Default: 0.01
	MinMargin float64 `koanf:"min_margin" json:"min_margin" validate:"gte=0"`

	// FailureBackoff delays the next attempt after a failed run. Default: 15m
	FailureBackoff time.Duration `koanf:"failure_backoff" json:"failure_backoff" validate:"gt=0"`

	// CheckInterval is how often trigger conditions are evaluated. Default: 30s
	CheckInterval time.Duration `koanf:"check_interval" json:"check_interval" validate:"gt=0"`
}

// ExperimentConfig holds A/B experiment settings.
type ExperimentConfig struct {
	// WeightTolerance is the allowed deviation of a variant-weight sum
	// from 1.0. Default: 0.001
	WeightTolerance float64 `koanf:"weight_tolerance" json:"weight_tolerance" validate:"gt=0"`
}

// Default returns a Config with all default values applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8386,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimitReqs:   300,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Store: StoreConfig{
			Path:       "/data/rankline",
			GCInterval: 10 * time.Minute,
		},
		Cache: CacheConfig{
			TTL:        5 * time.Minute,
			MaxEntries: 100000,
		},
		Engine: EngineConfig{
			MaxCandidates: 1000,
			DefaultCount:  10,
			MaxCount:      100,
		},
		Profile: ProfileConfig{
			RecencyHalfLife: 168 * time.Hour,
			WindowSize:      200,
		},
		Training: TrainingConfig{
			EmbeddingDim:    32,
			Epochs:          20,
			LearningRate:    0.01,
			Regularization:  0.02,
			Seed:            42,
			HoldoutFraction: 0.2,
		},
		Retrain: RetrainConfig{
			Enabled:              true,
			Interval:             6 * time.Hour,
			InteractionThreshold: 1000,
			MinInteractions:      50,
			MinMargin:            0.01,
			FailureBackoff:       15 * time.Minute,
			CheckInterval:        30 * time.Second,
		},
		Experiment: ExperimentConfig{
			WeightTolerance: 0.001,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Engine.DefaultCount > c.Engine.MaxCount {
		return fmt.Errorf("engine.default_count (%d) exceeds engine.max_count (%d)",
			c.Engine.DefaultCount, c.Engine.MaxCount)
	}
	if c.Engine.MaxCount > c.Engine.MaxCandidates {
		return fmt.Errorf("engine.max_count (%d) exceeds engine.max_candidates (%d)",
			c.Engine.MaxCount, c.Engine.MaxCandidates)
	}
	if c.Retrain.MinInteractions > c.Retrain.InteractionThreshold {
		return fmt.Errorf("retrain.min_interactions (%d) exceeds retrain.interaction_threshold (%d)",
			c.Retrain.MinInteractions, c.Retrain.InteractionThreshold)
	}

	return nil
}
