// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

// Package engine serves scored recommendations: it resolves the user's
// experiment variant, consults the score cache, and on a miss scores the
// candidate pool with the active model epoch blended with the user's
// preference profile.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/rankline/rankline/internal/cache"
	"github.com/rankline/rankline/internal/experiment"
	"github.com/rankline/rankline/internal/logging"
	"github.com/rankline/rankline/internal/metrics"
	"github.com/rankline/rankline/internal/models"
	"github.com/rankline/rankline/internal/registry"
	"github.com/rankline/rankline/internal/store"
)

// ErrModelUnavailable is returned when no model has been promoted yet.
// Fatal to the single request, never to the process.
var ErrModelUnavailable = errors.New("engine: no active model available")

// Config holds engine limits.
type Config struct {
	// MaxCandidates caps the scored candidate pool.
	MaxCandidates int

	// DefaultCount applies when a request does not specify a count.
	DefaultCount int

	// MaxCount caps the per-request recommendation count.
	MaxCount int
}

// Result is one served recommendation list with its serving context.
type Result struct {
	Items        []models.ScoredItem `json:"items"`
	VariantID    string              `json:"variant_id"`
	ExperimentID string              `json:"experiment_id,omitempty"`
	Epoch        uint64              `json:"epoch"`
	FromCache    bool                `json:"from_cache"`
}

// Engine computes recommendations.
type Engine struct {
	registry    *registry.Registry
	cache       *cache.ScoreCache
	experiments *experiment.Manager
	store       *store.Store
	cfg         Config
	logger      zerolog.Logger
}

// New creates an Engine.
func New(reg *registry.Registry, sc *cache.ScoreCache, em *experiment.Manager, st *store.Store, cfg Config) *Engine {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 1000
	}
	if cfg.DefaultCount <= 0 {
		cfg.DefaultCount = 10
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = 100
	}
	return &Engine{
		registry:    reg,
		cache:       sc,
		experiments: em,
		store:       st,
		cfg:         cfg,
		logger:      logging.With().Str("component", "engine").Logger(),
	}
}

// Recommend returns up to count scored recommendations for the user.
//
// An empty candidate pool yields an empty list, not an error. The full
// scored head (up to MaxCount) is cached so differing counts share one
// entry; the cache write is skipped entirely when ctx is already cancelled,
// never partially applied.
func (e *Engine) Recommend(ctx context.Context, userID string, count int, reqCtx models.InteractionContext) (*Result, error) {
	start := time.Now()

	if userID == "" {
		return nil, errors.New("engine: user ID required")
	}
	if count <= 0 {
		count = e.cfg.DefaultCount
	}
	if count > e.cfg.MaxCount {
		count = e.cfg.MaxCount
	}

	epoch, err := e.registry.Active()
	if err != nil {
		if errors.Is(err, registry.ErrNoActiveModel) {
			return nil, ErrModelUnavailable
		}
		return nil, err
	}

	res, err := e.experiments.Resolve(userID)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve variant: %w", err)
	}

	key := cache.Key{
		UserID:      userID,
		VariantID:   res.Variant.ID,
		Epoch:       epoch.Number,
		ContextHash: cache.HashContext(reqCtx),
	}

	if items, ok := e.cache.Get(key); ok {
		if count > len(items) {
			count = len(items)
		}
		result := &Result{
			Items:        items[:count],
			VariantID:    res.Variant.ID,
			ExperimentID: res.ExperimentID,
			Epoch:        epoch.Number,
			FromCache:    true,
		}
		e.recordExposure(res, userID)
		metrics.RecordRecommendation(res.Variant.ID, true, time.Since(start))
		return result, nil
	}

	scored, err := e.scoreCandidates(ctx, userID, epoch, res.Variant)
	if err != nil {
		return nil, err
	}

	head := scored
	if len(head) > e.cfg.MaxCount {
		head = head[:e.cfg.MaxCount]
	}

	// A cancelled caller gets no cache write at all; a half-written list
	// must never be observable.
	if ctx.Err() == nil {
		e.cache.Put(key, head)
	}

	if count > len(head) {
		count = len(head)
	}
	result := &Result{
		Items:        head[:count],
		VariantID:    res.Variant.ID,
		ExperimentID: res.ExperimentID,
		Epoch:        epoch.Number,
		FromCache:    false,
	}
	e.recordExposure(res, userID)
	metrics.RecordRecommendation(res.Variant.ID, false, time.Since(start))
	return result, nil
}

// scoreCandidates builds the candidate pool (catalog minus the user's
// already-consumed content, capped), scores it under the variant's blend,
// and returns it sorted by score descending with a stable content-id
// tie-break for reproducibility.
func (e *Engine) scoreCandidates(ctx context.Context, userID string, epoch *registry.Epoch, variant models.Variant) ([]models.ScoredItem, error) {
	items, err := e.store.ListContentItems()
	if err != nil {
		return nil, fmt.Errorf("engine: list catalog: %w", err)
	}

	consumed, err := e.consumedSet(userID)
	if err != nil {
		return nil, err
	}

	var profile *models.UserProfile
	if variant.Scoring.ProfileWeight != 0 {
		profile, err = e.store.GetProfile(userID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("engine: load profile: %w", err)
		}
	}

	limit := e.cfg.MaxCandidates
	if variant.Scoring.CandidateLimit > 0 && variant.Scoring.CandidateLimit < limit {
		limit = variant.Scoring.CandidateLimit
	}

	modelWeight := variant.Scoring.ModelWeight
	if modelWeight == 0 && variant.Scoring.ProfileWeight == 0 {
		modelWeight = 1.0
	}

	scored := make([]models.ScoredItem, 0, min(len(items), limit))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, seen := consumed[item.ID]; seen {
			continue
		}
		if len(scored) >= limit {
			break
		}

		score := modelWeight * epoch.Model.Score(userID, item.ID)
		explanation := "model score"
		if variant.Scoring.ProfileWeight != 0 {
			score += variant.Scoring.ProfileWeight * profile.Affinity(item)
			explanation = "model and profile blend"
		}

		scored = append(scored, models.ScoredItem{
			ContentID:   item.ID,
			Score:       score,
			Explanation: explanation,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ContentID < scored[j].ContentID
	})

	return scored, nil
}

// consumedSet returns the IDs of content the user has already interacted
// with; consumed content is never recommended again.
func (e *Engine) consumedSet(userID string) (map[string]struct{}, error) {
	history, err := e.store.ListInteractionsByUser(userID, 0)
	if err != nil {
		return nil, fmt.Errorf("engine: load history: %w", err)
	}

	consumed := make(map[string]struct{}, len(history))
	for i := range history {
		consumed[history[i].ContentID] = struct{}{}
	}
	return consumed, nil
}

// recordExposure records an exposure event when an experiment governed the
// request. Exposure failures are logged, not surfaced; the recommendation
// itself already succeeded.
func (e *Engine) recordExposure(res experiment.Resolution, userID string) {
	if res.ExperimentID == "" {
		return
	}
	err := e.experiments.RecordEvent(&models.ExperimentEvent{
		ExperimentID: res.ExperimentID,
		VariantID:    res.Variant.ID,
		Type:         models.EventExposure,
		UserID:       userID,
	})
	if err != nil {
		e.logger.Error().Err(err).
			Str("experiment", res.ExperimentID).
			Str("variant", res.Variant.ID).
			Msg("exposure recording failed")
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
