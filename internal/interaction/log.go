// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

// Package interaction implements the append-only interaction log. Writes for
// one user are linearized; each write appends the event, invalidates the
// user's cached scores synchronously, and applies a recency-weighted profile
// update before returning, so the next recommendation request observes the
// new interaction. Asynchronous consumers (retrain counter, experiment
// bridge) are notified via the event bus after the write commits.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rankline/rankline/internal/cache"
	"github.com/rankline/rankline/internal/events"
	"github.com/rankline/rankline/internal/logging"
	"github.com/rankline/rankline/internal/metrics"
	"github.com/rankline/rankline/internal/models"
	"github.com/rankline/rankline/internal/store"
)

// ErrInvalidInteraction is returned for events missing required fields or
// carrying an unknown interaction type.
var ErrInvalidInteraction = errors.New("interaction: invalid event")

// Config holds profile-update tunables.
type Config struct {
	// RecencyHalfLife is the decay half-life for accumulated profile
	// weights.
	RecencyHalfLife time.Duration

	// WindowSize bounds the profile's in-memory recent-event window.
	WindowSize int
}

// Log records interaction events.
type Log struct {
	store  *store.Store
	cache  *cache.ScoreCache
	bus    *events.Bus
	cfg    Config
	logger zerolog.Logger

	// userLocks linearizes writes per user. Writes for different users
	// proceed in parallel.
	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewLog creates an interaction Log.
func NewLog(st *store.Store, sc *cache.ScoreCache, bus *events.Bus, cfg Config) *Log {
	if cfg.RecencyHalfLife <= 0 {
		cfg.RecencyHalfLife = 168 * time.Hour
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 200
	}
	return &Log{
		store:     st,
		cache:     sc,
		bus:       bus,
		cfg:       cfg,
		logger:    logging.With().Str("component", "interaction").Logger(),
		userLocks: make(map[string]*sync.Mutex),
	}
}

// Record appends one interaction event. On return the event is durable, the
// user's cached recommendations are invalidated, and the profile reflects
// the new signal.
func (l *Log) Record(ctx context.Context, ev *models.InteractionEvent) error {
	if ev.UserID == "" || ev.ContentID == "" {
		return fmt.Errorf("%w: user and content IDs required", ErrInvalidInteraction)
	}
	if !ev.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidInteraction, ev.Type)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	userLock := l.lockFor(ev.UserID)
	userLock.Lock()
	defer userLock.Unlock()

	if err := l.store.AppendInteraction(ev); err != nil {
		return fmt.Errorf("interaction: append: %w", err)
	}

	// Invalidation happens before Record returns: a recommendation request
	// issued after this write can never serve the pre-interaction list.
	l.cache.InvalidateUser(ev.UserID)

	if err := l.updateProfile(ev); err != nil {
		// The event is durable and the cache is clean; a profile update
		// failure degrades personalization but not correctness.
		l.logger.Error().Err(err).
			Str("user", ev.UserID).
			Str("event", ev.ID).
			Msg("profile update failed")
	}

	metrics.InteractionsRecorded.WithLabelValues(string(ev.Type)).Inc()

	if err := l.bus.PublishInteraction(ev); err != nil {
		l.logger.Error().Err(err).Str("event", ev.ID).Msg("event publish failed")
	}

	return nil
}

// lockFor returns the mutex linearizing writes for userID.
func (l *Log) lockFor(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		l.userLocks[userID] = lock
	}
	return lock
}

// updateProfile folds the event into the user's preference profile.
//
// Accumulated weights decay exponentially with the time elapsed since the
// last update (factor 0.5^(elapsed/half_life)), then the new signal is
// added, scaled by the same decay applied to the event's own age. Old
// interests fade; recent ones dominate.
func (l *Log) updateProfile(ev *models.InteractionEvent) error {
	now := time.Now().UTC()

	profile, err := l.store.GetProfile(ev.UserID)
	if errors.Is(err, store.ErrNotFound) {
		profile = &models.UserProfile{
			UserID:          ev.UserID,
			CategoryWeights: make(map[string]float64),
			TagAffinities:   make(map[string]float64),
			FirstSeen:       now,
		}
	} else if err != nil {
		return err
	}

	if !profile.UpdatedAt.IsZero() {
		decay := decayFactor(now.Sub(profile.UpdatedAt), l.cfg.RecencyHalfLife)
		for k := range profile.CategoryWeights {
			profile.CategoryWeights[k] *= decay
		}
		for k := range profile.TagAffinities {
			profile.TagAffinities[k] *= decay
		}
	}

	signal := ev.Type.Signal() * decayFactor(now.Sub(ev.Timestamp), l.cfg.RecencyHalfLife)

	item, err := l.store.GetContentItem(ev.ContentID)
	switch {
	case err == nil:
		if item.Category != "" {
			profile.CategoryWeights[item.Category] += signal
		}
		for _, tag := range item.Tags {
			profile.TagAffinities[tag] += signal
		}
	case errors.Is(err, store.ErrNotFound):
		// Interaction with uncataloged content still counts for the
		// window and history; there is just nothing to attribute
		// affinity to.
	default:
		return err
	}

	profile.Recent = append(profile.Recent, *ev)
	if len(profile.Recent) > l.cfg.WindowSize {
		profile.Recent = profile.Recent[len(profile.Recent)-l.cfg.WindowSize:]
	}
	profile.UpdatedAt = now

	return l.store.PutProfile(profile)
}

// decayFactor returns 0.5^(age/halfLife), clamped to [0,1].
func decayFactor(age, halfLife time.Duration) float64 {
	if age <= 0 {
		return 1.0
	}
	return math.Pow(0.5, float64(age)/float64(halfLife))
}
