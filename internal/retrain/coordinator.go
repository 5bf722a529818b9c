// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

// Package retrain coordinates background model retraining: trigger
// evaluation (wall-clock interval or interaction-count threshold, whichever
// fires first), training behind a circuit breaker, margin-gated holdout
// evaluation, and atomic promotion through the registry. The coordinator
// runs as a single supervised background task and never blocks the request
// path.
package retrain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/rankline/rankline/internal/events"
	"github.com/rankline/rankline/internal/logging"
	"github.com/rankline/rankline/internal/metrics"
	"github.com/rankline/rankline/internal/model"
	"github.com/rankline/rankline/internal/models"
	"github.com/rankline/rankline/internal/registry"
	"github.com/rankline/rankline/internal/store"
)

// State is the coordinator's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateTraining
	StateEvaluating
	StatePromoting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTraining:
		return "training"
	case StateEvaluating:
		return "evaluating"
	case StatePromoting:
		return "promoting"
	default:
		return "unknown"
	}
}

// ErrBelowMargin is returned internally when a candidate fails to beat the
// active model by the configured margin.
var ErrBelowMargin = errors.New("retrain: candidate below promotion margin")

// Trainer produces a model from interaction events.
type Trainer interface {
	Train(ctx context.Context, events []models.InteractionEvent) (*model.Model, error)
}

// Config holds retraining behavior.
type Config struct {
	// Interval triggers a run on a schedule.
	Interval time.Duration

	// InteractionThreshold triggers a run after this many interactions
	// since the last successful promotion.
	InteractionThreshold int64

	// MinInteractions gates training entirely until enough data exists.
	MinInteractions int64

	// MinMargin is how much the candidate's holdout accuracy must exceed
	// the active model's to promote.
	MinMargin float64

	// HoldoutFraction is the share of events reserved for evaluation.
	HoldoutFraction float64

	// Seed fixes the holdout split.
	Seed int64

	// FailureBackoff delays the next attempt after a failed run.
	FailureBackoff time.Duration

	// CheckInterval is how often triggers are evaluated.
	CheckInterval time.Duration
}

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	State                     string    `json:"state"`
	ActiveEpoch               uint64    `json:"active_epoch"`
	InteractionsSinceTraining int64     `json:"interactions_since_training"`
	LastRun                   time.Time `json:"last_run,omitempty"`
	LastSuccess               time.Time `json:"last_success,omitempty"`
	LastError                 string    `json:"last_error,omitempty"`
}

// Coordinator runs the retraining loop. Implements suture.Service.
type Coordinator struct {
	store    *store.Store
	registry *registry.Registry
	trainer  Trainer
	bus      *events.Bus
	cfg      Config
	logger   zerolog.Logger

	// breaker trips after repeated training failures so a persistently
	// failing trainer cannot burn the backoff loop.
	breaker *gobreaker.CircuitBreaker[*model.Model]

	// limiter throttles trigger evaluation under interaction floods.
	limiter *rate.Limiter

	// counter counts interactions since the last successful promotion.
	counter atomic.Int64

	state atomic.Int32

	mu          sync.Mutex
	lastRun     time.Time
	lastSuccess time.Time
	lastErr     error
	notBefore   time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(st *store.Store, reg *registry.Registry, trainer Trainer, bus *events.Bus, cfg Config) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.InteractionThreshold <= 0 {
		cfg.InteractionThreshold = 1000
	}
	if cfg.MinMargin < 0 {
		cfg.MinMargin = 0
	}
	if cfg.HoldoutFraction <= 0 || cfg.HoldoutFraction >= 1 {
		cfg.HoldoutFraction = 0.2
	}
	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = 15 * time.Minute
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}

	c := &Coordinator{
		store:    st,
		registry: reg,
		trainer:  trainer,
		bus:      bus,
		cfg:      cfg,
		logger:   logging.With().Str("component", "retrain").Logger(),
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
	}

	c.breaker = gobreaker.NewCircuitBreaker[*model.Model](gobreaker.Settings{
		Name:    "model-trainer",
		Timeout: cfg.FailureBackoff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	return c
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// NoteInteraction counts one interaction toward the retrain threshold.
func (c *Coordinator) NoteInteraction() {
	c.counter.Add(1)
}

// InteractionsSinceTraining returns the trigger counter: interactions
// recorded since the last completed training run.
func (c *Coordinator) InteractionsSinceTraining() int64 {
	return c.counter.Load()
}

// Status returns a snapshot for the status endpoint.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		State:                     c.State().String(),
		ActiveEpoch:               c.registry.ActiveNumber(),
		InteractionsSinceTraining: c.counter.Load(),
		LastRun:                   c.lastRun,
		LastSuccess:               c.lastSuccess,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// Fresh reports whether retraining is healthy for the health probe: no
// run has been attempted yet, or the most recent run completed without
// error within twice the retrain interval.
func (c *Coordinator) Fresh(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastRun.IsZero() {
		return true
	}
	return c.lastErr == nil && now.Sub(c.lastRun) < 2*c.cfg.Interval
}

// Serve runs the coordinator until ctx is cancelled. It consumes the
// interaction topic to maintain the trigger counter and checks trigger
// conditions on a fixed cadence. Implements suture.Service.
func (c *Coordinator) Serve(ctx context.Context) error {
	msgs, err := c.bus.SubscribeInteractions(ctx)
	if err != nil {
		return fmt.Errorf("retrain: subscribe: %w", err)
	}

	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	c.mu.Lock()
	if c.lastRun.IsZero() {
		// Interval counts from startup, not from the epoch.
		c.lastRun = time.Now()
	}
	c.mu.Unlock()

	c.logger.Info().
		Dur("interval", c.cfg.Interval).
		Int64("interaction_threshold", c.cfg.InteractionThreshold).
		Msg("retrain coordinator started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-msgs:
			if !ok {
				return errors.New("retrain: interaction subscription closed")
			}
			c.NoteInteraction()
			msg.Ack()

			// Under a flood of interactions, evaluate triggers at
			// most once per limiter token; the ticker is the
			// fallback cadence.
			if c.limiter.Allow() && c.shouldRun(time.Now()) {
				c.runOnce(ctx)
			}

		case now := <-ticker.C:
			if c.shouldRun(now) {
				c.runOnce(ctx)
			}
		}
	}
}

// shouldRun reports whether a trigger condition holds: interaction count
// threshold or elapsed interval, whichever fires first, gated by failure
// backoff.
func (c *Coordinator) shouldRun(now time.Time) bool {
	if c.State() != StateIdle {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Before(c.notBefore) {
		return false
	}
	if c.counter.Load() >= c.cfg.InteractionThreshold {
		return true
	}
	return now.Sub(c.lastRun) >= c.cfg.Interval
}

// runOnce executes one full retraining cycle. Failures are recorded and
// back off; they never propagate to the supervisor as a crash.
func (c *Coordinator) runOnce(ctx context.Context) {
	start := time.Now()

	c.mu.Lock()
	c.lastRun = start
	c.mu.Unlock()

	outcome, err := c.cycle(ctx)

	metrics.RetrainRuns.WithLabelValues(outcome).Inc()
	metrics.RetrainDuration.Observe(time.Since(start).Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case err == nil && outcome == "promoted":
		c.state.Store(int32(StateIdle))
		c.lastSuccess = time.Now()
		c.lastErr = nil
		c.counter.Store(0)
		metrics.RetrainLastSuccess.Set(float64(c.lastSuccess.Unix()))

	case err == nil:
		// Rejected or skipped: not a failure, but the run consumed the
		// pending interactions. The counter resets so the threshold
		// counts fresh interactions, not the ones already trained on.
		c.state.Store(int32(StateIdle))
		c.lastErr = nil
		c.counter.Store(0)

	default:
		// The backoff window re-arms the trigger; the coordinator is
		// idle in the meantime, not wedged in a failure state.
		c.state.Store(int32(StateIdle))
		c.lastErr = err
		c.notBefore = time.Now().Add(c.cfg.FailureBackoff)
		c.logger.Error().Err(err).
			Dur("backoff", c.cfg.FailureBackoff).
			Msg("retraining run failed")
	}
}

// cycle performs train → evaluate → promote and returns the outcome label.
func (c *Coordinator) cycle(ctx context.Context) (string, error) {
	c.state.Store(int32(StateTraining))

	all, err := c.store.ListAllInteractions(ctx)
	if err != nil {
		return "failed", fmt.Errorf("retrain: load interactions: %w", err)
	}
	if int64(len(all)) < c.cfg.MinInteractions {
		c.logger.Debug().
			Int("interactions", len(all)).
			Int64("required", c.cfg.MinInteractions).
			Msg("not enough interactions to train")
		return "skipped", nil
	}

	trainSet, holdout := model.SplitHoldout(all, c.cfg.HoldoutFraction, c.cfg.Seed)

	candidate, err := c.breaker.Execute(func() (*model.Model, error) {
		return c.trainer.Train(ctx, trainSet)
	})
	if err != nil {
		return "failed", fmt.Errorf("retrain: training: %w", err)
	}

	c.state.Store(int32(StateEvaluating))

	candidateAcc, err := model.Evaluate(candidate, holdout)
	if err != nil {
		return "failed", fmt.Errorf("retrain: evaluate candidate: %w", err)
	}
	metrics.ModelEvaluationAccuracy.WithLabelValues("candidate").Set(candidateAcc)

	// The first model promotes unconditionally; later candidates must beat
	// the active model on the same holdout by the margin.
	if active, activeErr := c.registry.Active(); activeErr == nil {
		activeAcc, evalErr := model.Evaluate(active.Model, holdout)
		if evalErr == nil {
			metrics.ModelEvaluationAccuracy.WithLabelValues("active").Set(activeAcc)
			if candidateAcc < activeAcc+c.cfg.MinMargin {
				c.logger.Info().
					Float64("candidate_accuracy", candidateAcc).
					Float64("active_accuracy", activeAcc).
					Float64("min_margin", c.cfg.MinMargin).
					Msg("candidate rejected below margin")
				return "rejected", nil
			}
		}
	}

	c.state.Store(int32(StatePromoting))

	epoch, err := c.registry.Promote(candidate, candidateAcc)
	if err != nil {
		return "failed", fmt.Errorf("retrain: promote: %w", err)
	}

	if err := c.store.PutEpochMeta(&store.EpochMeta{
		Number:     epoch.Number,
		Accuracy:   candidateAcc,
		PromotedAt: epoch.PromotedAt,
	}); err != nil {
		// Promotion already happened; metadata is best-effort.
		c.logger.Warn().Err(err).Msg("epoch metadata write failed")
	}

	c.logger.Info().
		Uint64("epoch", epoch.Number).
		Float64("accuracy", candidateAcc).
		Int("interactions", len(all)).
		Msg("model retrained and promoted")

	return "promoted", nil
}
