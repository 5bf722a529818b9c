// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

// Package experiment implements A/B experiment management: variant
// definitions with validated traffic weights, deterministic stable user
// assignment, outcome event recording, and per-variant rate metrics.
package experiment

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rankline/rankline/internal/logging"
	"github.com/rankline/rankline/internal/metrics"
	"github.com/rankline/rankline/internal/models"
	"github.com/rankline/rankline/internal/store"
)

var (
	// ErrInvalidVariantWeights is returned when traffic percentages do not
	// sum to ~1.0 or variant IDs are duplicated or missing.
	ErrInvalidVariantWeights = errors.New("experiment: invalid variant weights")

	// ErrUnknownExperiment is returned for operations on a nonexistent
	// experiment.
	ErrUnknownExperiment = errors.New("experiment: unknown experiment")

	// ErrUnknownVariant is returned when an event names a variant the
	// experiment does not define.
	ErrUnknownVariant = errors.New("experiment: unknown variant")

	// ErrInvalidTransition is returned for disallowed lifecycle changes,
	// such as starting a completed experiment.
	ErrInvalidTransition = errors.New("experiment: invalid status transition")
)

// DefaultVariant is the implicit control served when no running experiment
// applies: pure model scoring, engine-wide candidate cap.
func DefaultVariant() models.Variant {
	return models.Variant{
		ID:      models.DefaultVariantID,
		Name:    "implicit control",
		Scoring: models.ScoringConfig{ModelWeight: 1.0},
	}
}

// Manager owns experiment definitions, assignments, and outcome events.
type Manager struct {
	store     *store.Store
	tolerance float64
	logger    zerolog.Logger

	// assignMu serializes first-time assignment so a (user, experiment)
	// pair is assigned exactly once under concurrent resolution.
	assignMu sync.Mutex
}

// NewManager creates a Manager. tolerance is the allowed deviation of a
// variant-weight sum from 1.0.
func NewManager(st *store.Store, tolerance float64) *Manager {
	if tolerance <= 0 {
		tolerance = 0.001
	}
	return &Manager{
		store:     st,
		tolerance: tolerance,
		logger:    logging.With().Str("component", "experiment").Logger(),
	}
}

// Create validates and persists a new experiment in draft status.
// Returns the experiment ID.
func (m *Manager) Create(exp *models.Experiment) (string, error) {
	if err := m.validateVariants(exp.Variants); err != nil {
		return "", err
	}

	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	exp.Status = models.ExperimentDraft
	exp.CreatedAt = time.Now().UTC()

	if err := m.store.PutExperiment(exp); err != nil {
		return "", fmt.Errorf("experiment: persist %s: %w", exp.ID, err)
	}

	m.logger.Info().
		Str("experiment", exp.ID).
		Str("name", exp.Name).
		Int("variants", len(exp.Variants)).
		Msg("experiment created")

	return exp.ID, nil
}

// validateVariants checks the variant set at creation time: at least one
// variant, unique non-empty IDs, weights in [0,1] summing to 1.0 within
// tolerance.
func (m *Manager) validateVariants(variants []models.Variant) error {
	if len(variants) == 0 {
		return fmt.Errorf("%w: no variants defined", ErrInvalidVariantWeights)
	}

	seen := make(map[string]struct{}, len(variants))
	var sum float64
	for _, v := range variants {
		if v.ID == "" {
			return fmt.Errorf("%w: variant with empty id", ErrInvalidVariantWeights)
		}
		if _, dup := seen[v.ID]; dup {
			return fmt.Errorf("%w: duplicate variant id %q", ErrInvalidVariantWeights, v.ID)
		}
		seen[v.ID] = struct{}{}

		if v.TrafficPct < 0 || v.TrafficPct > 1 {
			return fmt.Errorf("%w: variant %q traffic %v outside [0,1]",
				ErrInvalidVariantWeights, v.ID, v.TrafficPct)
		}
		sum += v.TrafficPct
	}

	if math.Abs(sum-1.0) > m.tolerance {
		return fmt.Errorf("%w: traffic sums to %v, want 1.0 ±%v",
			ErrInvalidVariantWeights, sum, m.tolerance)
	}
	return nil
}

// Get loads an experiment by ID.
func (m *Manager) Get(experimentID string) (*models.Experiment, error) {
	exp, err := m.store.GetExperiment(experimentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExperiment, experimentID)
	}
	return exp, err
}

// Start transitions an experiment to running. Draft and paused experiments
// may start; completed ones may not.
func (m *Manager) Start(experimentID string) error {
	exp, err := m.Get(experimentID)
	if err != nil {
		return err
	}

	switch exp.Status {
	case models.ExperimentDraft, models.ExperimentPaused:
		exp.Status = models.ExperimentRunning
		if exp.StartedAt.IsZero() {
			exp.StartedAt = time.Now().UTC()
		}
	case models.ExperimentRunning:
		return nil
	default:
		return fmt.Errorf("%w: cannot start %s experiment %s", ErrInvalidTransition, exp.Status, experimentID)
	}

	if err := m.store.PutExperiment(exp); err != nil {
		return fmt.Errorf("experiment: persist %s: %w", experimentID, err)
	}
	m.logger.Info().Str("experiment", experimentID).Msg("experiment started")
	return nil
}

// Pause suspends a running experiment. Assignments are retained but
// serving falls back to the implicit control until the experiment restarts.
func (m *Manager) Pause(experimentID string) error {
	exp, err := m.Get(experimentID)
	if err != nil {
		return err
	}

	switch exp.Status {
	case models.ExperimentRunning:
		exp.Status = models.ExperimentPaused
	case models.ExperimentPaused:
		return nil
	default:
		return fmt.Errorf("%w: cannot pause %s experiment %s", ErrInvalidTransition, exp.Status, experimentID)
	}

	if err := m.store.PutExperiment(exp); err != nil {
		return fmt.Errorf("experiment: persist %s: %w", experimentID, err)
	}
	m.logger.Info().Str("experiment", experimentID).Msg("experiment paused")
	return nil
}

// Stop completes an experiment. Assignments stop; recorded results remain
// queryable. Stopping a draft cancels it without ever serving.
func (m *Manager) Stop(experimentID string) error {
	exp, err := m.Get(experimentID)
	if err != nil {
		return err
	}

	switch exp.Status {
	case models.ExperimentDraft, models.ExperimentRunning, models.ExperimentPaused:
		exp.Status = models.ExperimentCompleted
		exp.EndedAt = time.Now().UTC()
	case models.ExperimentCompleted:
		return nil
	default:
		return fmt.Errorf("%w: cannot stop %s experiment %s", ErrInvalidTransition, exp.Status, experimentID)
	}

	if err := m.store.PutExperiment(exp); err != nil {
		return fmt.Errorf("experiment: persist %s: %w", experimentID, err)
	}
	m.logger.Info().Str("experiment", experimentID).Msg("experiment stopped")
	return nil
}

// Resolution is the outcome of variant resolution for a request.
type Resolution struct {
	// ExperimentID is empty when the implicit control applies.
	ExperimentID string
	Variant      models.Variant
}

// Resolve returns the variant serving this user. When at least one running
// experiment exists, the oldest (by creation time) governs serving; the
// user's stored assignment is returned unchanged if present, otherwise a
// deterministic assignment is created, persisted, and returned. With no
// running experiment the implicit control variant applies.
func (m *Manager) Resolve(userID string) (Resolution, error) {
	exp, err := m.oldestRunning()
	if err != nil {
		return Resolution{}, err
	}
	if exp == nil {
		return Resolution{Variant: DefaultVariant()}, nil
	}

	if a, err := m.store.GetAssignment(exp.ID, userID); err == nil {
		if v := findVariant(exp, a.VariantID); v != nil {
			return Resolution{ExperimentID: exp.ID, Variant: *v}, nil
		}
		// Assignment references a variant the definition no longer has;
		// fall through and reassign.
	} else if !errors.Is(err, store.ErrNotFound) {
		return Resolution{}, fmt.Errorf("experiment: load assignment: %w", err)
	}

	m.assignMu.Lock()
	defer m.assignMu.Unlock()

	// Double-check under the lock: another request may have assigned while
	// we waited.
	if a, err := m.store.GetAssignment(exp.ID, userID); err == nil {
		if v := findVariant(exp, a.VariantID); v != nil {
			return Resolution{ExperimentID: exp.ID, Variant: *v}, nil
		}
	}

	variant := pickVariant(exp, Bucket(userID, exp.ID))
	a := &models.Assignment{
		UserID:       userID,
		ExperimentID: exp.ID,
		VariantID:    variant.ID,
		AssignedAt:   time.Now().UTC(),
	}
	if err := m.store.PutAssignment(a); err != nil {
		return Resolution{}, fmt.Errorf("experiment: persist assignment: %w", err)
	}

	metrics.ExperimentAssignments.WithLabelValues(exp.ID, variant.ID).Inc()
	m.logger.Debug().
		Str("experiment", exp.ID).
		Str("user", userID).
		Str("variant", variant.ID).
		Msg("user assigned to variant")

	return Resolution{ExperimentID: exp.ID, Variant: variant}, nil
}

// StoredAssignment returns the user's existing assignment for the oldest
// running experiment without creating one. ok is false when no running
// experiment exists or the user was never assigned.
func (m *Manager) StoredAssignment(userID string) (experimentID, variantID string, ok bool, err error) {
	exp, err := m.oldestRunning()
	if err != nil || exp == nil {
		return "", "", false, err
	}

	a, err := m.store.GetAssignment(exp.ID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("experiment: load assignment: %w", err)
	}
	return exp.ID, a.VariantID, true, nil
}

// oldestRunning returns the running experiment with the earliest creation
// time, or nil when none is running.
func (m *Manager) oldestRunning() (*models.Experiment, error) {
	exps, err := m.store.ListExperiments()
	if err != nil {
		return nil, fmt.Errorf("experiment: list experiments: %w", err)
	}

	var oldest *models.Experiment
	for _, exp := range exps {
		if exp.Status != models.ExperimentRunning {
			continue
		}
		if oldest == nil || exp.CreatedAt.Before(oldest.CreatedAt) {
			oldest = exp
		}
	}
	return oldest, nil
}

// Bucket maps (userID, experimentID) deterministically into [0, 1).
// The same pair always lands in the same bucket, across processes and
// restarts, with no per-user random state.
func Bucket(userID, experimentID string) float64 {
	h := xxhash.Sum64String(userID + ":" + experimentID)
	return float64(h) / float64(math.MaxUint64+1.0)
}

// pickVariant walks the variants' cumulative traffic ranges in definition
// order and returns the bucket's variant. Rounding gaps at the top of the
// range fall to the last variant.
func pickVariant(exp *models.Experiment, bucket float64) models.Variant {
	var cumulative float64
	for _, v := range exp.Variants {
		cumulative += v.TrafficPct
		if bucket < cumulative {
			return v
		}
	}
	return exp.Variants[len(exp.Variants)-1]
}

func findVariant(exp *models.Experiment, variantID string) *models.Variant {
	for i := range exp.Variants {
		if exp.Variants[i].ID == variantID {
			return &exp.Variants[i]
		}
	}
	return nil
}

// RecordEvent validates and appends one outcome event. Events for unknown
// experiments or variants are rejected and logged, never silently dropped.
func (m *Manager) RecordEvent(ev *models.ExperimentEvent) error {
	exp, err := m.Get(ev.ExperimentID)
	if err != nil {
		m.logger.Warn().
			Str("experiment", ev.ExperimentID).
			Str("type", string(ev.Type)).
			Msg("event for unknown experiment rejected")
		return err
	}

	if findVariant(exp, ev.VariantID) == nil {
		m.logger.Warn().
			Str("experiment", ev.ExperimentID).
			Str("variant", ev.VariantID).
			Str("type", string(ev.Type)).
			Msg("event for unknown variant rejected")
		return fmt.Errorf("%w: %s in experiment %s", ErrUnknownVariant, ev.VariantID, ev.ExperimentID)
	}

	if !ev.Type.Valid() {
		return fmt.Errorf("experiment: invalid event type %q", ev.Type)
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if err := m.store.AppendExperimentEvent(ev); err != nil {
		return fmt.Errorf("experiment: append event: %w", err)
	}

	metrics.ExperimentEvents.WithLabelValues(ev.ExperimentID, ev.VariantID, string(ev.Type)).Inc()
	return nil
}

// Results aggregates outcome events into per-variant metrics. Aggregation is
// by event-type counts, so out-of-order arrival cannot skew the rates.
// Variants with zero exposures report zero rates.
func (m *Manager) Results(experimentID string) ([]models.VariantMetrics, error) {
	exp, err := m.Get(experimentID)
	if err != nil {
		return nil, err
	}

	events, err := m.store.ListExperimentEvents(experimentID)
	if err != nil {
		return nil, fmt.Errorf("experiment: list events: %w", err)
	}

	byVariant := make(map[string]*models.VariantMetrics, len(exp.Variants))
	for _, v := range exp.Variants {
		byVariant[v.ID] = &models.VariantMetrics{VariantID: v.ID}
	}

	for i := range events {
		vm, ok := byVariant[events[i].VariantID]
		if !ok {
			continue
		}
		switch events[i].Type {
		case models.EventExposure:
			vm.Exposures++
		case models.EventClick:
			vm.Clicks++
		case models.EventConversion:
			vm.Conversions++
		}
	}

	results := make([]models.VariantMetrics, 0, len(byVariant))
	for _, v := range exp.Variants {
		vm := byVariant[v.ID]
		if vm.Exposures > 0 {
			vm.CTR = float64(vm.Clicks) / float64(vm.Exposures)
			vm.ConversionRate = float64(vm.Conversions) / float64(vm.Exposures)
		}
		results = append(results, *vm)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].VariantID < results[j].VariantID
	})
	return results, nil
}

// List returns all experiments, newest first.
func (m *Manager) List() ([]*models.Experiment, error) {
	exps, err := m.store.ListExperiments()
	if err != nil {
		return nil, fmt.Errorf("experiment: list experiments: %w", err)
	}
	sort.SliceStable(exps, func(i, j int) bool {
		return exps[i].CreatedAt.After(exps[j].CreatedAt)
	})
	return exps, nil
}
