// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

// Package registry tracks model epochs and the atomic promotion of newly
// trained models into serving.
//
// The active epoch is held behind an atomic pointer: readers always observe
// a complete (model, epoch) pair, never a half-promoted state. Promotion is
// serialized; a second promotion attempted while one is in flight is
// rejected rather than queued.
package registry

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/rankline/rankline/internal/logging"
	"github.com/rankline/rankline/internal/metrics"
	"github.com/rankline/rankline/internal/model"
)

// ErrPromotionInProgress is returned when a promotion is attempted while
// another one has not finished.
var ErrPromotionInProgress = errors.New("registry: model promotion already in progress")

// ErrNoActiveModel is returned when no model has been promoted yet.
var ErrNoActiveModel = errors.New("registry: no active model")

// Epoch is one promoted model generation. Epoch numbers increase
// monotonically and are never reused, so scores from different generations
// can always be told apart.
type Epoch struct {
	// Number is the monotonic epoch identifier.
	Number uint64 `json:"number"`

	// Model is the trained model serving this epoch.
	Model *model.Model `json:"-"`

	// Accuracy is the holdout ranking accuracy measured at promotion.
	Accuracy float64 `json:"accuracy"`

	// PromotedAt is when this epoch became active.
	PromotedAt time.Time `json:"promoted_at"`
}

// PromoteHook runs synchronously after an epoch swap, before Promote
// returns. The cache registers one to drop entries from retired epochs.
type PromoteHook func(retired, active *Epoch)

// Registry holds the active model epoch.
type Registry struct {
	active    atomic.Pointer[Epoch]
	counter   atomic.Uint64
	promoting atomic.Bool
	hooks     []PromoteHook
}

// New creates an empty Registry. No model is active until the first Promote.
func New(hooks ...PromoteHook) *Registry {
	return &Registry{hooks: hooks}
}

// Active returns the current serving epoch, or ErrNoActiveModel before the
// first promotion.
func (r *Registry) Active() (*Epoch, error) {
	ep := r.active.Load()
	if ep == nil {
		return nil, ErrNoActiveModel
	}
	return ep, nil
}

// ActiveNumber returns the active epoch number, or 0 if none is active.
func (r *Registry) ActiveNumber() uint64 {
	if ep := r.active.Load(); ep != nil {
		return ep.Number
	}
	return 0
}

// Promote installs m as the new active epoch in a single atomic swap.
//
// In-flight requests holding the previous epoch finish against it; requests
// that start after Promote returns observe the new one. Returns
// ErrPromotionInProgress if another promotion has not completed.
func (r *Registry) Promote(m *model.Model, accuracy float64) (*Epoch, error) {
	if m == nil {
		return nil, errors.New("registry: cannot promote nil model")
	}
	if !r.promoting.CompareAndSwap(false, true) {
		return nil, ErrPromotionInProgress
	}
	defer r.promoting.Store(false)

	ep := &Epoch{
		Number:     r.counter.Add(1),
		Model:      m,
		Accuracy:   accuracy,
		PromotedAt: time.Now().UTC(),
	}

	retired := r.active.Swap(ep)
	metrics.ActiveModelEpoch.Set(float64(ep.Number))

	for _, hook := range r.hooks {
		hook(retired, ep)
	}

	retiredNumber := uint64(0)
	if retired != nil {
		retiredNumber = retired.Number
	}
	logging.Info().
		Str("component", "registry").
		Uint64("epoch", ep.Number).
		Uint64("retired_epoch", retiredNumber).
		Float64("accuracy", accuracy).
		Msg("model promoted")

	return ep, nil
}
