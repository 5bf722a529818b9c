// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

package model

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rankline/rankline/internal/models"
)

// ErrInsufficientData is returned when the interaction set is too small to
// train a meaningful model.
var ErrInsufficientData = errors.New("model: insufficient interactions for training")

// TrainConfig contains SGD training hyperparameters.
type TrainConfig struct {
	// Dim is the latent factor dimensionality. Typical range: 16-128.
	Dim int

	// Epochs is the number of passes over the training set.
	Epochs int

	// LearningRate is the SGD step size.
	LearningRate float64

	// Regularization is the L2 penalty applied to factors and biases.
	Regularization float64

	// Seed fixes the RNG. Identical inputs and seed produce an identical
	// model, which makes retraining reproducible and testable.
	Seed int64

	// MinInteractions is the minimum number of training examples required.
	MinInteractions int
}

// DefaultTrainConfig returns default training hyperparameters.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		Dim:             32,
		Epochs:          20,
		LearningRate:    0.01,
		Regularization:  0.02,
		Seed:            42,
		MinInteractions: 20,
	}
}

// example is one aggregated (user, item, signal) training triple.
type example struct {
	userID    string
	contentID string
	signal    float64
}

// Trainer fits embedding models from interaction events.
type Trainer struct {
	cfg TrainConfig
}

// NewTrainer creates a Trainer, filling zero config fields with defaults.
func NewTrainer(cfg TrainConfig) *Trainer {
	def := DefaultTrainConfig()
	if cfg.Dim <= 0 {
		cfg.Dim = def.Dim
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = def.Epochs
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = def.LearningRate
	}
	if cfg.Regularization < 0 {
		cfg.Regularization = def.Regularization
	}
	if cfg.MinInteractions <= 0 {
		cfg.MinInteractions = def.MinInteractions
	}
	return &Trainer{cfg: cfg}
}

// Train fits a model on the given interaction events.
//
// Events are aggregated to one (user, item) example each, summing per-type
// signals and clamping to [-1, 1]. SGD then minimizes squared error with L2
// regularization over biases and factors. The ctx is checked between epochs;
// cancellation abandons the run without side effects.
func (t *Trainer) Train(ctx context.Context, events []models.InteractionEvent) (*Model, error) {
	examples := aggregate(events)
	if len(examples) < t.cfg.MinInteractions {
		return nil, ErrInsufficientData
	}

	rng := rand.New(rand.NewSource(t.cfg.Seed)) //nolint:gosec // deterministic training, not cryptography

	m := &Model{
		Dim:              t.cfg.Dim,
		UserFactors:      make(map[string][]float64),
		ItemFactors:      make(map[string][]float64),
		UserBias:         make(map[string]float64),
		ItemBias:         make(map[string]float64),
		InteractionCount: len(examples),
	}

	var signalSum float64
	for _, ex := range examples {
		signalSum += ex.signal
	}
	m.GlobalBias = signalSum / float64(len(examples))

	// Small random init keeps factor products near zero at the start so
	// biases converge first.
	scale := 1.0 / math.Sqrt(float64(t.cfg.Dim))
	for _, ex := range examples {
		if _, ok := m.UserFactors[ex.userID]; !ok {
			m.UserFactors[ex.userID] = randomVector(rng, t.cfg.Dim, scale)
		}
		if _, ok := m.ItemFactors[ex.contentID]; !ok {
			m.ItemFactors[ex.contentID] = randomVector(rng, t.cfg.Dim, scale)
		}
	}

	lr := t.cfg.LearningRate
	reg := t.cfg.Regularization

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rng.Shuffle(len(examples), func(i, j int) {
			examples[i], examples[j] = examples[j], examples[i]
		})

		for _, ex := range examples {
			uf := m.UserFactors[ex.userID]
			vf := m.ItemFactors[ex.contentID]

			pred := m.GlobalBias + m.UserBias[ex.userID] + m.ItemBias[ex.contentID] + dot(uf, vf)
			err := ex.signal - pred

			m.UserBias[ex.userID] += lr * (err - reg*m.UserBias[ex.userID])
			m.ItemBias[ex.contentID] += lr * (err - reg*m.ItemBias[ex.contentID])

			for d := 0; d < t.cfg.Dim; d++ {
				u, v := uf[d], vf[d]
				uf[d] += lr * (err*v - reg*u)
				vf[d] += lr * (err*u - reg*v)
			}
		}
	}

	m.TrainedAt = time.Now().UTC()
	return m, nil
}

// aggregate folds raw events into one example per (user, item) pair.
// Signals sum and clamp to [-1, 1], so repeated views never outweigh a
// dismiss and heavy positive engagement saturates at 1.
func aggregate(events []models.InteractionEvent) []example {
	type key struct{ user, content string }

	sums := make(map[key]float64)
	order := make([]key, 0, len(events))

	for _, ev := range events {
		k := key{ev.UserID, ev.ContentID}
		if _, seen := sums[k]; !seen {
			order = append(order, k)
		}
		sums[k] += ev.Type.Signal()
	}

	examples := make([]example, 0, len(order))
	for _, k := range order {
		examples = append(examples, example{
			userID:    k.user,
			contentID: k.content,
			signal:    clamp(sums[k], -1, 1),
		})
	}
	return examples
}

func randomVector(rng *rand.Rand, dim int, scale float64) []float64 {
	v := make([]float64, dim)
	for i := range v {
		v[i] = (rng.Float64() - 0.5) * scale
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
