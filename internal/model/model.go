// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

// Package model implements the embedding model Rankline serves from: latent
// user and item factors with bias terms, a deterministic SGD trainer, and a
// holdout evaluator producing pairwise ranking accuracy.
package model

import (
	"time"
)

// Model is a trained embedding model. Immutable after training; scoring is
// safe for concurrent use.
type Model struct {
	// Dim is the latent factor dimensionality.
	Dim int `json:"dim"`

	// GlobalBias is the mean preference signal over the training set.
	GlobalBias float64 `json:"global_bias"`

	// UserFactors maps user ID to a latent vector of length Dim.
	UserFactors map[string][]float64 `json:"user_factors"`

	// ItemFactors maps content ID to a latent vector of length Dim.
	ItemFactors map[string][]float64 `json:"item_factors"`

	// UserBias and ItemBias are per-entity offsets from the global bias.
	UserBias map[string]float64 `json:"user_bias"`
	ItemBias map[string]float64 `json:"item_bias"`

	// TrainedAt is when training finished.
	TrainedAt time.Time `json:"trained_at"`

	// InteractionCount is the number of training examples used.
	InteractionCount int `json:"interaction_count"`
}

// Score predicts the preference of a user for an item.
//
// Full prediction is global bias + user bias + item bias + factor dot product.
// Unknown users fall back to global bias + item bias (popularity ordering);
// unknown items fall back to global bias + user bias. The fallback keeps
// cold-start scoring well-defined rather than erroring.
func (m *Model) Score(userID, contentID string) float64 {
	score := m.GlobalBias

	uf, hasUser := m.UserFactors[userID]
	if hasUser {
		score += m.UserBias[userID]
	}

	vf, hasItem := m.ItemFactors[contentID]
	if hasItem {
		score += m.ItemBias[contentID]
	}

	if hasUser && hasItem {
		score += dot(uf, vf)
	}

	return score
}

// KnowsUser reports whether the model learned factors for the user.
func (m *Model) KnowsUser(userID string) bool {
	_, ok := m.UserFactors[userID]
	return ok
}

// KnowsItem reports whether the model learned factors for the item.
func (m *Model) KnowsItem(contentID string) bool {
	_, ok := m.ItemFactors[contentID]
	return ok
}

// dot computes the inner product of two equal-length vectors.
func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
