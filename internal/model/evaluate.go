// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

package model

import (
	"errors"
	"math/rand"

	"github.com/rankline/rankline/internal/models"
)

// ErrNoHoldoutPairs is returned when the holdout set yields no usable
// positive/negative pairs for evaluation.
var ErrNoHoldoutPairs = errors.New("model: no rankable pairs in holdout set")

// SplitHoldout deterministically partitions events into training and holdout
// sets. fraction is the holdout share in (0, 1). The split is by event, seeded
// so the same inputs always split identically.
func SplitHoldout(events []models.InteractionEvent, fraction float64, seed int64) (train, holdout []models.InteractionEvent) {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // deterministic split, not cryptography

	shuffled := make([]models.InteractionEvent, len(events))
	copy(shuffled, events)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	cut := int(float64(len(shuffled)) * fraction)
	if cut == 0 && len(shuffled) > 1 {
		cut = 1
	}

	return shuffled[cut:], shuffled[:cut]
}

// Evaluate computes pairwise ranking accuracy on the holdout set: the
// fraction of (user, positive, negative) pairs where the model scores the
// positively-signaled item above the negatively- or weakly-signaled one.
//
// Pairs are formed per user from holdout events: items whose aggregated
// signal is positive pair against items with a lower aggregated signal.
// Returns a value in [0, 1]; 0.5 is chance level.
func Evaluate(m *Model, holdout []models.InteractionEvent) (float64, error) {
	if m == nil {
		return 0, errors.New("model: nil model")
	}

	// Aggregate holdout signal per (user, item).
	type userItems map[string]float64
	byUser := make(map[string]userItems)
	for _, ev := range holdout {
		items, ok := byUser[ev.UserID]
		if !ok {
			items = make(userItems)
			byUser[ev.UserID] = items
		}
		items[ev.ContentID] += ev.Type.Signal()
	}

	var correct, total int
	for userID, items := range byUser {
		for posID, posSignal := range items {
			if posSignal <= 0 {
				continue
			}
			for negID, negSignal := range items {
				if negSignal >= posSignal {
					continue
				}
				total++
				if m.Score(userID, posID) > m.Score(userID, negID) {
					correct++
				}
			}
		}
	}

	if total == 0 {
		return 0, ErrNoHoldoutPairs
	}

	return float64(correct) / float64(total), nil
}
