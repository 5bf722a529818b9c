// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

// Package models defines the domain types shared across Rankline components:
// users and their preference profiles, content items, interaction events,
// experiments with variants and assignments, and the scored-recommendation
// shapes returned to callers.
package models

import (
	"time"
)

// InteractionType classifies an explicit or implicit user-content signal.
type InteractionType string

const (
	// InteractionView records that content was displayed and opened.
	InteractionView InteractionType = "view"
	// InteractionClick records that the user selected recommended content.
	InteractionClick InteractionType = "click"
	// InteractionLike records an explicit positive signal.
	InteractionLike InteractionType = "like"
	// InteractionDismiss records an explicit negative signal; dismissed
	// content must disappear from recommendations immediately.
	InteractionDismiss InteractionType = "dismiss"
	// InteractionComplete records full consumption of the content.
	InteractionComplete InteractionType = "complete"
)

// Valid reports whether t is a known interaction type.
func (t InteractionType) Valid() bool {
	switch t {
	case InteractionView, InteractionClick, InteractionLike, InteractionDismiss, InteractionComplete:
		return true
	}
	return false
}

// Signal returns the preference weight for this interaction type.
// Positive values strengthen affinity, negative values weaken it.
func (t InteractionType) Signal() float64 {
	switch t {
	case InteractionComplete:
		return 1.0
	case InteractionLike:
		return 0.8
	case InteractionClick:
		return 0.5
	case InteractionView:
		return 0.1
	case InteractionDismiss:
		return -0.5
	default:
		return 0.0
	}
}

// InteractionContext carries request-scoped attributes of an interaction or
// recommendation request. Hashed into the cache key so that, for example,
// mobile and TV surfaces cache independently.
type InteractionContext struct {
	// Device is the client device type (mobile, desktop, tv).
	Device string `json:"device,omitempty"`

	// Location is a coarse client location hint.
	Location string `json:"location,omitempty"`

	// Surface is the UI placement requesting recommendations.
	Surface string `json:"surface,omitempty"`
}

// InteractionEvent is one immutable user-content event. Events are append-only;
// ordering by timestamp drives recency-weighted profile updates.
type InteractionEvent struct {
	// ID is a unique event identifier.
	ID string `json:"id"`

	// UserID is the acting user.
	UserID string `json:"user_id" validate:"required"`

	// ContentID is the content acted on.
	ContentID string `json:"content_id" validate:"required"`

	// Type classifies the interaction.
	Type InteractionType `json:"type" validate:"required"`

	// Context carries device/location attributes.
	Context InteractionContext `json:"context,omitempty"`

	// Timestamp is when the interaction occurred.
	Timestamp time.Time `json:"timestamp"`
}

// ContentItem is an immutable piece of recommendable content. The embedding
// may be regenerated by retraining but the item identity persists.
type ContentItem struct {
	// ID is the unique content identifier.
	ID string `json:"id" validate:"required"`

	// Title is a human-readable name.
	Title string `json:"title,omitempty"`

	// Category is the primary content category.
	Category string `json:"category,omitempty"`

	// Tags are free-form descriptive labels.
	Tags []string `json:"tags,omitempty"`

	// Embedding is the fixed-length feature vector for content-side scoring.
	Embedding []float64 `json:"embedding,omitempty"`

	// IngestedAt is when the item entered the catalog.
	IngestedAt time.Time `json:"ingested_at"`
}

// UserProfile is the mutable preference state for one user. Created on first
// interaction, updated on every recorded interaction, never deleted here.
type UserProfile struct {
	// UserID identifies the user.
	UserID string `json:"user_id"`

	// CategoryWeights maps content category to accumulated affinity.
	CategoryWeights map[string]float64 `json:"category_weights"`

	// TagAffinities maps content tag to accumulated affinity.
	TagAffinities map[string]float64 `json:"tag_affinities"`

	// Recent is the bounded in-memory interaction window, newest last.
	// Full history lives in the persistent store.
	Recent []InteractionEvent `json:"recent,omitempty"`

	// FirstSeen is when the user's first interaction was recorded.
	FirstSeen time.Time `json:"first_seen"`

	// UpdatedAt is when the profile last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Affinity returns the profile's affinity for an item based on category and
// tag overlap. Zero for an empty profile.
func (p *UserProfile) Affinity(item *ContentItem) float64 {
	if p == nil || item == nil {
		return 0
	}

	score := p.CategoryWeights[item.Category]
	for _, tag := range item.Tags {
		score += p.TagAffinities[tag]
	}
	return score
}

// ScoredItem is one entry of an ordered recommendation list.
type ScoredItem struct {
	// ContentID is the recommended content.
	ContentID string `json:"content_id"`

	// Score is the final blended score; higher is better.
	Score float64 `json:"score"`

	// Explanation is an interpretable reason for the recommendation.
	Explanation string `json:"explanation,omitempty"`
}

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	// ExperimentDraft means the experiment is defined but not serving.
	ExperimentDraft ExperimentStatus = "draft"
	// ExperimentRunning means the experiment is assigning and serving traffic.
	ExperimentRunning ExperimentStatus = "running"
	// ExperimentPaused means assignment is suspended; traffic falls back to control.
	ExperimentPaused ExperimentStatus = "paused"
	// ExperimentCompleted means the experiment is finished and read-only.
	ExperimentCompleted ExperimentStatus = "completed"
)

// ScoringConfig is a variant's scoring strategy: how model and profile
// signals blend, and how large the candidate pool may be.
type ScoringConfig struct {
	// ModelWeight scales the embedding model score. Default 1.0.
	ModelWeight float64 `json:"model_weight"`

	// ProfileWeight scales the profile-affinity score. Default 0.0
	// (pure model scoring).
	ProfileWeight float64 `json:"profile_weight"`

	// CandidateLimit caps the scored candidate pool for this variant.
	// Zero means the engine-wide cap applies.
	CandidateLimit int `json:"candidate_limit,omitempty"`
}

// Variant is one alternative scoring strategy within an experiment.
type Variant struct {
	// ID is unique within the experiment.
	ID string `json:"id" validate:"required"`

	// Name is a human-readable label.
	Name string `json:"name,omitempty"`

	// TrafficPct is the fraction of users routed to this variant, in [0,1].
	// Active variants' fractions must sum to 1.0 within tolerance.
	TrafficPct float64 `json:"traffic_pct" validate:"gte=0,lte=1"`

	// Scoring is the variant's scoring configuration.
	Scoring ScoringConfig `json:"scoring"`
}

// Experiment is a controlled comparison of scoring strategies.
type Experiment struct {
	// ID is the unique experiment identifier.
	ID string `json:"id"`

	// Name is a human-readable label.
	Name string `json:"name" validate:"required"`

	// Status is the lifecycle state.
	Status ExperimentStatus `json:"status"`

	// Variants is the ordered variant set. Order is fixed at creation so
	// cumulative traffic ranges are deterministic.
	Variants []Variant `json:"variants" validate:"required,min=1,dive"`

	// CreatedAt orders experiments for variant resolution.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the experiment entered running status.
	StartedAt time.Time `json:"started_at,omitempty"`

	// EndedAt is when the experiment completed.
	EndedAt time.Time `json:"ended_at,omitempty"`
}

// Assignment binds a user to a variant for an experiment's lifetime.
// Created exactly once per (user, experiment); never re-randomized.
type Assignment struct {
	UserID       string    `json:"user_id"`
	ExperimentID string    `json:"experiment_id"`
	VariantID    string    `json:"variant_id"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// ExperimentEventType classifies experiment outcome events.
type ExperimentEventType string

const (
	// EventExposure records that a variant's output was shown to a user.
	EventExposure ExperimentEventType = "exposure"
	// EventClick records a click attributed to a variant.
	EventClick ExperimentEventType = "click"
	// EventConversion records a conversion attributed to a variant.
	EventConversion ExperimentEventType = "conversion"
)

// Valid reports whether t is a known experiment event type.
func (t ExperimentEventType) Valid() bool {
	switch t {
	case EventExposure, EventClick, EventConversion:
		return true
	}
	return false
}

// ExperimentEvent is one append-only experiment outcome record.
type ExperimentEvent struct {
	ID           string              `json:"id"`
	ExperimentID string              `json:"experiment_id" validate:"required"`
	VariantID    string              `json:"variant_id" validate:"required"`
	Type         ExperimentEventType `json:"type" validate:"required"`
	UserID       string              `json:"user_id,omitempty"`
	Metadata     map[string]string   `json:"metadata,omitempty"`
	Timestamp    time.Time           `json:"timestamp"`
}

// VariantMetrics aggregates outcome events for one variant.
// Aggregation is by event-type counts, so out-of-order arrival is harmless.
type VariantMetrics struct {
	VariantID      string  `json:"variant_id"`
	Exposures      int64   `json:"exposures"`
	Clicks         int64   `json:"clicks"`
	Conversions    int64   `json:"conversions"`
	CTR            float64 `json:"ctr"`
	ConversionRate float64 `json:"conversion_rate"`
}

// DefaultVariantID is the implicit control variant used when no running
// experiment applies to a request.
const DefaultVariantID = "control"
