// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

// Package metrics provides Prometheus instrumentation for Rankline:
// recommendation latency and cache efficiency, interaction ingest volume,
// experiment outcome counts, and retraining lifecycle outcomes.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Recommendation Serving Metrics
	RecommendationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recommendation_duration_seconds",
			Help:    "End-to-end recommendation request duration in seconds",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	RecommendationsServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recommendations_served_total",
			Help: "Total recommendation lists served",
		},
		[]string{"variant", "source"}, // source: "cache", "computed"
	)

	// Score Cache Metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "score_cache_hits_total",
			Help: "Total score cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "score_cache_misses_total",
			Help: "Total score cache misses",
		},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "score_cache_evictions_total",
			Help: "Total score cache evictions",
		},
		[]string{"reason"}, // "lru", "ttl", "user_invalidation", "epoch_invalidation"
	)

	CacheCorruptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "score_cache_corruptions_total",
			Help: "Total cache entries dropped due to checksum mismatch",
		},
	)

	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "score_cache_entries",
			Help: "Current number of cached score lists",
		},
	)

	// Interaction Metrics
	InteractionsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interactions_recorded_total",
			Help: "Total interaction events recorded",
		},
		[]string{"type"},
	)

	// Experiment Metrics
	ExperimentEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "experiment_events_total",
			Help: "Total experiment outcome events recorded",
		},
		[]string{"experiment", "variant", "type"}, // type: "exposure", "click", "conversion"
	)

	ExperimentAssignments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "experiment_assignments_total",
			Help: "Total first-time variant assignments",
		},
		[]string{"experiment", "variant"},
	)

	// Model and Retraining Metrics
	ActiveModelEpoch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "model_active_epoch",
			Help: "Epoch number of the currently active model",
		},
	)

	RetrainRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrain_runs_total",
			Help: "Total retraining runs by outcome",
		},
		[]string{"outcome"}, // "promoted", "rejected", "failed", "skipped"
	)

	RetrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "retrain_duration_seconds",
			Help:    "Duration of retraining runs in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	RetrainLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "retrain_last_success_timestamp",
			Help: "Unix timestamp of the last successful model promotion",
		},
	)

	ModelEvaluationAccuracy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "model_evaluation_accuracy",
			Help: "Holdout pairwise ranking accuracy of the last evaluated model",
		},
		[]string{"model"}, // "active", "candidate"
	)

	// API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordAPIRequest records an API request with its duration.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordRecommendation records a served recommendation list.
func RecordRecommendation(variant string, fromCache bool, duration time.Duration) {
	source := "computed"
	if fromCache {
		source = "cache"
	}
	RecommendationsServed.WithLabelValues(variant, source).Inc()
	RecommendationDuration.Observe(duration.Seconds())
}
