// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the full route tree.
//
// Serving endpoints (recommendations, interactions) and management
// endpoints (content, experiments) share one middleware stack; health and
// metrics bypass rate limiting so monitoring never gets throttled out.
func NewRouter(h *Handlers, mw MiddlewareConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID())
	r.Use(RealIP)
	r.Use(Recoverer())
	r.Use(CORS(mw.CORSOrigins))

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RateLimit(mw.RateLimitReqs, mw.RateLimitWindow))
		r.Use(Metrics())

		r.Post("/recommendations", h.Recommend)
		r.Post("/interactions", h.RecordInteraction)

		r.Post("/content", h.IngestContent)
		r.Get("/content/{id}", h.GetContent)

		r.Route("/experiments", func(r chi.Router) {
			r.Post("/", h.CreateExperiment)
			r.Get("/", h.ListExperiments)
			r.Get("/{id}", h.GetExperiment)
			r.Post("/{id}/start", h.StartExperiment)
			r.Post("/{id}/pause", h.PauseExperiment)
			r.Post("/{id}/stop", h.StopExperiment)
			r.Post("/{id}/events", h.RecordExperimentEvent)
			r.Get("/{id}/results", h.ExperimentResults)
		})

		r.Get("/models/status", h.ModelStatus)
	})

	return r
}
