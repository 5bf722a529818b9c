// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rankline/rankline/internal/experiment"
	"github.com/rankline/rankline/internal/logging"
	"github.com/rankline/rankline/internal/models"
)

// CreateExperiment serves POST /api/v1/experiments.
func (h *Handlers) CreateExperiment(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var exp models.Experiment
	if err := decodeJSON(w, r, &exp); err != nil {
		rw.BadRequest("invalid JSON body: " + err.Error())
		return
	}
	if exp.Name == "" {
		rw.ValidationError("validation failed", map[string]string{"name": "required"})
		return
	}

	id, err := h.experiments.Create(&exp)
	if err != nil {
		if errors.Is(err, experiment.ErrInvalidVariantWeights) {
			rw.Error(http.StatusBadRequest, ErrCodeInvalidWeights, err.Error())
			return
		}
		logging.Error().Err(err).Str("experiment", exp.Name).Msg("experiment create failed")
		rw.InternalError("failed to create experiment")
		return
	}

	created, err := h.experiments.Get(id)
	if err != nil {
		rw.InternalError("failed to load created experiment")
		return
	}
	rw.Created(created)
}

// ListExperiments serves GET /api/v1/experiments.
func (h *Handlers) ListExperiments(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	exps, err := h.experiments.List()
	if err != nil {
		rw.InternalError("failed to list experiments")
		return
	}
	rw.Success(exps)
}

// GetExperiment serves GET /api/v1/experiments/{id}.
func (h *Handlers) GetExperiment(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	exp, err := h.experiments.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, experiment.ErrUnknownExperiment) {
			rw.NotFound(ErrCodeUnknownExperiment, "experiment not found")
			return
		}
		rw.InternalError("failed to load experiment")
		return
	}
	rw.Success(exp)
}

// StartExperiment serves POST /api/v1/experiments/{id}/start.
func (h *Handlers) StartExperiment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.experiments.Start)
}

// PauseExperiment serves POST /api/v1/experiments/{id}/pause.
func (h *Handlers) PauseExperiment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.experiments.Pause)
}

// StopExperiment serves POST /api/v1/experiments/{id}/stop.
func (h *Handlers) StopExperiment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.experiments.Stop)
}

func (h *Handlers) transition(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "id")

	if err := fn(id); err != nil {
		switch {
		case errors.Is(err, experiment.ErrUnknownExperiment):
			rw.NotFound(ErrCodeUnknownExperiment, "experiment not found")
		case errors.Is(err, experiment.ErrInvalidTransition):
			rw.Conflict(ErrCodeConflict, err.Error())
		default:
			logging.Error().Err(err).Str("experiment", id).Msg("experiment transition failed")
			rw.InternalError("failed to update experiment")
		}
		return
	}

	exp, err := h.experiments.Get(id)
	if err != nil {
		rw.InternalError("failed to load experiment")
		return
	}
	rw.Success(exp)
}

// experimentEventRequest is the body of POST /api/v1/experiments/{id}/events.
type experimentEventRequest struct {
	VariantID string                     `json:"variant_id"`
	UserID    string                     `json:"user_id"`
	Type      models.ExperimentEventType `json:"type"`
	Metadata  map[string]string          `json:"metadata,omitempty"`
}

// RecordExperimentEvent serves POST /api/v1/experiments/{id}/events.
func (h *Handlers) RecordExperimentEvent(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req experimentEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		rw.BadRequest("invalid JSON body: " + err.Error())
		return
	}

	ev := &models.ExperimentEvent{
		ExperimentID: chi.URLParam(r, "id"),
		VariantID:    req.VariantID,
		UserID:       req.UserID,
		Type:         req.Type,
		Metadata:     req.Metadata,
	}

	if err := h.experiments.RecordEvent(ev); err != nil {
		switch {
		case errors.Is(err, experiment.ErrUnknownExperiment):
			rw.NotFound(ErrCodeUnknownExperiment, "experiment not found")
		case errors.Is(err, experiment.ErrUnknownVariant):
			rw.NotFound(ErrCodeUnknownVariant, "variant not found in experiment")
		default:
			rw.ValidationError(err.Error(), nil)
		}
		return
	}

	rw.Created(ev)
}

// ExperimentResults serves GET /api/v1/experiments/{id}/results.
func (h *Handlers) ExperimentResults(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	results, err := h.experiments.Results(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, experiment.ErrUnknownExperiment) {
			rw.NotFound(ErrCodeUnknownExperiment, "experiment not found")
			return
		}
		rw.InternalError("failed to aggregate experiment results")
		return
	}
	rw.Success(results)
}
