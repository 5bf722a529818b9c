// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/rankline/rankline/internal/registry"
	"github.com/rankline/rankline/internal/retrain"
)

// modelStatusResponse is the payload of GET /api/v1/models/status.
type modelStatusResponse struct {
	ActiveEpoch     uint64         `json:"active_epoch"`
	Accuracy        float64        `json:"accuracy,omitempty"`
	PromotedAt      time.Time      `json:"promoted_at,omitempty"`
	TrainedAt       time.Time      `json:"trained_at,omitempty"`
	InteractionsFit int64          `json:"interactions_fit,omitempty"`
	Retrain         retrain.Status `json:"retrain"`
}

// ModelStatus serves GET /api/v1/models/status: the active model epoch and
// the retraining coordinator's state.
func (h *Handlers) ModelStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	resp := modelStatusResponse{Retrain: h.retrain.Status()}

	epoch, err := h.registry.Active()
	switch {
	case err == nil:
		resp.ActiveEpoch = epoch.Number
		resp.Accuracy = epoch.Accuracy
		resp.PromotedAt = epoch.PromotedAt
		resp.TrainedAt = epoch.Model.TrainedAt
		resp.InteractionsFit = int64(epoch.Model.InteractionCount)
	case errors.Is(err, registry.ErrNoActiveModel):
		// Epoch zero: the service is up but serving nothing yet.
	default:
		rw.InternalError("failed to read model status")
		return
	}

	rw.Success(resp)
}

// healthResponse is the payload of GET /healthz.
type healthResponse struct {
	Status       string `json:"status"`
	ModelServing bool   `json:"model_serving"`
	RetrainState string `json:"retrain_state"`
	RetrainFresh bool   `json:"retrain_fresh"`
	Interactions int64  `json:"interactions"`
}

// Health serves GET /healthz. The service is "ok" when it can serve
// recommendations, "degraded" while no model has been promoted yet.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	count, err := h.store.CountInteractions()
	if err != nil {
		rw.ServiceUnavailable(ErrCodeServiceUnavailable, "store unavailable")
		return
	}

	_, modelErr := h.registry.Active()
	resp := healthResponse{
		Status:       "ok",
		ModelServing: modelErr == nil,
		RetrainState: h.retrain.State().String(),
		RetrainFresh: h.retrain.Fresh(time.Now()),
		Interactions: count,
	}
	if modelErr != nil || !resp.RetrainFresh {
		resp.Status = "degraded"
	}

	rw.Success(resp)
}
