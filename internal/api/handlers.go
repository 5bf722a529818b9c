// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/rankline/rankline/internal/engine"
	"github.com/rankline/rankline/internal/experiment"
	"github.com/rankline/rankline/internal/interaction"
	"github.com/rankline/rankline/internal/logging"
	"github.com/rankline/rankline/internal/models"
	"github.com/rankline/rankline/internal/registry"
	"github.com/rankline/rankline/internal/retrain"
	"github.com/rankline/rankline/internal/store"
)

// maxBodyBytes bounds request bodies; recommendation and experiment
// payloads are small.
const maxBodyBytes = 1 << 20

// Handlers holds the dependencies behind every endpoint.
type Handlers struct {
	engine       *engine.Engine
	interactions *interaction.Log
	experiments  *experiment.Manager
	store        *store.Store
	registry     *registry.Registry
	retrain      *retrain.Coordinator
}

// NewHandlers creates the handler set.
func NewHandlers(
	eng *engine.Engine,
	log *interaction.Log,
	exps *experiment.Manager,
	st *store.Store,
	reg *registry.Registry,
	coord *retrain.Coordinator,
) *Handlers {
	return &Handlers{
		engine:       eng,
		interactions: log,
		experiments:  exps,
		store:        st,
		registry:     reg,
		retrain:      coord,
	}
}

// decodeJSON decodes a bounded JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

// recommendRequest is the body of POST /api/v1/recommendations.
type recommendRequest struct {
	UserID  string                    `json:"user_id"`
	Count   int                       `json:"count,omitempty"`
	Context models.InteractionContext `json:"context,omitempty"`
}

// Recommend serves POST /api/v1/recommendations.
func (h *Handlers) Recommend(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req recommendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		rw.BadRequest("invalid JSON body: " + err.Error())
		return
	}
	if req.UserID == "" {
		rw.ValidationError("validation failed", map[string]string{"user_id": "required"})
		return
	}
	if req.Count < 0 {
		rw.ValidationError("validation failed", map[string]string{"count": "must be non-negative"})
		return
	}

	result, err := h.engine.Recommend(r.Context(), req.UserID, req.Count, req.Context)
	if err != nil {
		if errors.Is(err, engine.ErrModelUnavailable) {
			rw.ServiceUnavailable(ErrCodeModelUnavailable, "no trained model is active yet")
			return
		}
		logging.Error().Err(err).Str("user", req.UserID).Msg("recommendation failed")
		rw.InternalError("failed to compute recommendations")
		return
	}

	rw.Success(result)
}

// interactionRequest is the body of POST /api/v1/interactions.
type interactionRequest struct {
	UserID    string                    `json:"user_id"`
	ContentID string                    `json:"content_id"`
	Type      models.InteractionType    `json:"type"`
	Context   models.InteractionContext `json:"context,omitempty"`
	Timestamp time.Time                 `json:"timestamp,omitempty"`
}

// RecordInteraction serves POST /api/v1/interactions.
func (h *Handlers) RecordInteraction(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req interactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		rw.BadRequest("invalid JSON body: " + err.Error())
		return
	}

	ev := &models.InteractionEvent{
		UserID:    req.UserID,
		ContentID: req.ContentID,
		Type:      req.Type,
		Context:   req.Context,
		Timestamp: req.Timestamp,
	}

	if err := h.interactions.Record(r.Context(), ev); err != nil {
		if errors.Is(err, interaction.ErrInvalidInteraction) {
			rw.ValidationError(err.Error(), nil)
			return
		}
		logging.Error().Err(err).Str("user", req.UserID).Msg("interaction record failed")
		rw.InternalError("failed to record interaction")
		return
	}

	rw.Created(ev)
}

// IngestContent serves POST /api/v1/content.
func (h *Handlers) IngestContent(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var item models.ContentItem
	if err := decodeJSON(w, r, &item); err != nil {
		rw.BadRequest("invalid JSON body: " + err.Error())
		return
	}
	if item.ID == "" {
		rw.ValidationError("validation failed", map[string]string{"id": "required"})
		return
	}
	if item.IngestedAt.IsZero() {
		item.IngestedAt = time.Now().UTC()
	}

	if err := h.store.PutContentItem(&item); err != nil {
		logging.Error().Err(err).Str("content", item.ID).Msg("content ingest failed")
		rw.InternalError("failed to store content item")
		return
	}

	rw.Created(&item)
}

// GetContent serves GET /api/v1/content/{id}.
func (h *Handlers) GetContent(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	item, err := h.store.GetContentItem(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			rw.NotFound(ErrCodeNotFound, "content item not found")
			return
		}
		rw.InternalError("failed to load content item")
		return
	}

	rw.Success(item)
}
