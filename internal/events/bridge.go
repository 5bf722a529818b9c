// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/rankline/rankline/internal/experiment"
	"github.com/rankline/rankline/internal/logging"
	"github.com/rankline/rankline/internal/models"
)

// Bridge attributes interaction outcomes to experiments: a click on
// recommended content becomes an experiment click event, a complete becomes
// a conversion, both attributed to the user's stored variant assignment.
// Users without an assignment (no running experiment, or never resolved)
// produce no experiment events. Implements suture.Service.
type Bridge struct {
	bus    *Bus
	exps   *experiment.Manager
	logger zerolog.Logger
}

// NewBridge creates a Bridge.
func NewBridge(bus *Bus, exps *experiment.Manager) *Bridge {
	return &Bridge{
		bus:    bus,
		exps:   exps,
		logger: logging.With().Str("component", "event-bridge").Logger(),
	}
}

// Serve consumes interaction events until ctx is cancelled.
func (b *Bridge) Serve(ctx context.Context) error {
	msgs, err := b.bus.SubscribeInteractions(ctx)
	if err != nil {
		return fmt.Errorf("events: bridge subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("events: bridge subscription closed")
			}
			b.handle(msg)
			msg.Ack()
		}
	}
}

// handle maps one interaction to an experiment outcome event, if any.
func (b *Bridge) handle(msg *message.Message) {
	ev, err := DecodeInteraction(msg)
	if err != nil {
		b.logger.Warn().Err(err).Str("message", msg.UUID).Msg("undecodable interaction dropped")
		return
	}

	var outcome models.ExperimentEventType
	switch ev.Type {
	case models.InteractionClick:
		outcome = models.EventClick
	case models.InteractionComplete:
		outcome = models.EventConversion
	default:
		return
	}

	experimentID, variantID, ok, err := b.exps.StoredAssignment(ev.UserID)
	if err != nil {
		b.logger.Error().Err(err).Str("user", ev.UserID).Msg("assignment lookup failed")
		return
	}
	if !ok {
		return
	}

	err = b.exps.RecordEvent(&models.ExperimentEvent{
		ExperimentID: experimentID,
		VariantID:    variantID,
		Type:         outcome,
		UserID:       ev.UserID,
		Metadata:     map[string]string{"content_id": ev.ContentID},
	})
	if err != nil {
		b.logger.Error().Err(err).
			Str("experiment", experimentID).
			Str("variant", variantID).
			Msg("outcome attribution failed")
	}
}
