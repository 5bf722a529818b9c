// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

// Package events provides the in-process event bus. Interaction writes
// publish to it after the synchronous path (log append, cache invalidation,
// profile update) commits; the retrain trigger counter and the experiment
// outcome bridge consume asynchronously.
package events

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	json "github.com/goccy/go-json"

	"github.com/rankline/rankline/internal/logging"
	"github.com/rankline/rankline/internal/models"
)

// TopicInteractionRecorded carries every committed interaction event.
const TopicInteractionRecorded = "interactions.recorded"

// Bus is an in-process pub/sub over Watermill's gochannel transport.
// Each subscriber gets its own delivery; a slow subscriber does not block
// the publishing request path beyond its channel buffer.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// NewBus creates the event bus.
func NewBus() *Bus {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: 256,
		},
		watermill.NewSlogLogger(logging.NewSlogLogger()),
	)
	return &Bus{pubsub: pubsub}
}

// PublishInteraction publishes a committed interaction event.
func (b *Bus) PublishInteraction(ev *models.InteractionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal interaction %s: %w", ev.ID, err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(TopicInteractionRecorded, msg); err != nil {
		return fmt.Errorf("events: publish interaction %s: %w", ev.ID, err)
	}
	return nil
}

// SubscribeInteractions subscribes to committed interaction events. The
// channel closes when ctx is cancelled or the bus shuts down.
func (b *Bus) SubscribeInteractions(ctx context.Context) (<-chan *message.Message, error) {
	ch, err := b.pubsub.Subscribe(ctx, TopicInteractionRecorded)
	if err != nil {
		return nil, fmt.Errorf("events: subscribe %s: %w", TopicInteractionRecorded, err)
	}
	return ch, nil
}

// DecodeInteraction unmarshals an interaction event from a bus message.
func DecodeInteraction(msg *message.Message) (*models.InteractionEvent, error) {
	ev := &models.InteractionEvent{}
	if err := json.Unmarshal(msg.Payload, ev); err != nil {
		return nil, fmt.Errorf("events: decode interaction message %s: %w", msg.UUID, err)
	}
	return ev, nil
}

// Close shuts the bus down, closing all subscriber channels.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
