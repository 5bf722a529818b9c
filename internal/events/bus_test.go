// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

package events

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/rankline/rankline/internal/models"
)

func TestPublishSubscribeRoundTrip(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.SubscribeInteractions(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sent := &models.InteractionEvent{
		ID:        "evt-1",
		UserID:    "u1",
		ContentID: "c1",
		Type:      models.InteractionClick,
		Timestamp: time.Now().UTC(),
	}
	if err := bus.PublishInteraction(sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-ch:
		got, err := DecodeInteraction(msg)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		msg.Ack()

		if got.ID != sent.ID || got.UserID != sent.UserID || got.Type != sent.Type {
			t.Errorf("got %+v, want %+v", got, sent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1, err := bus.SubscribeInteractions(ctx)
	if err != nil {
		t.Fatalf("subscribe 1: %v", err)
	}
	ch2, err := bus.SubscribeInteractions(ctx)
	if err != nil {
		t.Fatalf("subscribe 2: %v", err)
	}

	ev := &models.InteractionEvent{ID: "evt-1", UserID: "u1", ContentID: "c1", Type: models.InteractionView}
	if err := bus.PublishInteraction(ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, sub := range []struct {
		name string
		ch   <-chan *message.Message
	}{
		{"first", ch1},
		{"second", ch2},
	} {
		select {
		case msg := <-sub.ch:
			got, err := DecodeInteraction(msg)
			if err != nil {
				t.Fatalf("%s subscriber decode: %v", sub.name, err)
			}
			msg.Ack()
			if got.ID != "evt-1" {
				t.Errorf("%s subscriber got event %q, want evt-1", sub.name, got.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s subscriber timed out", sub.name)
		}
	}
}
