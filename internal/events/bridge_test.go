// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

package events

import (
	"context"
	"testing"
	"time"

	"github.com/rankline/rankline/internal/experiment"
	"github.com/rankline/rankline/internal/models"
	"github.com/rankline/rankline/internal/store"
)

func newBridgeFixture(t *testing.T) (*Bridge, *Bus, *experiment.Manager) {
	t.Helper()

	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := NewBus()
	t.Cleanup(func() { _ = bus.Close() })

	exps := experiment.NewManager(st, 0.001)
	return NewBridge(bus, exps), bus, exps
}

func startRunningExperiment(t *testing.T, exps *experiment.Manager) string {
	t.Helper()
	id, err := exps.Create(&models.Experiment{
		Name: "bridge-test",
		Variants: []models.Variant{
			{ID: "control", TrafficPct: 0.5},
			{ID: "treatment", TrafficPct: 0.5},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := exps.Start(id); err != nil {
		t.Fatalf("start: %v", err)
	}
	return id
}

// waitForEvents polls experiment results until the predicate holds or the
// deadline passes.
func waitForEvents(t *testing.T, exps *experiment.Manager, expID string, pred func([]models.VariantMetrics) bool) []models.VariantMetrics {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		results, err := exps.Results(expID)
		if err != nil {
			t.Fatalf("results: %v", err)
		}
		if pred(results) {
			return results
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for bridged events")
	return nil
}

func totals(results []models.VariantMetrics) (clicks, conversions int64) {
	for _, vm := range results {
		clicks += vm.Clicks
		conversions += vm.Conversions
	}
	return clicks, conversions
}

func TestBridgeAttributesClicksAndConversions(t *testing.T) {
	bridge, bus, exps := newBridgeFixture(t)
	expID := startRunningExperiment(t, exps)

	// Resolving creates the stored assignment the bridge attributes to.
	if _, err := exps.Resolve("u1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bridge.Serve(ctx) }()

	for _, typ := range []models.InteractionType{models.InteractionClick, models.InteractionComplete} {
		ev := &models.InteractionEvent{
			ID: "evt-" + string(typ), UserID: "u1", ContentID: "c1",
			Type: typ, Timestamp: time.Now().UTC(),
		}
		if err := bus.PublishInteraction(ev); err != nil {
			t.Fatalf("publish %s: %v", typ, err)
		}
	}

	results := waitForEvents(t, exps, expID, func(results []models.VariantMetrics) bool {
		clicks, conversions := totals(results)
		return clicks == 1 && conversions == 1
	})

	clicks, conversions := totals(results)
	if clicks != 1 || conversions != 1 {
		t.Errorf("clicks=%d conversions=%d, want 1 and 1", clicks, conversions)
	}
}

func TestBridgeIgnoresUnassignedUsersAndWeakSignals(t *testing.T) {
	bridge, bus, exps := newBridgeFixture(t)
	expID := startRunningExperiment(t, exps)

	if _, err := exps.Resolve("assigned"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bridge.Serve(ctx) }()

	publish := func(userID string, typ models.InteractionType) {
		t.Helper()
		ev := &models.InteractionEvent{
			ID: "evt-" + userID + "-" + string(typ), UserID: userID,
			ContentID: "c1", Type: typ, Timestamp: time.Now().UTC(),
		}
		if err := bus.PublishInteraction(ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	publish("stranger", models.InteractionClick) // no assignment: ignored
	publish("assigned", models.InteractionView)  // weak signal: ignored
	publish("assigned", models.InteractionClick) // attributed

	results := waitForEvents(t, exps, expID, func(results []models.VariantMetrics) bool {
		clicks, _ := totals(results)
		return clicks >= 1
	})

	clicks, conversions := totals(results)
	if clicks != 1 {
		t.Errorf("clicks = %d, want exactly 1", clicks)
	}
	if conversions != 0 {
		t.Errorf("conversions = %d, want 0", conversions)
	}
}
