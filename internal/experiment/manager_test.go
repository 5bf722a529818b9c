// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

package experiment

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/rankline/rankline/internal/models"
	"github.com/rankline/rankline/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewManager(st, 0.001)
}

func createRunning(t *testing.T, m *Manager, variants ...models.Variant) string {
	t.Helper()
	id, err := m.Create(&models.Experiment{Name: "test", Variants: variants})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(id); err != nil {
		t.Fatalf("start: %v", err)
	}
	return id
}

func fiftyFifty() []models.Variant {
	return []models.Variant{
		{ID: "control", TrafficPct: 0.5, Scoring: models.ScoringConfig{ModelWeight: 1}},
		{ID: "treatment", TrafficPct: 0.5, Scoring: models.ScoringConfig{ModelWeight: 0.7, ProfileWeight: 0.3}},
	}
}

func TestCreateValidatesWeights(t *testing.T) {
	m := newTestManager(t)

	tests := []struct {
		name     string
		variants []models.Variant
	}{
		{"no variants", nil},
		{"sum below one", []models.Variant{
			{ID: "a", TrafficPct: 0.4}, {ID: "b", TrafficPct: 0.4},
		}},
		{"sum above one", []models.Variant{
			{ID: "a", TrafficPct: 0.7}, {ID: "b", TrafficPct: 0.7},
		}},
		{"duplicate ids", []models.Variant{
			{ID: "a", TrafficPct: 0.5}, {ID: "a", TrafficPct: 0.5},
		}},
		{"empty id", []models.Variant{
			{ID: "", TrafficPct: 1.0},
		}},
		{"negative weight", []models.Variant{
			{ID: "a", TrafficPct: -0.2}, {ID: "b", TrafficPct: 1.2},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Create(&models.Experiment{Name: "bad", Variants: tt.variants})
			if !errors.Is(err, ErrInvalidVariantWeights) {
				t.Errorf("expected ErrInvalidVariantWeights, got %v", err)
			}
		})
	}
}

func TestCreateAcceptsWithinTolerance(t *testing.T) {
	m := newTestManager(t)
	variants := []models.Variant{
		{ID: "a", TrafficPct: 0.3333},
		{ID: "b", TrafficPct: 0.3333},
		{ID: "c", TrafficPct: 0.3334},
	}
	if _, err := m.Create(&models.Experiment{Name: "thirds", Variants: variants}); err != nil {
		t.Errorf("expected create to succeed within tolerance: %v", err)
	}
}

func TestAssignmentStability(t *testing.T) {
	m := newTestManager(t)
	createRunning(t, m, fiftyFifty()...)

	first, err := m.Resolve("u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	for i := 0; i < 20; i++ {
		res, err := m.Resolve("u1")
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if res.Variant.ID != first.Variant.ID {
			t.Fatalf("assignment flipped from %s to %s on call %d", first.Variant.ID, res.Variant.ID, i)
		}
	}
}

func TestTrafficSplitApproximatesWeights(t *testing.T) {
	m := newTestManager(t)
	expID := createRunning(t, m, fiftyFifty()...)

	const n = 10000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		res, err := m.Resolve(fmt.Sprintf("user-%d", i))
		if err != nil {
			t.Fatalf("resolve user-%d: %v", i, err)
		}
		if res.ExperimentID != expID {
			t.Fatalf("resolved against %q, want %q", res.ExperimentID, expID)
		}
		counts[res.Variant.ID]++
	}

	for _, variantID := range []string{"control", "treatment"} {
		got := float64(counts[variantID]) / n
		if math.Abs(got-0.5) > 0.05 {
			t.Errorf("variant %s share = %v, want 0.5 ±0.05", variantID, got)
		}
	}
}

func TestBucketDeterministic(t *testing.T) {
	b1 := Bucket("u1", "exp-1")
	b2 := Bucket("u1", "exp-1")
	if b1 != b2 {
		t.Errorf("bucket not deterministic: %v vs %v", b1, b2)
	}
	if b1 < 0 || b1 >= 1 {
		t.Errorf("bucket %v outside [0,1)", b1)
	}
	if Bucket("u1", "exp-1") == Bucket("u1", "exp-2") {
		t.Error("different experiments produced identical buckets")
	}
}

func TestConcurrentFirstResolutionSingleAssignment(t *testing.T) {
	m := newTestManager(t)
	createRunning(t, m, fiftyFifty()...)

	const workers = 16
	results := make([]string, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Resolve("contended-user")
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			results[i] = res.Variant.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if results[i] != results[0] {
			t.Fatalf("concurrent resolution produced different variants: %v", results)
		}
	}
}

func TestNonRunningExperimentsRouteToControl(t *testing.T) {
	m := newTestManager(t)

	// Draft experiment only: implicit control.
	id, err := m.Create(&models.Experiment{Name: "draft-only", Variants: fiftyFifty()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := m.Resolve("u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.ExperimentID != "" || res.Variant.ID != models.DefaultVariantID {
		t.Errorf("expected implicit control, got %+v", res)
	}

	// Completed experiment: still implicit control.
	if err := m.Start(id); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(id); err != nil {
		t.Fatalf("stop: %v", err)
	}

	res, err = m.Resolve("u2")
	if err != nil {
		t.Fatalf("resolve after stop: %v", err)
	}
	if res.Variant.ID != models.DefaultVariantID {
		t.Errorf("expected implicit control after stop, got %+v", res)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Create(&models.Experiment{Name: "lifecycle", Variants: fiftyFifty()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.Stop(id); err != nil {
		t.Fatalf("stop draft should complete it: %v", err)
	}
	if err := m.Start(id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition starting completed experiment, got %v", err)
	}
	if err := m.Pause(id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition pausing completed experiment, got %v", err)
	}
}

func TestPauseSuspendsServingAndResume(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Create(&models.Experiment{Name: "pausable", Variants: fiftyFifty()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Pause(id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition pausing draft, got %v", err)
	}
	if err := m.Start(id); err != nil {
		t.Fatalf("start: %v", err)
	}

	res, err := m.Resolve("u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	assigned := res.Variant.ID

	if err := m.Pause(id); err != nil {
		t.Fatalf("pause: %v", err)
	}

	// Paused experiments route to the implicit control.
	res, err = m.Resolve("u1")
	if err != nil {
		t.Fatalf("resolve while paused: %v", err)
	}
	if res.ExperimentID != "" || res.Variant.ID != models.DefaultVariantID {
		t.Errorf("expected implicit control while paused, got %+v", res)
	}

	// Resuming serves the original stored assignment, not a fresh draw.
	if err := m.Start(id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	res, err = m.Resolve("u1")
	if err != nil {
		t.Fatalf("resolve after resume: %v", err)
	}
	if res.Variant.ID != assigned {
		t.Errorf("variant after resume = %s, want %s", res.Variant.ID, assigned)
	}
}

func TestRecordEventUnknowns(t *testing.T) {
	m := newTestManager(t)
	expID := createRunning(t, m, fiftyFifty()...)

	err := m.RecordEvent(&models.ExperimentEvent{
		ExperimentID: "ghost", VariantID: "control", Type: models.EventExposure,
	})
	if !errors.Is(err, ErrUnknownExperiment) {
		t.Errorf("expected ErrUnknownExperiment, got %v", err)
	}

	err = m.RecordEvent(&models.ExperimentEvent{
		ExperimentID: expID, VariantID: "ghost", Type: models.EventExposure,
	})
	if !errors.Is(err, ErrUnknownVariant) {
		t.Errorf("expected ErrUnknownVariant, got %v", err)
	}
}

func TestCTRFromOneClickOneExposure(t *testing.T) {
	m := newTestManager(t)
	expID := createRunning(t, m, fiftyFifty()...)

	record := func(variantID string, typ models.ExperimentEventType) {
		t.Helper()
		err := m.RecordEvent(&models.ExperimentEvent{
			ExperimentID: expID, VariantID: variantID, Type: typ, UserID: "u1",
		})
		if err != nil {
			t.Fatalf("record %s: %v", typ, err)
		}
	}

	record("treatment", models.EventExposure)

	results, err := m.Results(expID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if ctr := findMetrics(t, results, "treatment").CTR; ctr != 0 {
		t.Errorf("CTR before click = %v, want 0", ctr)
	}

	record("treatment", models.EventClick)

	results, err = m.Results(expID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	vm := findMetrics(t, results, "treatment")
	if vm.CTR != 1.0 {
		t.Errorf("CTR = %v, want 1.0 (1 click / 1 exposure)", vm.CTR)
	}
	if vm.Exposures != 1 || vm.Clicks != 1 {
		t.Errorf("counts = %d exposures, %d clicks; want 1, 1", vm.Exposures, vm.Clicks)
	}

	// Control saw no traffic: zero rates, no division by zero.
	control := findMetrics(t, results, "control")
	if control.CTR != 0 || control.ConversionRate != 0 {
		t.Errorf("control rates = %v/%v, want 0/0", control.CTR, control.ConversionRate)
	}
}

func TestResultsTolerateOutOfOrderEvents(t *testing.T) {
	m := newTestManager(t)
	expID := createRunning(t, m, fiftyFifty()...)

	// Click arrives before its exposure; counts still aggregate correctly.
	events := []models.ExperimentEventType{
		models.EventClick,
		models.EventExposure,
		models.EventConversion,
		models.EventExposure,
	}
	for _, typ := range events {
		err := m.RecordEvent(&models.ExperimentEvent{
			ExperimentID: expID, VariantID: "control", Type: typ,
		})
		if err != nil {
			t.Fatalf("record %s: %v", typ, err)
		}
	}

	results, err := m.Results(expID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	vm := findMetrics(t, results, "control")
	if vm.Exposures != 2 || vm.Clicks != 1 || vm.Conversions != 1 {
		t.Errorf("counts = %+v, want 2 exposures, 1 click, 1 conversion", vm)
	}
	if vm.CTR != 0.5 || vm.ConversionRate != 0.5 {
		t.Errorf("rates = %v/%v, want 0.5/0.5", vm.CTR, vm.ConversionRate)
	}
}

func findMetrics(t *testing.T, results []models.VariantMetrics, variantID string) models.VariantMetrics {
	t.Helper()
	for _, vm := range results {
		if vm.VariantID == variantID {
			return vm
		}
	}
	t.Fatalf("variant %s missing from results %+v", variantID, results)
	return models.VariantMetrics{}
}
