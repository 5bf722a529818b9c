// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

package retrain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rankline/rankline/internal/events"
	"github.com/rankline/rankline/internal/model"
	"github.com/rankline/rankline/internal/models"
	"github.com/rankline/rankline/internal/registry"
	"github.com/rankline/rankline/internal/store"
)

// fakeTrainer returns canned models or errors and records call counts.
type fakeTrainer struct {
	m     *model.Model
	err   error
	calls int
}

func (f *fakeTrainer) Train(_ context.Context, _ []models.InteractionEvent) (*model.Model, error) {
	f.calls++
	return f.m, f.err
}

// goodModel ranks planted "good" content above everything else, so holdout
// evaluation on the seeded events scores well.
func goodModel() *model.Model {
	m := &model.Model{
		Dim:         2,
		UserFactors: map[string][]float64{},
		ItemFactors: map[string][]float64{},
		UserBias:    map[string]float64{},
		ItemBias:    map[string]float64{},
	}
	for i := 0; i < 20; i++ {
		liked := fmt.Sprintf("liked-%d", i)
		dismissed := fmt.Sprintf("dismissed-%d", i)
		m.ItemFactors[liked] = []float64{0, 0}
		m.ItemFactors[dismissed] = []float64{0, 0}
		m.ItemBias[liked] = 1.0
		m.ItemBias[dismissed] = -1.0
	}
	return m
}

// badModel inverts the ranking.
func badModel() *model.Model {
	m := goodModel()
	for id := range m.ItemBias {
		m.ItemBias[id] = -m.ItemBias[id]
	}
	return m
}

func seedInteractions(t *testing.T, st *store.Store, n int) {
	t.Helper()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		// Blocks of ten events per user, alternating likes and dismisses,
		// so every user contributes rankable pairs to any holdout split.
		userID := fmt.Sprintf("u%d", i/10)
		var ev models.InteractionEvent
		if i%2 == 0 {
			ev = models.InteractionEvent{
				ID: fmt.Sprintf("evt-%d", i), UserID: userID,
				ContentID: fmt.Sprintf("liked-%d", i%20),
				Type:      models.InteractionLike,
			}
		} else {
			ev = models.InteractionEvent{
				ID: fmt.Sprintf("evt-%d", i), UserID: userID,
				ContentID: fmt.Sprintf("dismissed-%d", i%20),
				Type:      models.InteractionDismiss,
			}
		}
		ev.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if err := st.AppendInteraction(&ev); err != nil {
			t.Fatalf("seed interaction %d: %v", i, err)
		}
	}
}

func newTestCoordinator(t *testing.T, trainer Trainer, cfg Config) (*Coordinator, *store.Store, *registry.Registry) {
	t.Helper()
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus()
	t.Cleanup(func() { _ = bus.Close() })

	reg := registry.New()
	return NewCoordinator(st, reg, trainer, bus, cfg), st, reg
}

func TestCycleSkipsBelowMinInteractions(t *testing.T) {
	trainer := &fakeTrainer{m: goodModel()}
	c, st, _ := newTestCoordinator(t, trainer, Config{MinInteractions: 100})
	seedInteractions(t, st, 10)

	outcome, err := c.cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if outcome != "skipped" {
		t.Errorf("outcome = %q, want skipped", outcome)
	}
	if trainer.calls != 0 {
		t.Errorf("trainer called %d times, want 0", trainer.calls)
	}
}

func TestFirstModelPromotesUnconditionally(t *testing.T) {
	trainer := &fakeTrainer{m: goodModel()}
	c, st, reg := newTestCoordinator(t, trainer, Config{MinInteractions: 10, Seed: 42})
	seedInteractions(t, st, 100)

	outcome, err := c.cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if outcome != "promoted" {
		t.Errorf("outcome = %q, want promoted", outcome)
	}
	if reg.ActiveNumber() != 1 {
		t.Errorf("active epoch = %d, want 1", reg.ActiveNumber())
	}

	meta, err := st.GetEpochMeta()
	if err != nil {
		t.Fatalf("epoch meta: %v", err)
	}
	if meta.Number != 1 {
		t.Errorf("meta epoch = %d, want 1", meta.Number)
	}
}

func TestCandidateBelowMarginRejected(t *testing.T) {
	trainer := &fakeTrainer{m: goodModel()}
	c, st, reg := newTestCoordinator(t, trainer, Config{MinInteractions: 10, MinMargin: 0.01, Seed: 42})
	seedInteractions(t, st, 100)

	if outcome, err := c.cycle(context.Background()); err != nil || outcome != "promoted" {
		t.Fatalf("seed promotion: outcome=%q err=%v", outcome, err)
	}

	// The next candidate ranks everything backwards; it cannot beat the
	// active model by the margin, so epoch 1 keeps serving.
	trainer.m = badModel()
	outcome, err := c.cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if outcome != "rejected" {
		t.Errorf("outcome = %q, want rejected", outcome)
	}
	if reg.ActiveNumber() != 1 {
		t.Errorf("active epoch = %d, want 1 (no promotion)", reg.ActiveNumber())
	}
}

func TestRunOnceFailureSetsBackoff(t *testing.T) {
	trainer := &fakeTrainer{err: errors.New("gradient exploded")}
	c, st, _ := newTestCoordinator(t, trainer, Config{
		MinInteractions: 10, FailureBackoff: time.Hour, Seed: 42,
	})
	seedInteractions(t, st, 100)

	c.runOnce(context.Background())

	// Failure re-arms via the backoff window; the coordinator itself
	// returns to idle rather than parking in a failure state.
	if c.State() != StateIdle {
		t.Errorf("state = %s, want idle with backoff armed", c.State())
	}

	status := c.Status()
	if status.LastError == "" {
		t.Error("expected last error in status")
	}

	// The backoff window suppresses triggers even with a hot counter.
	for i := 0; i < 2000; i++ {
		c.NoteInteraction()
	}
	if c.shouldRun(time.Now()) {
		t.Error("shouldRun true during failure backoff")
	}
	if !c.shouldRun(time.Now().Add(2 * time.Hour)) {
		t.Error("shouldRun false after backoff expired")
	}
}

func TestSuccessResetsCounter(t *testing.T) {
	trainer := &fakeTrainer{m: goodModel()}
	c, st, _ := newTestCoordinator(t, trainer, Config{MinInteractions: 10, Seed: 42})
	seedInteractions(t, st, 100)

	for i := 0; i < 500; i++ {
		c.NoteInteraction()
	}

	c.runOnce(context.Background())

	if c.State() != StateIdle {
		t.Errorf("state = %s, want idle", c.State())
	}
	if n := c.InteractionsSinceTraining(); n != 0 {
		t.Errorf("counter = %d, want 0 after success", n)
	}
	if c.Status().LastSuccess.IsZero() {
		t.Error("last success not recorded")
	}
}

func TestRejectedCycleResetsCounter(t *testing.T) {
	trainer := &fakeTrainer{m: goodModel()}
	c, st, reg := newTestCoordinator(t, trainer, Config{
		MinInteractions: 10, MinMargin: 0.01,
		InteractionThreshold: 100, Interval: time.Hour, Seed: 42,
	})
	seedInteractions(t, st, 100)

	if outcome, err := c.cycle(context.Background()); err != nil || outcome != "promoted" {
		t.Fatalf("seed promotion: outcome=%q err=%v", outcome, err)
	}
	if reg.ActiveNumber() != 1 {
		t.Fatalf("active epoch = %d, want 1", reg.ActiveNumber())
	}

	// Enough new interactions to fire the threshold, then a rejected
	// candidate. The run consumed those interactions, so the counter
	// must reset; otherwise the trigger re-fires every check and the
	// coordinator retrains on identical data in a loop.
	trainer.m = badModel()
	for i := 0; i < 150; i++ {
		c.NoteInteraction()
	}
	calls := trainer.calls
	c.runOnce(context.Background())
	if trainer.calls != calls+1 {
		t.Fatalf("trainer calls = %d, want %d", trainer.calls, calls+1)
	}

	if n := c.InteractionsSinceTraining(); n != 0 {
		t.Errorf("counter = %d, want 0 after rejected cycle", n)
	}
	if c.shouldRun(time.Now().Add(30 * time.Second)) {
		t.Error("trigger re-armed after rejection with no new interactions")
	}
}

func TestShouldRunTriggers(t *testing.T) {
	trainer := &fakeTrainer{m: goodModel()}
	c, _, _ := newTestCoordinator(t, trainer, Config{
		Interval:             time.Hour,
		InteractionThreshold: 100,
	})

	now := time.Now()
	c.mu.Lock()
	c.lastRun = now
	c.mu.Unlock()

	if c.shouldRun(now.Add(time.Minute)) {
		t.Error("triggered with no threshold reached and interval not elapsed")
	}

	// Threshold trigger.
	for i := 0; i < 100; i++ {
		c.NoteInteraction()
	}
	if !c.shouldRun(now.Add(time.Minute)) {
		t.Error("interaction threshold did not trigger")
	}

	// Interval trigger, counter below threshold.
	c.counter.Store(0)
	if !c.shouldRun(now.Add(2 * time.Hour)) {
		t.Error("elapsed interval did not trigger")
	}
}

func TestFreshTracksLastRunOutcome(t *testing.T) {
	trainer := &fakeTrainer{m: goodModel()}
	c, st, _ := newTestCoordinator(t, trainer, Config{
		MinInteractions: 10, Interval: time.Hour, Seed: 42,
	})
	seedInteractions(t, st, 100)

	now := time.Now()
	if !c.Fresh(now) {
		t.Error("expected fresh before any run")
	}

	c.runOnce(context.Background())
	if !c.Fresh(time.Now()) {
		t.Error("expected fresh after successful run")
	}
	if c.Fresh(now.Add(3 * time.Hour)) {
		t.Error("expected stale after twice the interval with no run")
	}

	trainer.err = errors.New("nan loss")
	c.runOnce(context.Background())
	if c.Fresh(time.Now()) {
		t.Error("expected stale after failed run")
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	trainer := &fakeTrainer{err: errors.New("oom")}
	c, st, _ := newTestCoordinator(t, trainer, Config{
		MinInteractions: 10, FailureBackoff: time.Hour, Seed: 42,
	})
	seedInteractions(t, st, 100)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.cycle(ctx); err == nil {
			t.Fatalf("cycle %d: expected failure", i)
		}
	}

	calls := trainer.calls
	// Breaker is open: the trainer is no longer invoked.
	if _, err := c.cycle(ctx); err == nil {
		t.Fatal("expected failure with open breaker")
	}
	if trainer.calls != calls {
		t.Errorf("trainer called with open breaker (%d -> %d)", calls, trainer.calls)
	}
}
