// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

// Package store persists Rankline's working set in an embedded Badger
// database: the content catalog, user profiles, the append-only interaction
// log, experiments with assignments and outcome events, and promoted-epoch
// metadata.
//
// Key layout (prefix scans drive all list operations):
//
//	item:<contentID>
//	profile:<userID>
//	interaction:<hex(userID)>:<unixNano>:<eventID>
//	experiment:<experimentID>
//	assignment:<hex(experimentID)>:<hex(userID)>
//	expevent:<hex(experimentID)>:<unixNano>:<eventID>
//	meta:epoch
//
// User and experiment IDs inside composite keys are hex-encoded so an ID
// containing the ':' separator cannot alias another ID's scan prefix.
package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/rankline/rankline/internal/logging"
	"github.com/rankline/rankline/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

const (
	prefixItem        = "item:"
	prefixProfile     = "profile:"
	prefixInteraction = "interaction:"
	prefixExperiment  = "experiment:"
	prefixAssignment  = "assignment:"
	prefixExpEvent    = "expevent:"
	keyEpochMeta      = "meta:epoch"
)

// Store wraps a Badger database with typed accessors.
type Store struct {
	db         *badger.DB
	gcInterval time.Duration
}

// Options configures Open.
type Options struct {
	// Path is the data directory. Empty selects an in-memory database.
	Path string

	// GCInterval is how often value-log garbage collection runs in Serve.
	GCInterval time.Duration
}

// Open opens (or creates) the database at opts.Path.
func Open(opts Options) (*Store, error) {
	var badgerOpts badger.Options
	if opts.Path == "" {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(opts.Path)
	}
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger at %q: %w", opts.Path, err)
	}

	gc := opts.GCInterval
	if gc <= 0 {
		gc = 10 * time.Minute
	}

	return &Store{db: db, gcInterval: gc}, nil
}

// OpenInMemory opens an in-memory database, primarily for tests.
func OpenInMemory() (*Store, error) {
	return Open(Options{})
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Serve runs periodic value-log garbage collection until ctx is cancelled.
// Implements suture.Service.
func (s *Store) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing to collect.
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logging.Warn().Err(err).Str("component", "store").Msg("value log GC failed")
			}
		}
	}
}

// put marshals v and stores it under key.
func (s *Store) put(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", key, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("store: write %s: %w", key, err)
	}
	return nil
}

// get loads key into v, returning ErrNotFound for missing keys.
func (s *Store) get(key string, v interface{}) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(data []byte) error {
			return json.Unmarshal(data, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: read %s: %w", key, err)
	}
	return nil
}

// scanPrefix calls fn with each value stored under prefix, in key order.
// fn returning false stops the scan early.
func (s *Store) scanPrefix(prefix string, fn func(data []byte) (bool, error)) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var cont bool
			err := it.Item().Value(func(data []byte) error {
				var innerErr error
				cont, innerErr = fn(data)
				return innerErr
			})
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

// Content catalog

// PutContentItem stores or replaces a content item.
func (s *Store) PutContentItem(item *models.ContentItem) error {
	return s.put(prefixItem+item.ID, item)
}

// GetContentItem loads a content item by ID.
func (s *Store) GetContentItem(contentID string) (*models.ContentItem, error) {
	item := &models.ContentItem{}
	if err := s.get(prefixItem+contentID, item); err != nil {
		return nil, err
	}
	return item, nil
}

// ListContentItems returns the full catalog.
func (s *Store) ListContentItems() ([]*models.ContentItem, error) {
	var items []*models.ContentItem
	err := s.scanPrefix(prefixItem, func(data []byte) (bool, error) {
		item := &models.ContentItem{}
		if err := json.Unmarshal(data, item); err != nil {
			return false, err
		}
		items = append(items, item)
		return true, nil
	})
	return items, err
}

// User profiles

// PutProfile stores or replaces a user profile.
func (s *Store) PutProfile(profile *models.UserProfile) error {
	return s.put(prefixProfile+profile.UserID, profile)
}

// GetProfile loads a user profile, ErrNotFound for first-time users.
func (s *Store) GetProfile(userID string) (*models.UserProfile, error) {
	profile := &models.UserProfile{}
	if err := s.get(prefixProfile+userID, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// Interaction log

// keySegment encodes an externally supplied ID for use inside a composite
// key. The hex alphabet excludes ':', so a malicious or odd ID can never
// collide with another ID's prefix during a scan.
func keySegment(id string) string {
	return hex.EncodeToString([]byte(id))
}

// interactionKey orders events per user by time; the event ID breaks ties.
func interactionKey(ev *models.InteractionEvent) string {
	return prefixInteraction + keySegment(ev.UserID) + ":" +
		strconv.FormatInt(ev.Timestamp.UnixNano(), 10) + ":" + ev.ID
}

// AppendInteraction appends one event to the interaction log.
func (s *Store) AppendInteraction(ev *models.InteractionEvent) error {
	return s.put(interactionKey(ev), ev)
}

// ListInteractionsByUser returns a user's events in chronological order.
// limit <= 0 means unlimited.
func (s *Store) ListInteractionsByUser(userID string, limit int) ([]models.InteractionEvent, error) {
	var events []models.InteractionEvent
	err := s.scanPrefix(prefixInteraction+keySegment(userID)+":", func(data []byte) (bool, error) {
		var ev models.InteractionEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return false, err
		}
		events = append(events, ev)
		return limit <= 0 || len(events) < limit, nil
	})
	return events, err
}

// ListAllInteractions returns the full interaction log, used as training
// input. ctx is checked periodically during the scan.
func (s *Store) ListAllInteractions(ctx context.Context) ([]models.InteractionEvent, error) {
	var events []models.InteractionEvent
	err := s.scanPrefix(prefixInteraction, func(data []byte) (bool, error) {
		if len(events)%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return false, err
			}
		}
		var ev models.InteractionEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return false, err
		}
		events = append(events, ev)
		return true, nil
	})
	return events, err
}

// CountInteractions returns the total number of logged interactions.
func (s *Store) CountInteractions() (int64, error) {
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixInteraction)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Experiments

// PutExperiment stores or replaces an experiment.
func (s *Store) PutExperiment(exp *models.Experiment) error {
	return s.put(prefixExperiment+exp.ID, exp)
}

// GetExperiment loads an experiment by ID.
func (s *Store) GetExperiment(experimentID string) (*models.Experiment, error) {
	exp := &models.Experiment{}
	if err := s.get(prefixExperiment+experimentID, exp); err != nil {
		return nil, err
	}
	return exp, nil
}

// ListExperiments returns all experiments.
func (s *Store) ListExperiments() ([]*models.Experiment, error) {
	var exps []*models.Experiment
	err := s.scanPrefix(prefixExperiment, func(data []byte) (bool, error) {
		exp := &models.Experiment{}
		if err := json.Unmarshal(data, exp); err != nil {
			return false, err
		}
		exps = append(exps, exp)
		return true, nil
	})
	return exps, err
}

// Assignments

// PutAssignment persists a user's variant assignment.
func (s *Store) PutAssignment(a *models.Assignment) error {
	return s.put(prefixAssignment+keySegment(a.ExperimentID)+":"+keySegment(a.UserID), a)
}

// GetAssignment loads a user's assignment for an experiment.
func (s *Store) GetAssignment(experimentID, userID string) (*models.Assignment, error) {
	a := &models.Assignment{}
	if err := s.get(prefixAssignment+keySegment(experimentID)+":"+keySegment(userID), a); err != nil {
		return nil, err
	}
	return a, nil
}

// ListAssignments returns all assignments for an experiment.
func (s *Store) ListAssignments(experimentID string) ([]models.Assignment, error) {
	var assignments []models.Assignment
	err := s.scanPrefix(prefixAssignment+keySegment(experimentID)+":", func(data []byte) (bool, error) {
		var a models.Assignment
		if err := json.Unmarshal(data, &a); err != nil {
			return false, err
		}
		assignments = append(assignments, a)
		return true, nil
	})
	return assignments, err
}

// Experiment events

// AppendExperimentEvent appends one outcome event.
func (s *Store) AppendExperimentEvent(ev *models.ExperimentEvent) error {
	key := prefixExpEvent + keySegment(ev.ExperimentID) + ":" +
		strconv.FormatInt(ev.Timestamp.UnixNano(), 10) + ":" + ev.ID
	return s.put(key, ev)
}

// ListExperimentEvents returns all outcome events for an experiment in
// chronological order.
func (s *Store) ListExperimentEvents(experimentID string) ([]models.ExperimentEvent, error) {
	var events []models.ExperimentEvent
	err := s.scanPrefix(prefixExpEvent+keySegment(experimentID)+":", func(data []byte) (bool, error) {
		var ev models.ExperimentEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return false, err
		}
		events = append(events, ev)
		return true, nil
	})
	return events, err
}

// Epoch metadata

// EpochMeta records the last promoted epoch for health reporting across
// restarts. The model itself is rebuilt by retraining, not persisted.
type EpochMeta struct {
	Number     uint64    `json:"number"`
	Accuracy   float64   `json:"accuracy"`
	PromotedAt time.Time `json:"promoted_at"`
}

// PutEpochMeta records the latest promotion.
func (s *Store) PutEpochMeta(meta *EpochMeta) error {
	return s.put(keyEpochMeta, meta)
}

// GetEpochMeta returns the last recorded promotion, ErrNotFound if none.
func (s *Store) GetEpochMeta() (*EpochMeta, error) {
	meta := &EpochMeta{}
	if err := s.get(keyEpochMeta, meta); err != nil {
		return nil, err
	}
	return meta, nil
}
