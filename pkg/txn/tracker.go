// matrix-appservice-bot - A Matrix application service bot framework.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package txn gates inbound event batches so each event's side effects
// happen at most once, no matter how often the homeserver redelivers.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrix-appservice-bot/pkg/dispatch"
	"github.com/lrhodin/matrix-appservice-bot/pkg/keylock"
)

type State int

const (
	Unprocessed State = iota
	Processed
)

func (s State) String() string {
	if s == Processed {
		return "PROCESSED"
	}
	return "UNPROCESSED"
}

// Transaction is one batch of events as delivered by the homeserver (or one
// sync response in client mode). ID is opaque.
type Transaction struct {
	ID     string
	Events []dispatch.Event
}

// Store persists processing records. *database.ProcessedEventQuery
// implements it.
type Store interface {
	IsProcessed(ctx context.Context, txnID string, eventID id.EventID) (bool, error)
	MarkProcessed(ctx context.Context, txnID string, eventID id.EventID, ts time.Time) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Processor handles a single event. *dispatch.Router implements it.
type Processor interface {
	Dispatch(ctx context.Context, evt dispatch.Event) error
}

var ErrShuttingDown = errors.New("tracker is shutting down")

type Tracker struct {
	store         Store
	processor     Processor
	log           zerolog.Logger
	maxConcurrent int

	// Serializes concurrent deliveries of the same transaction id so the
	// second delivery only sees events the first one already marked.
	txnLocks *keylock.Map
}

// NewTracker creates a tracker. maxConcurrent bounds how many event groups of
// one transaction are worked on at once; zero or less means unbounded.
func NewTracker(store Store, processor Processor, log zerolog.Logger, maxConcurrent int) *Tracker {
	return &Tracker{
		store:         store,
		processor:     processor,
		log:           log.With().Str("component", "txn_tracker").Logger(),
		maxConcurrent: maxConcurrent,
		txnLocks:      keylock.New(),
	}
}

func (t *Tracker) State(ctx context.Context, txnID string, eventID id.EventID) (State, error) {
	done, err := t.store.IsProcessed(ctx, txnID, eventID)
	if err != nil {
		return Unprocessed, fmt.Errorf("failed to get processing state: %w", err)
	} else if done {
		return Processed, nil
	}
	return Unprocessed, nil
}

func (t *Tracker) MarkProcessed(ctx context.Context, txnID string, eventID id.EventID) error {
	if err := t.store.MarkProcessed(ctx, txnID, eventID, time.Now()); err != nil {
		return fmt.Errorf("failed to mark event as processed: %w", err)
	}
	return nil
}

// Accept processes every event of the transaction that isn't processed yet
// and marks each one after it succeeds. Events that share neither a room nor
// a member target run concurrently. Everything else runs in delivery order. A failing
// event doesn't stop its siblings; it stays unprocessed and Accept returns
// an error so the whole transaction gets redelivered.
//
// Cancelling ctx stops new events from starting. An event that has already
// started runs to completion on a detached context.
func (t *Tracker) Accept(ctx context.Context, txn Transaction) error {
	unlock := t.txnLocks.Lock(txn.ID)
	defer unlock()

	log := t.log.With().Str("txn_id", txn.ID).Logger()
	start := time.Now()

	var eg errgroup.Group
	if t.maxConcurrent > 0 {
		eg.SetLimit(t.maxConcurrent)
	}
	var (
		errLock   sync.Mutex
		errs      []error
		processed atomic.Int32
		skipped   atomic.Int32
	)
	for _, group := range groupEvents(txn.Events) {
		eg.Go(func() error {
			for _, evt := range group {
				if ctx.Err() != nil {
					errLock.Lock()
					errs = append(errs, fmt.Errorf("%w: %s not started", ErrShuttingDown, evt.Meta().ID))
					errLock.Unlock()
					continue
				}
				wasSkipped, err := t.processEvent(ctx, log, txn.ID, evt)
				if err != nil {
					errLock.Lock()
					errs = append(errs, err)
					errLock.Unlock()
				} else if wasSkipped {
					skipped.Add(1)
				} else {
					processed.Add(1)
				}
			}
			return nil
		})
	}
	_ = eg.Wait()

	logEvt := log.Debug()
	if len(errs) > 0 {
		logEvt = log.Warn().Int("failed", len(errs))
	}
	logEvt.
		Int("events", len(txn.Events)).
		Int32("processed", processed.Load()).
		Int32("skipped", skipped.Load()).
		Dur("duration", time.Since(start)).
		Msg("Finished handling transaction")
	if len(errs) > 0 {
		return fmt.Errorf("transaction %s: %w", txn.ID, errors.Join(errs...))
	}
	return nil
}

func (t *Tracker) processEvent(ctx context.Context, log zerolog.Logger, txnID string, evt dispatch.Event) (skipped bool, err error) {
	meta := evt.Meta()
	if meta.ID == "" {
		log.Warn().Stringer("kind", evt.Kind()).Msg("Dropping event without ID")
		return true, nil
	}
	evtLog := log.With().
		Str("event_id", string(meta.ID)).
		Str("room_id", string(meta.RoomID)).
		Stringer("kind", evt.Kind()).
		Logger()
	ctx = evtLog.WithContext(context.WithoutCancel(ctx))

	state, err := t.State(ctx, txnID, meta.ID)
	if err != nil {
		return false, fmt.Errorf("event %s: %w", meta.ID, err)
	} else if state == Processed {
		evtLog.Trace().Msg("Event already processed, skipping")
		return true, nil
	}
	if err = t.processor.Dispatch(ctx, evt); err != nil {
		evtLog.Err(err).Msg("Failed to process event")
		return false, fmt.Errorf("event %s: %w", meta.ID, err)
	}
	if err = t.MarkProcessed(ctx, txnID, meta.ID); err != nil {
		evtLog.Err(err).Msg("Event was processed but marking it failed")
		return false, fmt.Errorf("event %s: %w", meta.ID, err)
	}
	return false, nil
}

// Prune drops processing records older than the retention window. Records
// are never removed otherwise.
func (t *Tracker) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	deleted, err := t.store.DeleteBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune processed events: %w", err)
	}
	if deleted > 0 {
		t.log.Debug().Int64("deleted", deleted).Dur("retention", retention).Msg("Pruned processed event records")
	}
	return deleted, nil
}

// groupEvents splits events into groups that share no room and no member
// target, so that two groups never touch the same room or user. Delivery
// order is kept inside each group and groups are ordered by first appearance.
func groupEvents(events []dispatch.Event) [][]dispatch.Event {
	parent := make([]int, len(events))
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	owner := make(map[string]int)
	for i, evt := range events {
		for _, key := range scopeKeys(evt) {
			j, ok := owner[key]
			if !ok {
				owner[key] = i
				continue
			}
			// The smaller index stays the root, so a group's root is its
			// first event.
			ri, rj := find(i), find(j)
			if ri < rj {
				parent[rj] = ri
			} else if rj < ri {
				parent[ri] = rj
			}
		}
	}
	index := make(map[int]int)
	var groups [][]dispatch.Event
	for i, evt := range events {
		root := find(i)
		g, ok := index[root]
		if !ok {
			g = len(groups)
			index[root] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], evt)
	}
	return groups
}

// scopeKeys lists the rooms and users an event's handlers may act on.
func scopeKeys(evt dispatch.Event) []string {
	keys := []string{"room:" + string(evt.Meta().RoomID)}
	if member, ok := evt.(*dispatch.MemberEvent); ok && member.Target != "" {
		keys = append(keys, "user:"+string(member.Target))
	}
	return keys
}
