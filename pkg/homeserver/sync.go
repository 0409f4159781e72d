package homeserver

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrix-appservice-bot/pkg/database"
)

// initialSyncTxnID is used for every batch fetched without a since token.
// next_batch differs between attempts, so it can't be part of the ID.
const initialSyncTxnID = "sync:initial"

type TokenStore interface {
	Get(ctx context.Context, key database.Key) (string, error)
	Set(ctx context.Context, key database.Key, value string) error
}

// BatchHandler receives the events of one sync response. txnID is stable
// across retries of the same batch.
type BatchHandler func(ctx context.Context, txnID string, events []*event.Event) error

// SyncSource polls /sync as the bot and feeds every batch to a handler. It's
// used when the homeserver doesn't push transactions to us.
//
// The since token is only advanced after the handler succeeded, so a failed
// batch is fetched and handled again on the next iteration.
type SyncSource struct {
	client     *mautrix.Client
	tokens     TokenStore
	handle     BatchHandler
	Timeout    time.Duration
	RetryDelay time.Duration
	log        zerolog.Logger
}

func NewSyncSource(transport *Transport, tokens TokenStore, handle BatchHandler, log zerolog.Logger) *SyncSource {
	return &SyncSource{
		client:     transport.Client(),
		tokens:     tokens,
		handle:     handle,
		Timeout:    30 * time.Second,
		RetryDelay: 5 * time.Second,
		log:        log.With().Str("component", "sync").Logger(),
	}
}

// Run polls until ctx is done.
func (ss *SyncSource) Run(ctx context.Context) error {
	ss.log.Info().Msg("Starting sync loop")
	for {
		if ctx.Err() != nil {
			ss.log.Info().Msg("Sync loop stopped")
			return nil
		}
		if err := ss.syncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			ss.log.Warn().Err(err).Dur("retry_in", ss.RetryDelay).Msg("Sync failed, will retry")
			select {
			case <-time.After(ss.RetryDelay):
			case <-ctx.Done():
			}
		}
	}
}

func (ss *SyncSource) syncOnce(ctx context.Context) error {
	since, err := ss.tokens.Get(ctx, database.KeySyncToken)
	if err != nil {
		return fmt.Errorf("failed to get sync token: %w", err)
	}
	initial := since == ""
	resp, err := ss.client.SyncRequest(ctx, int(ss.Timeout.Milliseconds()), since, "", initial, event.PresenceOnline)
	if err != nil {
		return fmt.Errorf("sync request failed: %w", err)
	}
	events := collectEvents(resp, initial)
	if len(events) > 0 {
		txnID := "sync:" + since
		if initial {
			txnID = initialSyncTxnID
		}
		ss.log.Debug().Str("txn_id", txnID).Int("events", len(events)).Msg("Handling sync batch")
		if err = ss.handle(ctx, txnID, events); err != nil {
			return fmt.Errorf("failed to handle sync batch: %w", err)
		}
	}
	if err = ss.tokens.Set(ctx, database.KeySyncToken, resp.NextBatch); err != nil {
		return fmt.Errorf("failed to save sync token: %w", err)
	}
	return nil
}

// collectEvents flattens a sync response in a stable room order. Invites
// come first. The initial sync only yields invites since its timelines are
// history.
func collectEvents(resp *mautrix.RespSync, initial bool) []*event.Event {
	var events []*event.Event
	for _, roomID := range slices.Sorted(maps.Keys(resp.Rooms.Invite)) {
		for _, evt := range resp.Rooms.Invite[roomID].State.Events {
			evt.RoomID = roomID
			if evt.ID == "" && evt.StateKey != nil {
				// Stripped state has no event IDs.
				evt.ID = id.EventID(fmt.Sprintf("$invite-state:%s:%s:%s", roomID, evt.Type.Type, *evt.StateKey))
			}
			events = append(events, evt)
		}
	}
	if initial {
		return events
	}
	for _, roomID := range slices.Sorted(maps.Keys(resp.Rooms.Join)) {
		for _, evt := range resp.Rooms.Join[roomID].Timeline.Events {
			evt.RoomID = roomID
			events = append(events, evt)
		}
	}
	return events
}
