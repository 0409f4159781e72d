// matrix-appservice-bot - A Matrix application service bot framework.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package bot wires the transaction tracker, router, provisioning resolver
// and auto-join engine together and owns their lifecycle.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrix-appservice-bot/pkg/autojoin"
	"github.com/lrhodin/matrix-appservice-bot/pkg/dispatch"
	"github.com/lrhodin/matrix-appservice-bot/pkg/provision"
	"github.com/lrhodin/matrix-appservice-bot/pkg/txn"
)

// Subscription is a long-running event source, like the sync loop. Run
// blocks until ctx is done.
type Subscription interface {
	Run(ctx context.Context) error
}

// Transport is everything the bot needs from the homeserver connection.
type Transport interface {
	autojoin.Transport
	RegisterActor(ctx context.Context, userID id.UserID) error
	RegisterUser(ctx context.Context, userID id.UserID, params *provision.RegisterParams) error
	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error)
	SendNotice(ctx context.Context, roomID id.RoomID, text string) error
}

var ErrAlreadyRunning = errors.New("coordinator is already running")

type Coordinator struct {
	Tracker  *txn.Tracker
	Router   *dispatch.Router
	Resolver *provision.Resolver
	AutoJoin *autojoin.Engine

	transport     Transport
	subscription  Subscription
	retention     time.Duration
	pruneInterval time.Duration
	log           zerolog.Logger

	lock    sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// SetSubscription sets the event source started by Start. It must be called
// before Start.
func (c *Coordinator) SetSubscription(sub Subscription) {
	c.subscription = sub
}

// Start launches the subscription and the processed event pruner in the
// background.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, c.cancel = context.WithCancel(ctx)
	if c.subscription != nil {
		c.running.Add(1)
		go func() {
			defer c.running.Done()
			if err := c.subscription.Run(ctx); err != nil {
				c.log.Err(err).Msg("Event subscription stopped with error")
			}
		}()
	}
	if c.retention > 0 {
		c.running.Add(1)
		go func() {
			defer c.running.Done()
			c.pruneLoop(ctx)
		}()
	}
	c.log.Info().Bool("subscription", c.subscription != nil).Msg("Bot started")
	return nil
}

// Stop cancels the background work and waits for it. Events that are already
// being handled finish first.
func (c *Coordinator) Stop() {
	c.lock.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.lock.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.running.Wait()
	c.log.Info().Msg("Bot stopped")
}

func (c *Coordinator) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pruneInterval)
	defer ticker.Stop()
	for {
		if _, err := c.Prune(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("Failed to prune processed events")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Prune removes processed event records older than the configured
// retention. It does nothing when records are kept forever.
func (c *Coordinator) Prune(ctx context.Context) (int64, error) {
	if c.retention <= 0 {
		return 0, nil
	}
	return c.Tracker.Prune(ctx, c.retention)
}

// HandleTransaction is the entry point for transactions pushed by the
// homeserver. A returned error means the transaction must be redelivered.
func (c *Coordinator) HandleTransaction(ctx context.Context, transaction txn.Transaction) error {
	return c.Tracker.Accept(ctx, transaction)
}

// HandleRawTransaction parses raw events and hands them to HandleTransaction.
func (c *Coordinator) HandleRawTransaction(ctx context.Context, txnID string, events []*event.Event) error {
	parsed := make([]dispatch.Event, 0, len(events))
	for _, evt := range events {
		parsed = append(parsed, dispatch.Parse(evt))
	}
	return c.HandleTransaction(ctx, txn.Transaction{ID: txnID, Events: parsed})
}

func (c *Coordinator) EventState(ctx context.Context, txnID string, eventID id.EventID) (txn.State, error) {
	return c.Tracker.State(ctx, txnID, eventID)
}

// QueryRoomAlias answers a homeserver room alias query, creating the room if
// the policy allows it. It reports whether the alias exists afterwards.
func (c *Coordinator) QueryRoomAlias(ctx context.Context, alias id.RoomAlias) (bool, error) {
	log := c.log.With().Str("room_alias", string(alias)).Logger()
	state, err := c.Resolver.Rooms.Provision(log.WithContext(ctx), alias, c.transport.CreateRoom)
	if err != nil {
		return false, fmt.Errorf("failed to provision room %s: %w", alias, err)
	}
	log.Debug().Stringer("state", state).Msg("Answered room alias query")
	return state == provision.Exists, nil
}

// QueryUser answers a homeserver user query, registering the user if the
// policy allows it.
func (c *Coordinator) QueryUser(ctx context.Context, userID id.UserID) (bool, error) {
	log := c.log.With().Str("user_id", string(userID)).Logger()
	state, err := c.Resolver.Users.Provision(log.WithContext(ctx), userID, c.transport.RegisterUser)
	if err != nil {
		return false, fmt.Errorf("failed to provision user %s: %w", userID, err)
	}
	log.Debug().Stringer("state", state).Msg("Answered user query")
	return state == provision.Exists, nil
}
