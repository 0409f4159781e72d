// matrix-appservice-bot - A Matrix application service bot framework.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package provision decides whether rooms and users referenced by the
// homeserver should be materialized, and records them once they are.
//
// The resolver never talks to the homeserver itself. Creation is delegated
// to the caller (see RoomResolver.Provision and UserResolver.Provision), and
// the resolver only holds the per-id lock around decide, create and persist.
package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrix-appservice-bot/pkg/database"
	"github.com/lrhodin/matrix-appservice-bot/pkg/keylock"
)

type ExistingState int

const (
	Exists ExistingState = iota
	CanBeCreated
	DoesNotExist
)

func (es ExistingState) String() string {
	switch es {
	case Exists:
		return "EXISTS"
	case CanBeCreated:
		return "CAN_BE_CREATED"
	default:
		return "DOES_NOT_EXIST"
	}
}

// ErrPolicy wraps failures of the hosting policy. A policy failure is always
// treated as a refusal.
var ErrPolicy = errors.New("provisioning policy failed")

// Repository is the key-based storage the resolver needs.
type Repository interface {
	ExistsByAlias(ctx context.Context, alias id.RoomAlias) (bool, error)
	GetRoom(ctx context.Context, roomID id.RoomID) (*database.Room, error)
	SaveRoom(ctx context.Context, room *database.Room) error
	EnsureRoom(ctx context.Context, roomID id.RoomID) error
	GetUser(ctx context.Context, userID id.UserID) (*database.User, error)
	EnsureUser(ctx context.Context, userID id.UserID) error
	AddMembership(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	DoTxn(ctx context.Context, fn func(ctx context.Context) error) error
}

type Resolver struct {
	Rooms *RoomResolver
	Users *UserResolver

	repo  Repository
	locks *keylock.Map
	log   zerolog.Logger
}

func NewResolver(repo Repository, rooms RoomPolicy, users UserPolicy, log zerolog.Logger) *Resolver {
	log = log.With().Str("component", "provisioning").Logger()
	locks := keylock.New()
	return &Resolver{
		Rooms: &RoomResolver{repo: repo, policy: rooms, locks: locks, log: log},
		Users: &UserResolver{repo: repo, policy: users, locks: locks, log: log},
		repo:  repo,
		locks: locks,
		log:   log,
	}
}

// RecordLink makes sure bare records exist for both ids and links the user
// to the room. It is idempotent and bypasses the on-demand creation path,
// it's meant for joins that already happened on the homeserver.
func (r *Resolver) RecordLink(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	unlockRoom := r.locks.Lock(roomKey(roomID))
	defer unlockRoom()
	unlockUser := r.locks.Lock(userKey(userID))
	defer unlockUser()

	err := r.repo.DoTxn(ctx, func(ctx context.Context) error {
		if err := r.repo.EnsureRoom(ctx, roomID); err != nil {
			return fmt.Errorf("failed to save room: %w", err)
		}
		if err := r.repo.EnsureUser(ctx, userID); err != nil {
			return fmt.Errorf("failed to save user: %w", err)
		}
		if err := r.repo.AddMembership(ctx, roomID, userID); err != nil {
			return fmt.Errorf("failed to save membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record %s in %s: %w", userID, roomID, err)
	}
	r.log.Debug().
		Str("room_id", string(roomID)).
		Str("user_id", string(userID)).
		Msg("Recorded room membership")
	return nil
}

// decide is shared by the room and user variants: a persisted record wins,
// otherwise the policy is asked. Errors never produce CanBeCreated.
func decide[K ~string](
	ctx context.Context,
	key K,
	exists func(context.Context, K) (bool, error),
	should func(context.Context, K) (bool, error),
) (ExistingState, error) {
	found, err := exists(ctx, key)
	if err != nil {
		return DoesNotExist, fmt.Errorf("failed to look up %s: %w", key, err)
	} else if found {
		return Exists, nil
	}
	ok, err := should(ctx, key)
	if err != nil {
		return DoesNotExist, fmt.Errorf("%w for %s: %w", ErrPolicy, key, err)
	} else if ok {
		return CanBeCreated, nil
	}
	return DoesNotExist, nil
}

func aliasKey(alias id.RoomAlias) string { return "alias:" + string(alias) }
func roomKey(roomID id.RoomID) string    { return "room:" + string(roomID) }
func userKey(userID id.UserID) string    { return "user:" + string(userID) }
