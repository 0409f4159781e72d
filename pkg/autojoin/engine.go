// matrix-appservice-bot - A Matrix application service bot framework.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package autojoin accepts or rejects room invites on behalf of the bot and
// the users it manages.
package autojoin

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrix-appservice-bot/pkg/dispatch"
)

type Outcome int

const (
	Ignored Outcome = iota
	Joined
	Left
)

func (o Outcome) String() string {
	switch o {
	case Joined:
		return "joined"
	case Left:
		return "left"
	default:
		return "ignored"
	}
}

// Transport performs membership changes on the homeserver. An empty asUser
// means the primary bot itself. Permission failures must match
// mautrix.MForbidden with errors.Is.
type Transport interface {
	JoinRoom(ctx context.Context, roomID id.RoomID, asUser id.UserID) (id.RoomID, error)
	LeaveRoom(ctx context.Context, roomID id.RoomID, asUser id.UserID) error
}

// Registrar registers a user on the homeserver and persists it.
type Registrar interface {
	RegisterActor(ctx context.Context, userID id.UserID) error
}

type Policy interface {
	ShouldJoin(ctx context.Context, roomID id.RoomID, userID id.UserID, managed bool) (bool, error)
}

type LinkRecorder interface {
	RecordLink(ctx context.Context, roomID id.RoomID, userID id.UserID) error
}

var ErrPolicy = errors.New("auto-join policy failed")

// Engine decides what to do with room invites for managed users. It keeps
// no state between invites.
type Engine struct {
	cfg       Config
	transport Transport
	registrar Registrar
	policy    Policy
	links     LinkRecorder
	log       zerolog.Logger
}

var _ dispatch.Handler = (*Engine)(nil)

func NewEngine(cfg Config, transport Transport, registrar Registrar, policy Policy, links LinkRecorder, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		transport: transport,
		registrar: registrar,
		policy:    policy,
		links:     links,
		log:       log.With().Str("component", "autojoin").Logger(),
	}
}

func (e *Engine) String() string { return "autojoin" }

func (e *Engine) Kinds() []dispatch.Kind {
	return []dispatch.Kind{dispatch.KindMember}
}

func (e *Engine) HandleEvent(ctx context.Context, evt dispatch.Event) error {
	member, ok := evt.(*dispatch.MemberEvent)
	if !ok || member.Membership != event.MembershipInvite {
		return nil
	}
	_, err := e.HandleInvite(ctx, member.RoomID, member.Target)
	return err
}

func (e *Engine) IsManaged(userID id.UserID) bool {
	return e.cfg.IsManaged(userID)
}

// HandleInvite runs the invite state machine for one invite.
func (e *Engine) HandleInvite(ctx context.Context, roomID id.RoomID, invitee id.UserID) (Outcome, error) {
	log := e.log.With().
		Str("room_id", string(roomID)).
		Str("invitee", string(invitee)).
		Logger()
	ctx = log.WithContext(ctx)

	if e.cfg.Mode == ModeDisabled {
		log.Trace().Msg("Auto-join is disabled, ignoring invite")
		return Ignored, nil
	}
	managed := e.IsManaged(invitee)
	if e.cfg.Mode == ModeRestricted && roomServer(roomID) != e.cfg.Homeserver {
		log.Info().Msg("Rejecting invite to room on foreign server")
		return e.leave(ctx, roomID, invitee, managed)
	}
	if !managed {
		log.Trace().Msg("Invitee is not managed, ignoring invite")
		return Ignored, nil
	}

	shouldJoin, err := e.policy.ShouldJoin(ctx, roomID, invitee, managed)
	if err != nil {
		// Fail closed: no join and no leave, the invite is retried with the event.
		return Ignored, fmt.Errorf("%w for %s in %s: %w", ErrPolicy, invitee, roomID, err)
	} else if !shouldJoin {
		log.Info().Msg("Policy rejected invite, leaving room")
		return e.leave(ctx, roomID, invitee, managed)
	}

	err = e.withForbiddenRetry(ctx, invitee, managed, "join room", func() error {
		_, err := e.transport.JoinRoom(ctx, roomID, e.actingAs(invitee))
		return err
	})
	if err != nil {
		return Ignored, err
	}
	log.Info().Msg("Joined room after invite")
	if err = e.links.RecordLink(ctx, roomID, invitee); err != nil {
		return Joined, fmt.Errorf("failed to record join of %s in %s: %w", invitee, roomID, err)
	}
	return Joined, nil
}

// leave rejects the invite. The outcome is Ignored when the leave failed,
// since the membership didn't change.
func (e *Engine) leave(ctx context.Context, roomID id.RoomID, invitee id.UserID, managed bool) (Outcome, error) {
	err := e.withForbiddenRetry(ctx, invitee, managed, "leave room", func() error {
		return e.transport.LeaveRoom(ctx, roomID, e.actingAs(invitee))
	})
	if err != nil {
		return Ignored, err
	}
	return Left, nil
}

func (e *Engine) actingAs(invitee id.UserID) id.UserID {
	if invitee == e.cfg.PrimaryBot {
		return ""
	}
	return invitee
}

// withForbiddenRetry runs fn, and if it fails with M_FORBIDDEN, registers the
// invitee and runs fn exactly once more. Only managed users are registered,
// the homeserver won't let us register anyone else.
func (e *Engine) withForbiddenRetry(ctx context.Context, invitee id.UserID, managed bool, action string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	} else if !errors.Is(err, mautrix.MForbidden) || !managed {
		return fmt.Errorf("failed to %s: %w", action, err)
	}
	log := zerolog.Ctx(ctx)
	log.Debug().Err(err).Str("action", action).Msg("Got forbidden error, registering invitee before retrying")
	regErr := e.registrar.RegisterActor(ctx, invitee)
	if regErr != nil {
		log.Warn().Err(regErr).Msg("Failed to register invitee, retrying anyway")
	}
	if err = fn(); err != nil {
		if regErr != nil {
			err = errors.Join(err, fmt.Errorf("registration failed: %w", regErr))
		}
		return fmt.Errorf("failed to %s after registering %s: %w", action, invitee, err)
	}
	return nil
}
