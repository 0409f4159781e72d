// matrix-appservice-bot - A Matrix application service bot framework.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package homeserver talks to the Matrix homeserver through mautrix, acting
// either as the bot itself or, via appservice identity assertion, as any
// user in the bot's namespace.
package homeserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrix-appservice-bot/pkg/autojoin"
	"github.com/lrhodin/matrix-appservice-bot/pkg/provision"
)

type Config struct {
	Address   string
	BotUserID id.UserID
	ASToken   string
}

type Transport struct {
	bot     *mautrix.Client
	clients *exsync.Map[id.UserID, *mautrix.Client]
	log     zerolog.Logger
}

var _ autojoin.Transport = (*Transport)(nil)

func New(cfg Config, log zerolog.Logger) (*Transport, error) {
	log = log.With().Str("component", "transport").Logger()
	bot, err := mautrix.NewClient(cfg.Address, cfg.BotUserID, cfg.ASToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot client: %w", err)
	}
	bot.SetAppServiceUserID = true
	bot.Log = log
	return &Transport{
		bot:     bot,
		clients: exsync.NewMap[id.UserID, *mautrix.Client](),
		log:     log,
	}, nil
}

func (t *Transport) BotUserID() id.UserID {
	return t.bot.UserID
}

// Client returns the bot's own client.
func (t *Transport) Client() *mautrix.Client {
	return t.bot
}

// clientFor returns a client that acts as asUser. An empty asUser is the bot.
func (t *Transport) clientFor(asUser id.UserID) (*mautrix.Client, error) {
	if asUser == "" || asUser == t.bot.UserID {
		return t.bot, nil
	} else if client, ok := t.clients.Get(asUser); ok {
		return client, nil
	}
	client, err := mautrix.NewClient(t.bot.HomeserverURL.String(), asUser, t.bot.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", asUser, err)
	}
	client.SetAppServiceUserID = true
	client.Client = t.bot.Client
	client.Log = t.log.With().Str("as_user_id", string(asUser)).Logger()
	client, _ = t.clients.GetOrSet(asUser, client)
	return client, nil
}

func (t *Transport) JoinRoom(ctx context.Context, roomID id.RoomID, asUser id.UserID) (id.RoomID, error) {
	client, err := t.clientFor(asUser)
	if err != nil {
		return "", err
	}
	resp, err := client.JoinRoomByID(ctx, roomID)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (t *Transport) LeaveRoom(ctx context.Context, roomID id.RoomID, asUser id.UserID) error {
	client, err := t.clientFor(asUser)
	if err != nil {
		return err
	}
	_, err = client.LeaveRoom(ctx, roomID)
	return err
}

// RegisterActor registers userID through the appservice registration flow.
// A user that already exists counts as registered.
func (t *Transport) RegisterActor(ctx context.Context, userID id.UserID) error {
	localpart, _, err := userID.Parse()
	if err != nil {
		return fmt.Errorf("failed to parse user ID: %w", err)
	}
	_, _, err = t.bot.Register(ctx, &mautrix.ReqRegister{
		Username:     localpart,
		Type:         mautrix.AuthTypeAppservice,
		InhibitLogin: true,
	})
	if errors.Is(err, mautrix.MUserInUse) {
		zerolog.Ctx(ctx).Debug().Str("user_id", string(userID)).Msg("User is already registered")
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to register %s: %w", userID, err)
	}
	zerolog.Ctx(ctx).Info().Str("user_id", string(userID)).Msg("Registered user")
	return nil
}

// RegisterUser registers userID and applies the registration parameters.
func (t *Transport) RegisterUser(ctx context.Context, userID id.UserID, params *provision.RegisterParams) error {
	if err := t.RegisterActor(ctx, userID); err != nil {
		return err
	}
	if params == nil || params.DisplayName == "" {
		return nil
	}
	client, err := t.clientFor(userID)
	if err != nil {
		return err
	}
	if err = client.SetDisplayName(ctx, params.DisplayName); err != nil {
		return fmt.Errorf("failed to set displayname of %s: %w", userID, err)
	}
	return nil
}

func (t *Transport) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	resp, err := t.bot.CreateRoom(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to create room: %w", err)
	}
	return resp.RoomID, nil
}

func (t *Transport) SendNotice(ctx context.Context, roomID id.RoomID, text string) error {
	_, err := t.bot.SendNotice(ctx, roomID, text)
	if err != nil {
		return fmt.Errorf("failed to send notice to %s: %w", roomID, err)
	}
	return nil
}
