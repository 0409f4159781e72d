// matrix-appservice-bot - A Matrix application service bot framework.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package policy is the default hosting policy, driven by the policy section
// of the config file. Rules can be swapped at runtime.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrix-appservice-bot/pkg/autojoin"
	"github.com/lrhodin/matrix-appservice-bot/pkg/provision"
)

type RoomRules struct {
	// Provision lists alias localpart patterns that may be created on demand.
	Provision []string `yaml:"provision"`
	Preset    string   `yaml:"preset"`
	// NameFormat is a fmt format for the room name, %s is the alias localpart.
	NameFormat string `yaml:"name_format"`
	Topic      string `yaml:"topic"`
}

type UserRules struct {
	// Provision lists user localpart patterns that may be registered on demand.
	Provision         []string `yaml:"provision"`
	DisplayNameFormat string   `yaml:"displayname_format"`
}

type JoinRules struct {
	// DenyRooms lists room ID patterns whose invites are always rejected.
	DenyRooms []string `yaml:"deny_rooms"`
	// DenyServers lists server names whose rooms are rejected even in
	// enabled mode.
	DenyServers []string `yaml:"deny_servers"`
}

type Rules struct {
	Rooms RoomRules `yaml:"rooms"`
	Users UserRules `yaml:"users"`
	Join  JoinRules `yaml:"join"`
}

type compiledRules struct {
	Rules
	rooms     []*regexp.Regexp
	users     []*regexp.Regexp
	denyRooms []*regexp.Regexp
}

func compile(rules Rules) (*compiledRules, error) {
	var cr compiledRules
	var err error
	cr.Rules = rules
	if cr.rooms, err = autojoin.CompilePatterns(rules.Rooms.Provision); err != nil {
		return nil, fmt.Errorf("rooms: %w", err)
	} else if cr.users, err = autojoin.CompilePatterns(rules.Users.Provision); err != nil {
		return nil, fmt.Errorf("users: %w", err)
	} else if cr.denyRooms, err = autojoin.CompilePatterns(rules.Join.DenyRooms); err != nil {
		return nil, fmt.Errorf("join: %w", err)
	}
	return &cr, nil
}

// Policy implements provision.RoomPolicy, provision.UserPolicy and
// autojoin.Policy.
type Policy struct {
	homeserver string
	rules      atomic.Pointer[compiledRules]
	log        zerolog.Logger
}

var (
	_ provision.RoomPolicy = (*Policy)(nil)
	_ provision.UserPolicy = (*Policy)(nil)
	_ autojoin.Policy      = (*Policy)(nil)
)

func New(homeserver string, rules Rules, log zerolog.Logger) (*Policy, error) {
	p := &Policy{
		homeserver: homeserver,
		log:        log.With().Str("component", "policy").Logger(),
	}
	if err := p.Update(rules); err != nil {
		return nil, err
	}
	return p, nil
}

// Update atomically replaces the rules. Invalid rules are rejected and the
// previous ones stay active.
func (p *Policy) Update(rules Rules) error {
	compiled, err := compile(rules)
	if err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	p.rules.Store(compiled)
	return nil
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func (p *Policy) ShouldProvisionRoom(ctx context.Context, alias id.RoomAlias) (bool, error) {
	localpart, server, err := provision.ParseAlias(alias)
	if err != nil {
		return false, err
	} else if server != p.homeserver {
		return false, nil
	}
	return matchAny(p.rules.Load().rooms, localpart), nil
}

func (p *Policy) RoomCreateParameters(ctx context.Context, alias id.RoomAlias) (*mautrix.ReqCreateRoom, error) {
	localpart, _, err := provision.ParseAlias(alias)
	if err != nil {
		return nil, err
	}
	rules := p.rules.Load()
	req := &mautrix.ReqCreateRoom{
		RoomAliasName: localpart,
		Preset:        rules.Rooms.Preset,
		Topic:         rules.Rooms.Topic,
	}
	if rules.Rooms.NameFormat != "" {
		req.Name = fmt.Sprintf(rules.Rooms.NameFormat, localpart)
	}
	return req, nil
}

func (p *Policy) ShouldProvisionUser(ctx context.Context, userID id.UserID) (bool, error) {
	localpart, server, err := userID.Parse()
	if err != nil {
		return false, fmt.Errorf("failed to parse user ID: %w", err)
	} else if server != p.homeserver {
		return false, nil
	}
	return matchAny(p.rules.Load().users, localpart), nil
}

func (p *Policy) UserRegisterParameters(ctx context.Context, userID id.UserID) (*provision.RegisterParams, error) {
	localpart, _, err := userID.Parse()
	if err != nil {
		return nil, fmt.Errorf("failed to parse user ID: %w", err)
	}
	params := &provision.RegisterParams{}
	if format := p.rules.Load().Users.DisplayNameFormat; format != "" {
		params.DisplayName = fmt.Sprintf(format, localpart)
	}
	return params, nil
}

func (p *Policy) ShouldJoin(ctx context.Context, roomID id.RoomID, userID id.UserID, managed bool) (bool, error) {
	if !managed {
		return false, nil
	}
	rules := p.rules.Load()
	if matchAny(rules.denyRooms, string(roomID)) {
		zerolog.Ctx(ctx).Debug().Msg("Room is on the join deny list")
		return false, nil
	}
	_, server, _ := strings.Cut(string(roomID), ":")
	for _, denied := range rules.Join.DenyServers {
		if server == denied {
			return false, nil
		}
	}
	return true, nil
}
