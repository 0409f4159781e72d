// matrix-appservice-bot - A Matrix application service bot framework.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package dispatch

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Kind is the tag of the Event union. Handlers declare the kinds they accept
// and the router matches on it directly.
type Kind int

const (
	KindOther Kind = iota
	KindMember
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindMember:
		return "member"
	case KindMessage:
		return "message"
	default:
		return "other"
	}
}

// Event is implemented by *MemberEvent, *MessageEvent and *OtherEvent only.
type Event interface {
	Kind() Kind
	Meta() *Base
}

// Base holds the fields every room event carries.
type Base struct {
	ID        id.EventID
	RoomID    id.RoomID
	Sender    id.UserID
	Timestamp time.Time

	// Raw is the event as it was received, for handlers that need more
	// than the extracted fields.
	Raw *event.Event
}

func (b *Base) Meta() *Base { return b }

// MemberEvent is an m.room.member state event. Target is the state key,
// i.e. the user whose membership changed.
type MemberEvent struct {
	Base
	Target     id.UserID
	Membership event.Membership
}

func (*MemberEvent) Kind() Kind { return KindMember }

type MessageEvent struct {
	Base
	MsgType event.MessageType
	Body    string
}

func (*MessageEvent) Kind() Kind { return KindMessage }

type OtherEvent struct {
	Base
	Type event.Type
}

func (*OtherEvent) Kind() Kind { return KindOther }

// Parse converts a raw Matrix event into the tagged union. Content fields are
// read from the raw JSON so events don't need to be parsed into typed
// mautrix content first.
func Parse(evt *event.Event) Event {
	base := Base{
		ID:        evt.ID,
		RoomID:    evt.RoomID,
		Sender:    evt.Sender,
		Timestamp: time.UnixMilli(evt.Timestamp),
		Raw:       evt,
	}
	raw := []byte(evt.Content.VeryRaw)
	if len(raw) == 0 {
		raw, _ = json.Marshal(&evt.Content)
	}
	switch {
	case evt.Type.Type == event.StateMember.Type && evt.StateKey != nil:
		return &MemberEvent{
			Base:       base,
			Target:     id.UserID(*evt.StateKey),
			Membership: event.Membership(gjson.GetBytes(raw, "membership").Str),
		}
	case evt.Type.Type == event.EventMessage.Type:
		return &MessageEvent{
			Base:    base,
			MsgType: event.MessageType(gjson.GetBytes(raw, "msgtype").Str),
			Body:    gjson.GetBytes(raw, "body").Str,
		}
	default:
		return &OtherEvent{Base: base, Type: evt.Type}
	}
}
