package bot

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrix-appservice-bot/pkg/autojoin"
	"github.com/lrhodin/matrix-appservice-bot/pkg/dispatch"
)

// MembershipHandler records joins of managed users that happened without
// the auto-join engine, e.g. joins done by an external bridge.
type MembershipHandler struct {
	isManaged func(id.UserID) bool
	links     autojoin.LinkRecorder
}

func NewMembershipHandler(isManaged func(id.UserID) bool, links autojoin.LinkRecorder) *MembershipHandler {
	return &MembershipHandler{isManaged: isManaged, links: links}
}

func (mh *MembershipHandler) String() string { return "membership" }

func (mh *MembershipHandler) Kinds() []dispatch.Kind {
	return []dispatch.Kind{dispatch.KindMember}
}

func (mh *MembershipHandler) HandleEvent(ctx context.Context, evt dispatch.Event) error {
	member, ok := evt.(*dispatch.MemberEvent)
	if !ok || member.Membership != event.MembershipJoin || !mh.isManaged(member.Target) {
		return nil
	}
	return mh.links.RecordLink(ctx, member.RoomID, member.Target)
}

// MessageContentHandler handles the content of a room message.
type MessageContentHandler interface {
	HandleMessage(ctx context.Context, msg *dispatch.MessageEvent) error
}

// MessageHandler passes message events to every content handler.
type MessageHandler struct {
	self     id.UserID
	handlers []MessageContentHandler
}

func NewMessageHandler(self id.UserID, handlers ...MessageContentHandler) *MessageHandler {
	return &MessageHandler{self: self, handlers: handlers}
}

func (mh *MessageHandler) String() string { return "message" }

func (mh *MessageHandler) Kinds() []dispatch.Kind {
	return []dispatch.Kind{dispatch.KindMessage}
}

func (mh *MessageHandler) HandleEvent(ctx context.Context, evt dispatch.Event) error {
	msg, ok := evt.(*dispatch.MessageEvent)
	if !ok {
		return nil
	} else if msg.Sender == mh.self {
		zerolog.Ctx(ctx).Trace().Msg("Ignoring own message")
		return nil
	}
	var errs []error
	for _, handler := range mh.handlers {
		if err := handler.HandleMessage(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", handler, err))
		}
	}
	return errors.Join(errs...)
}
