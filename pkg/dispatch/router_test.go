package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func memberEvent(target string, membership string) *event.Event {
	return &event.Event{
		ID:       "$member",
		RoomID:   "!room:example.org",
		Sender:   "@inviter:example.org",
		Type:     event.StateMember,
		StateKey: &target,
		Content:  event.Content{VeryRaw: json.RawMessage(`{"membership":"` + membership + `"}`)},
	}
}

func TestParse_MemberEvent(t *testing.T) {
	evt := Parse(memberEvent("@bot:example.org", "invite"))
	member, ok := evt.(*MemberEvent)
	require.True(t, ok, "expected *MemberEvent, got %T", evt)
	assert.Equal(t, KindMember, member.Kind())
	assert.Equal(t, id.UserID("@bot:example.org"), member.Target)
	assert.Equal(t, event.MembershipInvite, member.Membership)
	assert.Equal(t, id.RoomID("!room:example.org"), member.Meta().RoomID)
}

func TestParse_MessageEvent(t *testing.T) {
	evt := Parse(&event.Event{
		ID:      "$msg",
		RoomID:  "!room:example.org",
		Type:    event.EventMessage,
		Content: event.Content{VeryRaw: json.RawMessage(`{"msgtype":"m.text","body":"!ping"}`)},
	})
	msg, ok := evt.(*MessageEvent)
	require.True(t, ok)
	assert.Equal(t, event.MsgText, msg.MsgType)
	assert.Equal(t, "!ping", msg.Body)
}

func TestParse_OtherEvent(t *testing.T) {
	evt := Parse(&event.Event{ID: "$x", Type: event.EventReaction})
	assert.Equal(t, KindOther, evt.Kind())
}

func TestParse_MemberWithoutStateKeyIsOther(t *testing.T) {
	raw := memberEvent("@bot:example.org", "join")
	raw.StateKey = nil
	assert.Equal(t, KindOther, Parse(raw).Kind())
}

type recordingHandler struct {
	name  string
	kinds []Kind
	err   error
	calls *[]string
}

func (h *recordingHandler) Kinds() []Kind { return h.kinds }

func (h *recordingHandler) HandleEvent(ctx context.Context, evt Event) error {
	*h.calls = append(*h.calls, h.name)
	return h.err
}

func (h *recordingHandler) String() string { return h.name }

func TestRouter_DeliversInRegistrationOrder(t *testing.T) {
	var calls []string
	r := NewRouter(zerolog.Nop(),
		&recordingHandler{name: "first", kinds: []Kind{KindMember}, calls: &calls},
		&recordingHandler{name: "messages", kinds: []Kind{KindMessage}, calls: &calls},
		&recordingHandler{name: "second", kinds: []Kind{KindMessage, KindMember}, calls: &calls},
	)
	err := r.Dispatch(context.Background(), Parse(memberEvent("@a:example.org", "join")))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestRouter_CollectsFailures(t *testing.T) {
	var calls []string
	errA := errors.New("a broke")
	errC := errors.New("c broke")
	r := NewRouter(zerolog.Nop())
	r.Register(
		&recordingHandler{name: "a", kinds: []Kind{KindMember}, err: errA, calls: &calls},
		&recordingHandler{name: "b", kinds: []Kind{KindMember}, calls: &calls},
		&recordingHandler{name: "c", kinds: []Kind{KindMember}, err: errC, calls: &calls},
	)
	err := r.Dispatch(context.Background(), Parse(memberEvent("@a:example.org", "join")))
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errC)
	assert.Equal(t, []string{"a", "b", "c"}, calls)
}

func TestRouter_RecoversPanics(t *testing.T) {
	var calls []string
	r := NewRouter(zerolog.Nop(),
		&HandlerFunc{Name: "panicky", Accepts: []Kind{KindOther}, Func: func(ctx context.Context, evt Event) error {
			panic("boom")
		}},
		&recordingHandler{name: "after", kinds: []Kind{KindOther}, calls: &calls},
	)
	err := r.Dispatch(context.Background(), Parse(&event.Event{ID: "$x", Type: event.EventReaction}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicky")
	assert.Equal(t, []string{"after"}, calls)
}

func TestRouter_UnmatchedDroppedSilently(t *testing.T) {
	var calls []string
	r := NewRouter(zerolog.Nop(), &recordingHandler{name: "m", kinds: []Kind{KindMessage}, calls: &calls})
	require.NoError(t, r.Dispatch(context.Background(), Parse(memberEvent("@a:example.org", "invite"))))
	assert.Empty(t, calls)
}
