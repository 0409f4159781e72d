package autojoin

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrix-appservice-bot/pkg/dispatch"
)

type mockTransport struct {
	mock.Mock
}

func (mt *mockTransport) JoinRoom(ctx context.Context, roomID id.RoomID, asUser id.UserID) (id.RoomID, error) {
	args := mt.Called(ctx, roomID, asUser)
	return args.Get(0).(id.RoomID), args.Error(1)
}

func (mt *mockTransport) LeaveRoom(ctx context.Context, roomID id.RoomID, asUser id.UserID) error {
	return mt.Called(ctx, roomID, asUser).Error(0)
}

func (mt *mockTransport) RegisterActor(ctx context.Context, userID id.UserID) error {
	return mt.Called(ctx, userID).Error(0)
}

type mockPolicy struct {
	mock.Mock
}

func (mp *mockPolicy) ShouldJoin(ctx context.Context, roomID id.RoomID, userID id.UserID, managed bool) (bool, error) {
	args := mp.Called(ctx, roomID, userID, managed)
	return args.Bool(0), args.Error(1)
}

type mockLinks struct {
	mock.Mock
}

func (ml *mockLinks) RecordLink(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	return ml.Called(ctx, roomID, userID).Error(0)
}

const (
	localRoom   = id.RoomID("!r:example.org")
	foreignRoom = id.RoomID("!r:foreign.org")
	primaryBot  = id.UserID("@bot:example.org")
	unicorn     = id.UserID("@unicorn_star:example.org")
	dino        = id.UserID("@dino_star:example.org")
)

var forbidden = fmt.Errorf("join: %w", mautrix.MForbidden)

type fixture struct {
	engine    *Engine
	transport *mockTransport
	policy    *mockPolicy
	links     *mockLinks
}

func newFixture(t *testing.T, mode Mode) *fixture {
	patterns, err := CompilePatterns([]string{"unicorn_.*"})
	require.NoError(t, err)
	f := &fixture{
		transport: &mockTransport{},
		policy:    &mockPolicy{},
		links:     &mockLinks{},
	}
	f.engine = NewEngine(Config{
		Mode:         mode,
		Homeserver:   "example.org",
		ManagedUsers: patterns,
		PrimaryBot:   primaryBot,
	}, f.transport, f.transport, f.policy, f.links, zerolog.Nop())
	t.Cleanup(func() {
		f.transport.AssertExpectations(t)
		f.policy.AssertExpectations(t)
		f.links.AssertExpectations(t)
	})
	return f
}

func TestIsManaged(t *testing.T) {
	f := newFixture(t, ModeEnabled)
	assert.True(t, f.engine.IsManaged(primaryBot))
	assert.True(t, f.engine.IsManaged(unicorn))
	assert.False(t, f.engine.IsManaged(dino))
	assert.False(t, f.engine.IsManaged("@unicorn_star:foreign.org"))
	assert.False(t, f.engine.IsManaged("@xunicorn_star:example.org"), "patterns are anchored")
	assert.False(t, f.engine.IsManaged("not a user id"))
}

func TestHandleInvite_Disabled(t *testing.T) {
	f := newFixture(t, ModeDisabled)
	for _, room := range []id.RoomID{localRoom, foreignRoom} {
		outcome, err := f.engine.HandleInvite(context.Background(), room, unicorn)
		require.NoError(t, err)
		assert.Equal(t, Ignored, outcome)
	}
	f.transport.AssertNotCalled(t, "JoinRoom", mock.Anything, mock.Anything, mock.Anything)
	f.transport.AssertNotCalled(t, "LeaveRoom", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleInvite_UnmanagedIgnored(t *testing.T) {
	for _, mode := range []Mode{ModeEnabled, ModeRestricted} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t, mode)
			outcome, err := f.engine.HandleInvite(context.Background(), localRoom, dino)
			require.NoError(t, err)
			assert.Equal(t, Ignored, outcome)
			assert.Empty(t, f.transport.Calls)
			assert.Empty(t, f.links.Calls)
		})
	}
}

func TestHandleInvite_JoinsManagedUser(t *testing.T) {
	for _, mode := range []Mode{ModeEnabled, ModeRestricted} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t, mode)
			f.policy.On("ShouldJoin", mock.Anything, localRoom, unicorn, true).Return(true, nil)
			f.transport.On("JoinRoom", mock.Anything, localRoom, unicorn).Return(localRoom, nil).Once()
			f.links.On("RecordLink", mock.Anything, localRoom, unicorn).Return(nil).Once()

			outcome, err := f.engine.HandleInvite(context.Background(), localRoom, unicorn)
			require.NoError(t, err)
			assert.Equal(t, Joined, outcome)
		})
	}
}

func TestHandleInvite_PrimaryBotJoinsAsItself(t *testing.T) {
	f := newFixture(t, ModeEnabled)
	f.policy.On("ShouldJoin", mock.Anything, localRoom, primaryBot, true).Return(true, nil)
	f.transport.On("JoinRoom", mock.Anything, localRoom, id.UserID("")).Return(localRoom, nil).Once()
	f.links.On("RecordLink", mock.Anything, localRoom, primaryBot).Return(nil).Once()

	outcome, err := f.engine.HandleInvite(context.Background(), localRoom, primaryBot)
	require.NoError(t, err)
	assert.Equal(t, Joined, outcome)
}

func TestHandleInvite_PolicyRejects(t *testing.T) {
	f := newFixture(t, ModeEnabled)
	f.policy.On("ShouldJoin", mock.Anything, localRoom, primaryBot, true).Return(false, nil)
	f.transport.On("LeaveRoom", mock.Anything, localRoom, id.UserID("")).Return(nil).Once()

	outcome, err := f.engine.HandleInvite(context.Background(), localRoom, primaryBot)
	require.NoError(t, err)
	assert.Equal(t, Left, outcome)
	f.transport.AssertNotCalled(t, "JoinRoom", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, f.links.Calls)
}

func TestHandleInvite_PolicyErrorFailsClosed(t *testing.T) {
	f := newFixture(t, ModeEnabled)
	f.policy.On("ShouldJoin", mock.Anything, localRoom, unicorn, true).Return(true, errors.New("policy down"))

	_, err := f.engine.HandleInvite(context.Background(), localRoom, unicorn)
	assert.ErrorIs(t, err, ErrPolicy)
	assert.Empty(t, f.transport.Calls)
	assert.Empty(t, f.links.Calls)
}

func TestHandleInvite_RestrictedForeignRoomLeaves(t *testing.T) {
	for _, invitee := range []id.UserID{unicorn, dino} {
		t.Run(string(invitee), func(t *testing.T) {
			f := newFixture(t, ModeRestricted)
			f.transport.On("LeaveRoom", mock.Anything, foreignRoom, invitee).Return(nil).Once()

			outcome, err := f.engine.HandleInvite(context.Background(), foreignRoom, invitee)
			require.NoError(t, err)
			assert.Equal(t, Left, outcome)
			f.transport.AssertNotCalled(t, "JoinRoom", mock.Anything, mock.Anything, mock.Anything)
			assert.Empty(t, f.policy.Calls)
			assert.Empty(t, f.links.Calls)
		})
	}
}

func TestHandleInvite_EnabledForeignRoomJoins(t *testing.T) {
	f := newFixture(t, ModeEnabled)
	f.policy.On("ShouldJoin", mock.Anything, foreignRoom, unicorn, true).Return(true, nil)
	f.transport.On("JoinRoom", mock.Anything, foreignRoom, unicorn).Return(foreignRoom, nil).Once()
	f.links.On("RecordLink", mock.Anything, foreignRoom, unicorn).Return(nil).Once()

	outcome, err := f.engine.HandleInvite(context.Background(), foreignRoom, unicorn)
	require.NoError(t, err)
	assert.Equal(t, Joined, outcome)
}

func TestHandleInvite_ForbiddenJoinRegistersAndRetries(t *testing.T) {
	f := newFixture(t, ModeEnabled)
	f.policy.On("ShouldJoin", mock.Anything, localRoom, unicorn, true).Return(true, nil)
	f.transport.On("JoinRoom", mock.Anything, localRoom, unicorn).Return(id.RoomID(""), forbidden).Once()
	f.transport.On("RegisterActor", mock.Anything, unicorn).Return(nil).Once()
	f.transport.On("JoinRoom", mock.Anything, localRoom, unicorn).Return(localRoom, nil).Once()
	f.links.On("RecordLink", mock.Anything, localRoom, unicorn).Return(nil).Once()

	outcome, err := f.engine.HandleInvite(context.Background(), localRoom, unicorn)
	require.NoError(t, err)
	assert.Equal(t, Joined, outcome)
	f.transport.AssertNumberOfCalls(t, "JoinRoom", 2)
	f.transport.AssertNumberOfCalls(t, "RegisterActor", 1)

	// Registration happens between the two join attempts.
	methods := make([]string, len(f.transport.Calls))
	for i, call := range f.transport.Calls {
		methods[i] = call.Method
	}
	assert.Equal(t, []string{"JoinRoom", "RegisterActor", "JoinRoom"}, methods)
}

func TestHandleInvite_ForbiddenLeaveRegistersAndRetries(t *testing.T) {
	f := newFixture(t, ModeEnabled)
	f.policy.On("ShouldJoin", mock.Anything, localRoom, unicorn, true).Return(false, nil)
	f.transport.On("LeaveRoom", mock.Anything, localRoom, unicorn).Return(forbidden).Once()
	f.transport.On("RegisterActor", mock.Anything, unicorn).Return(nil).Once()
	f.transport.On("LeaveRoom", mock.Anything, localRoom, unicorn).Return(nil).Once()

	outcome, err := f.engine.HandleInvite(context.Background(), localRoom, unicorn)
	require.NoError(t, err)
	assert.Equal(t, Left, outcome)
	f.transport.AssertNumberOfCalls(t, "LeaveRoom", 2)
}

func TestHandleInvite_ForbiddenRetryIsBounded(t *testing.T) {
	f := newFixture(t, ModeEnabled)
	f.policy.On("ShouldJoin", mock.Anything, localRoom, unicorn, true).Return(true, nil)
	f.transport.On("JoinRoom", mock.Anything, localRoom, unicorn).Return(id.RoomID(""), forbidden).Twice()
	f.transport.On("RegisterActor", mock.Anything, unicorn).Return(nil).Once()

	outcome, err := f.engine.HandleInvite(context.Background(), localRoom, unicorn)
	require.Error(t, err)
	assert.ErrorIs(t, err, mautrix.MForbidden)
	assert.Equal(t, Ignored, outcome, "a failed join is not reported as joined")
	f.transport.AssertNumberOfCalls(t, "JoinRoom", 2)
	assert.Empty(t, f.links.Calls)
}

func TestHandleInvite_RetriesEvenIfRegistrationFails(t *testing.T) {
	f := newFixture(t, ModeEnabled)
	regErr := errors.New("registration disabled")
	f.policy.On("ShouldJoin", mock.Anything, localRoom, unicorn, true).Return(true, nil)
	f.transport.On("JoinRoom", mock.Anything, localRoom, unicorn).Return(id.RoomID(""), forbidden).Twice()
	f.transport.On("RegisterActor", mock.Anything, unicorn).Return(regErr).Once()

	_, err := f.engine.HandleInvite(context.Background(), localRoom, unicorn)
	assert.ErrorIs(t, err, regErr)
	f.transport.AssertNumberOfCalls(t, "JoinRoom", 2)
}

func TestHandleInvite_OtherErrorNotRetried(t *testing.T) {
	f := newFixture(t, ModeEnabled)
	boom := errors.New("connection reset")
	f.policy.On("ShouldJoin", mock.Anything, localRoom, unicorn, true).Return(true, nil)
	f.transport.On("JoinRoom", mock.Anything, localRoom, unicorn).Return(id.RoomID(""), boom).Once()

	outcome, err := f.engine.HandleInvite(context.Background(), localRoom, unicorn)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Ignored, outcome)
	f.transport.AssertNotCalled(t, "RegisterActor", mock.Anything, mock.Anything)
}

func TestHandleInvite_RestrictedForbiddenLeaveRegistersManaged(t *testing.T) {
	f := newFixture(t, ModeRestricted)
	f.transport.On("LeaveRoom", mock.Anything, foreignRoom, unicorn).Return(forbidden).Once()
	f.transport.On("RegisterActor", mock.Anything, unicorn).Return(nil).Once()
	f.transport.On("LeaveRoom", mock.Anything, foreignRoom, unicorn).Return(nil).Once()

	outcome, err := f.engine.HandleInvite(context.Background(), foreignRoom, unicorn)
	require.NoError(t, err)
	assert.Equal(t, Left, outcome)
	f.transport.AssertNumberOfCalls(t, "LeaveRoom", 2)
	assert.Empty(t, f.policy.Calls)
}

func TestHandleInvite_ForbiddenUnmanagedNotRegistered(t *testing.T) {
	f := newFixture(t, ModeRestricted)
	f.transport.On("LeaveRoom", mock.Anything, foreignRoom, dino).Return(forbidden).Once()

	outcome, err := f.engine.HandleInvite(context.Background(), foreignRoom, dino)
	assert.ErrorIs(t, err, mautrix.MForbidden)
	assert.Equal(t, Ignored, outcome, "a failed leave is not reported as left")
	f.transport.AssertNotCalled(t, "RegisterActor", mock.Anything, mock.Anything)
	f.transport.AssertNumberOfCalls(t, "LeaveRoom", 1)
}

func TestHandleEvent_OnlyInvites(t *testing.T) {
	f := newFixture(t, ModeEnabled)
	f.policy.On("ShouldJoin", mock.Anything, localRoom, unicorn, true).Return(true, nil)
	f.transport.On("JoinRoom", mock.Anything, localRoom, unicorn).Return(localRoom, nil).Once()
	f.links.On("RecordLink", mock.Anything, localRoom, unicorn).Return(nil).Once()

	assert.Equal(t, []dispatch.Kind{dispatch.KindMember}, f.engine.Kinds())
	join := &dispatch.MemberEvent{
		Base:       dispatch.Base{ID: "$join", RoomID: localRoom},
		Target:     unicorn,
		Membership: event.MembershipJoin,
	}
	require.NoError(t, f.engine.HandleEvent(context.Background(), join))
	invite := &dispatch.MemberEvent{
		Base:       dispatch.Base{ID: "$invite", RoomID: localRoom},
		Target:     unicorn,
		Membership: event.MembershipInvite,
	}
	require.NoError(t, f.engine.HandleEvent(context.Background(), invite))
	f.transport.AssertNumberOfCalls(t, "JoinRoom", 1)
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("Restricted")
	require.NoError(t, err)
	assert.Equal(t, ModeRestricted, mode)
	mode, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeEnabled, mode)
	_, err = ParseMode("sometimes")
	assert.Error(t, err)
}

func TestRoomServer(t *testing.T) {
	assert.Equal(t, "example.org", roomServer("!r:example.org"))
	assert.Equal(t, "", roomServer("!opaqueroomid"))
}
