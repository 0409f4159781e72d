package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

func newTestPolicy(t *testing.T) *Policy {
	p, err := New("example.org", Rules{
		Rooms: RoomRules{Provision: []string{"bridge_.*"}, Preset: "private_chat", NameFormat: "Bridge %s"},
		Users: UserRules{Provision: []string{"unicorn_.*"}, DisplayNameFormat: "%s (bridge)"},
		Join:  JoinRules{DenyRooms: []string{"!spam.*"}, DenyServers: []string{"evil.org"}},
	}, zerolog.Nop())
	require.NoError(t, err)
	return p
}

func TestShouldProvisionRoom(t *testing.T) {
	p := newTestPolicy(t)
	ctx := context.Background()

	ok, err := p.ShouldProvisionRoom(ctx, "#bridge_one:example.org")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.ShouldProvisionRoom(ctx, "#bridge_one:foreign.org")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.ShouldProvisionRoom(ctx, "#random:example.org")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = p.ShouldProvisionRoom(ctx, "bridge_one")
	assert.Error(t, err)
}

func TestRoomCreateParameters(t *testing.T) {
	p := newTestPolicy(t)
	req, err := p.RoomCreateParameters(context.Background(), "#bridge_one:example.org")
	require.NoError(t, err)
	assert.Equal(t, "bridge_one", req.RoomAliasName)
	assert.Equal(t, "Bridge bridge_one", req.Name)
	assert.Equal(t, "private_chat", req.Preset)
}

func TestUserRules(t *testing.T) {
	p := newTestPolicy(t)
	ctx := context.Background()

	ok, err := p.ShouldProvisionUser(ctx, "@unicorn_star:example.org")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.ShouldProvisionUser(ctx, "@dino_star:example.org")
	require.NoError(t, err)
	assert.False(t, ok)

	params, err := p.UserRegisterParameters(ctx, "@unicorn_star:example.org")
	require.NoError(t, err)
	assert.Equal(t, "unicorn_star (bridge)", params.DisplayName)
}

func TestShouldJoin(t *testing.T) {
	p := newTestPolicy(t)
	ctx := context.Background()
	cases := []struct {
		room    string
		managed bool
		want    bool
	}{
		{"!r:example.org", true, true},
		{"!r:example.org", false, false},
		{"!spamroom:example.org", true, false},
		{"!r:evil.org", true, false},
	}
	for _, tc := range cases {
		got, err := p.ShouldJoin(ctx, id.RoomID(tc.room), "@unicorn_star:example.org", tc.managed)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, tc.room)
	}
}

func TestUpdate_InvalidKeepsPrevious(t *testing.T) {
	p := newTestPolicy(t)
	err := p.Update(Rules{Rooms: RoomRules{Provision: []string{"("}}})
	require.Error(t, err)

	ok, err := p.ShouldProvisionRoom(context.Background(), "#bridge_one:example.org")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writeRules := func(rules Rules) {
		data, err := yaml.Marshal(&rules)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0600))
	}
	writeRules(Rules{})
	p, err := New("example.org", Rules{}, zerolog.Nop())
	require.NoError(t, err)

	reload := func() (Rules, error) {
		var rules Rules
		data, err := os.ReadFile(path)
		if err != nil {
			return rules, err
		}
		return rules, yaml.Unmarshal(data, &rules)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx, path, reload) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	assert.Eventually(t, func() bool {
		writeRules(Rules{Rooms: RoomRules{Provision: []string{"late_.*"}}})
		ok, _ := p.ShouldProvisionRoom(context.Background(), "#late_room:example.org")
		return ok
	}, 5*time.Second, 50*time.Millisecond)
}
