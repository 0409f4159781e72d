package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrix-appservice-bot/pkg/database"
	"github.com/lrhodin/matrix-appservice-bot/pkg/keylock"
)

type RoomPolicy interface {
	ShouldProvisionRoom(ctx context.Context, alias id.RoomAlias) (bool, error)
	RoomCreateParameters(ctx context.Context, alias id.RoomAlias) (*mautrix.ReqCreateRoom, error)
}

// CreateRoomFunc performs the actual room creation on the homeserver.
type CreateRoomFunc func(ctx context.Context, params *mautrix.ReqCreateRoom) (id.RoomID, error)

type RoomResolver struct {
	repo   Repository
	policy RoomPolicy
	locks  *keylock.Map
	log    zerolog.Logger
}

func (rr *RoomResolver) ExistingState(ctx context.Context, alias id.RoomAlias) (ExistingState, error) {
	return decide(ctx, alias, rr.repo.ExistsByAlias, rr.policy.ShouldProvisionRoom)
}

func (rr *RoomResolver) CreateParameters(ctx context.Context, alias id.RoomAlias) (*mautrix.ReqCreateRoom, error) {
	params, err := rr.policy.RoomCreateParameters(ctx, alias)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get create parameters for %s: %w", ErrPolicy, alias, err)
	} else if params == nil {
		params = &mautrix.ReqCreateRoom{}
	}
	return params, nil
}

// OnCreated persists the alias mapping after the room was created.
func (rr *RoomResolver) OnCreated(ctx context.Context, alias id.RoomAlias, roomID id.RoomID) error {
	unlock := rr.locks.Lock(aliasKey(alias))
	defer unlock()
	return rr.onCreated(ctx, alias, roomID)
}

func (rr *RoomResolver) onCreated(ctx context.Context, alias id.RoomAlias, roomID id.RoomID) error {
	err := rr.repo.SaveRoom(ctx, &database.Room{RoomID: roomID, Alias: alias})
	if err != nil {
		return fmt.Errorf("failed to save room %s for %s: %w", roomID, alias, err)
	}
	rr.log.Info().
		Str("room_alias", string(alias)).
		Str("room_id", string(roomID)).
		Msg("Saved provisioned room")
	return nil
}

// Provision runs the whole decide, create, persist sequence for one alias
// while holding that alias' lock, so concurrent queries for the same alias
// create the room at most once. It returns Exists if the room exists
// afterwards and DoesNotExist if it must not be created.
func (rr *RoomResolver) Provision(ctx context.Context, alias id.RoomAlias, create CreateRoomFunc) (ExistingState, error) {
	unlock := rr.locks.Lock(aliasKey(alias))
	defer unlock()

	state, err := rr.ExistingState(ctx, alias)
	if err != nil || state != CanBeCreated {
		return state, err
	}
	params, err := rr.CreateParameters(ctx, alias)
	if err != nil {
		return DoesNotExist, err
	}
	if params.RoomAliasName == "" {
		params.RoomAliasName, _, _ = ParseAlias(alias)
	}
	roomID, err := create(ctx, params)
	if err != nil {
		return DoesNotExist, fmt.Errorf("failed to create room for %s: %w", alias, err)
	}
	if err = rr.onCreated(ctx, alias, roomID); err != nil {
		return DoesNotExist, err
	}
	return Exists, nil
}

var ErrInvalidAlias = errors.New("invalid room alias")

// ParseAlias splits #localpart:server.
func ParseAlias(alias id.RoomAlias) (localpart, server string, err error) {
	sigil, localpart, server := id.ParseCommonIdentifier(alias)
	if sigil != '#' || localpart == "" || server == "" {
		return "", "", fmt.Errorf("%w %q", ErrInvalidAlias, alias)
	}
	return localpart, server, nil
}
