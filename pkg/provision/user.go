package provision

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrix-appservice-bot/pkg/keylock"
)

type UserPolicy interface {
	ShouldProvisionUser(ctx context.Context, userID id.UserID) (bool, error)
	UserRegisterParameters(ctx context.Context, userID id.UserID) (*RegisterParams, error)
}

// RegisterParams are applied to a freshly registered user.
type RegisterParams struct {
	DisplayName string
}

// RegisterUserFunc performs the actual registration on the homeserver.
type RegisterUserFunc func(ctx context.Context, userID id.UserID, params *RegisterParams) error

type UserResolver struct {
	repo   Repository
	policy UserPolicy
	locks  *keylock.Map
	log    zerolog.Logger
}

func (ur *UserResolver) exists(ctx context.Context, userID id.UserID) (bool, error) {
	user, err := ur.repo.GetUser(ctx, userID)
	return user != nil, err
}

func (ur *UserResolver) ExistingState(ctx context.Context, userID id.UserID) (ExistingState, error) {
	return decide(ctx, userID, ur.exists, ur.policy.ShouldProvisionUser)
}

func (ur *UserResolver) RegisterParameters(ctx context.Context, userID id.UserID) (*RegisterParams, error) {
	params, err := ur.policy.UserRegisterParameters(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get register parameters for %s: %w", ErrPolicy, userID, err)
	} else if params == nil {
		params = &RegisterParams{}
	}
	return params, nil
}

// OnCreated persists a user after it was registered on the homeserver.
// Saving an already known user is a no-op.
func (ur *UserResolver) OnCreated(ctx context.Context, userID id.UserID) error {
	unlock := ur.locks.Lock(userKey(userID))
	defer unlock()
	return ur.onCreated(ctx, userID)
}

func (ur *UserResolver) onCreated(ctx context.Context, userID id.UserID) error {
	if err := ur.repo.EnsureUser(ctx, userID); err != nil {
		return fmt.Errorf("failed to save user %s: %w", userID, err)
	}
	ur.log.Debug().Str("user_id", string(userID)).Msg("Saved provisioned user")
	return nil
}

// Provision is the user counterpart of RoomResolver.Provision.
func (ur *UserResolver) Provision(ctx context.Context, userID id.UserID, register RegisterUserFunc) (ExistingState, error) {
	unlock := ur.locks.Lock(userKey(userID))
	defer unlock()

	state, err := ur.ExistingState(ctx, userID)
	if err != nil || state != CanBeCreated {
		return state, err
	}
	params, err := ur.RegisterParameters(ctx, userID)
	if err != nil {
		return DoesNotExist, err
	}
	if err = register(ctx, userID, params); err != nil {
		return DoesNotExist, fmt.Errorf("failed to register %s: %w", userID, err)
	}
	if err = ur.onCreated(ctx, userID); err != nil {
		return DoesNotExist, err
	}
	return Exists, nil
}
