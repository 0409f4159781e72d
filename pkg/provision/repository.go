package provision

import (
	"context"

	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrix-appservice-bot/pkg/database"
)

// DBRepository adapts the SQL database to Repository.
type DBRepository struct {
	DB *database.Database
}

var _ Repository = (*DBRepository)(nil)

func NewDBRepository(db *database.Database) *DBRepository {
	return &DBRepository{DB: db}
}

func (dr *DBRepository) ExistsByAlias(ctx context.Context, alias id.RoomAlias) (bool, error) {
	return dr.DB.Room.ExistsByAlias(ctx, alias)
}

func (dr *DBRepository) GetRoom(ctx context.Context, roomID id.RoomID) (*database.Room, error) {
	return dr.DB.Room.GetByID(ctx, roomID)
}

func (dr *DBRepository) SaveRoom(ctx context.Context, room *database.Room) error {
	return dr.DB.Room.Upsert(ctx, room)
}

func (dr *DBRepository) EnsureRoom(ctx context.Context, roomID id.RoomID) error {
	return dr.DB.Room.EnsureExists(ctx, roomID)
}

func (dr *DBRepository) GetUser(ctx context.Context, userID id.UserID) (*database.User, error) {
	return dr.DB.User.GetByID(ctx, userID)
}

func (dr *DBRepository) EnsureUser(ctx context.Context, userID id.UserID) error {
	return dr.DB.User.EnsureExists(ctx, userID)
}

func (dr *DBRepository) AddMembership(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	return dr.DB.User.AddMembership(ctx, roomID, userID)
}

func (dr *DBRepository) DoTxn(ctx context.Context, fn func(ctx context.Context) error) error {
	return dr.DB.DoTxn(ctx, nil, fn)
}
