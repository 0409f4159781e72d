package database

import (
	"context"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

type UserQuery struct {
	db *dbutil.Database
	qh *dbutil.QueryHelper[*User]
}

// User is a provisioned user. Rooms is only filled by GetByID.
type User struct {
	UserID    id.UserID
	CreatedAt time.Time
	Rooms     []id.RoomID
}

const (
	getUserByIDQuery = `
		SELECT user_id, created_ts FROM provisioned_user WHERE user_id=$1
	`
	ensureUserQuery = `
		INSERT INTO provisioned_user (user_id, created_ts) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`
	getUserRoomsQuery = `
		SELECT room_id FROM room_membership WHERE user_id=$1 ORDER BY joined_ts, room_id
	`
	addMembershipQuery = `
		INSERT INTO room_membership (room_id, user_id, joined_ts) VALUES ($1, $2, $3)
		ON CONFLICT (room_id, user_id) DO NOTHING
	`
	countMembershipQuery = `
		SELECT COUNT(*) FROM room_membership WHERE room_id=$1 AND user_id=$2
	`
)

func (uq *UserQuery) GetByID(ctx context.Context, userID id.UserID) (*User, error) {
	user, err := uq.qh.QueryOne(ctx, getUserByIDQuery, userID)
	if err != nil || user == nil {
		return user, err
	}
	user.Rooms, err = uq.GetRooms(ctx, userID)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (uq *UserQuery) GetRooms(ctx context.Context, userID id.UserID) ([]id.RoomID, error) {
	rows, err := uq.db.Query(ctx, getUserRoomsQuery, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	rooms := make([]id.RoomID, 0)
	for rows.Next() {
		var roomID id.RoomID
		if err = rows.Scan(&roomID); err != nil {
			return nil, err
		}
		rooms = append(rooms, roomID)
	}
	return rooms, rows.Err()
}

// EnsureExists inserts a bare record for the user if there is none yet.
func (uq *UserQuery) EnsureExists(ctx context.Context, userID id.UserID) error {
	return uq.qh.Exec(ctx, ensureUserQuery, userID, time.Now().UnixMilli())
}

// AddMembership links the user to the room. Both records must exist.
func (uq *UserQuery) AddMembership(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	return uq.qh.Exec(ctx, addMembershipQuery, roomID, userID, time.Now().UnixMilli())
}

func (uq *UserQuery) HasMembership(ctx context.Context, roomID id.RoomID, userID id.UserID) (bool, error) {
	var count int
	err := uq.db.QueryRow(ctx, countMembershipQuery, roomID, userID).Scan(&count)
	return count > 0, err
}

func (u *User) Scan(row dbutil.Scannable) (*User, error) {
	var createdTS int64
	err := row.Scan(&u.UserID, &createdTS)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = time.UnixMilli(createdTS)
	return u, nil
}
