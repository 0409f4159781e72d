package database

import (
	"context"
	"database/sql"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

type RoomQuery struct {
	db *dbutil.Database
	qh *dbutil.QueryHelper[*Room]
}

// Room is a provisioned room. Alias is empty for rooms that were only ever
// recorded through a membership join.
type Room struct {
	RoomID    id.RoomID
	Alias     id.RoomAlias
	CreatedAt time.Time
}

const (
	getRoomBaseQuery = `
		SELECT room_id, room_alias, created_ts FROM provisioned_room
	`
	getRoomByIDQuery    = getRoomBaseQuery + `WHERE room_id=$1`
	getRoomByAliasQuery = getRoomBaseQuery + `WHERE room_alias=$1`
	roomAliasExistsQuery = `
		SELECT COUNT(*) FROM provisioned_room WHERE room_alias=$1
	`
	upsertRoomQuery = `
		INSERT INTO provisioned_room (room_id, room_alias, created_ts) VALUES ($1, $2, $3)
		ON CONFLICT (room_id) DO UPDATE
			SET room_alias=COALESCE(excluded.room_alias, provisioned_room.room_alias)
	`
	ensureRoomQuery = `
		INSERT INTO provisioned_room (room_id, room_alias, created_ts) VALUES ($1, NULL, $2)
		ON CONFLICT (room_id) DO NOTHING
	`
)

func (rq *RoomQuery) GetByID(ctx context.Context, roomID id.RoomID) (*Room, error) {
	return rq.qh.QueryOne(ctx, getRoomByIDQuery, roomID)
}

func (rq *RoomQuery) GetByAlias(ctx context.Context, alias id.RoomAlias) (*Room, error) {
	return rq.qh.QueryOne(ctx, getRoomByAliasQuery, alias)
}

func (rq *RoomQuery) ExistsByAlias(ctx context.Context, alias id.RoomAlias) (bool, error) {
	var count int
	err := rq.db.QueryRow(ctx, roomAliasExistsQuery, alias).Scan(&count)
	return count > 0, err
}

// Upsert inserts the room or fills in its alias. An existing alias is never
// cleared by a room without one.
func (rq *RoomQuery) Upsert(ctx context.Context, room *Room) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}
	return rq.qh.Exec(ctx, upsertRoomQuery, room.RoomID, dbutil.StrPtr(room.Alias), room.CreatedAt.UnixMilli())
}

// EnsureExists inserts a bare record for the room if there is none yet.
func (rq *RoomQuery) EnsureExists(ctx context.Context, roomID id.RoomID) error {
	return rq.qh.Exec(ctx, ensureRoomQuery, roomID, time.Now().UnixMilli())
}

func (r *Room) Scan(row dbutil.Scannable) (*Room, error) {
	var alias sql.NullString
	var createdTS int64
	err := row.Scan(&r.RoomID, &alias, &createdTS)
	if err != nil {
		return nil, err
	}
	r.Alias = id.RoomAlias(alias.String)
	r.CreatedAt = time.UnixMilli(createdTS)
	return r, nil
}
