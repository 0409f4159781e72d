// matrix-appservice-bot - A Matrix application service bot framework.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package database

import (
	"context"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	_ "go.mau.fi/util/dbutil/litestream"
)

// Database groups the bot's tables. Everything is keyed by Matrix IDs and
// no query spans more than one entity except membership recording.
type Database struct {
	*dbutil.Database

	Event *ProcessedEventQuery
	Room  *RoomQuery
	User  *UserQuery
	KV    *KVQuery
}

func New(db *dbutil.Database) *Database {
	return &Database{
		Database: db,
		Event:    &ProcessedEventQuery{db: db},
		Room: &RoomQuery{
			db: db,
			qh: dbutil.MakeQueryHelper(db, func(_ *dbutil.QueryHelper[*Room]) *Room { return &Room{} }),
		},
		User: &UserQuery{
			db: db,
			qh: dbutil.MakeQueryHelper(db, func(_ *dbutil.QueryHelper[*User]) *User { return &User{} }),
		},
		KV: &KVQuery{db: db},
	}
}

// Open connects using the given pool config. The sqlite3-fk-wal driver
// (foreign keys + WAL) is registered by the litestream import.
func Open(ctx context.Context, cfg dbutil.Config, log zerolog.Logger) (*Database, error) {
	raw, err := dbutil.NewFromConfig("appservice-bot", cfg, dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger()))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db := New(raw)
	if err = db.EnsureSchema(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return db, nil
}

func (db *Database) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS processed_event (
			txn_id       TEXT   NOT NULL,
			event_id     TEXT   NOT NULL,
			processed_ts BIGINT NOT NULL,
			PRIMARY KEY (txn_id, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS provisioned_room (
			room_id    TEXT   NOT NULL PRIMARY KEY,
			room_alias TEXT   UNIQUE,
			created_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS provisioned_user (
			user_id    TEXT   NOT NULL PRIMARY KEY,
			created_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS room_membership (
			room_id   TEXT   NOT NULL,
			user_id   TEXT   NOT NULL,
			joined_ts BIGINT NOT NULL,
			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY (room_id) REFERENCES provisioned_room(room_id) ON DELETE CASCADE,
			FOREIGN KEY (user_id) REFERENCES provisioned_user(user_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS bot_state (
			key   TEXT NOT NULL PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS processed_event_ts_idx ON processed_event (processed_ts)`,
		`CREATE INDEX IF NOT EXISTS room_membership_user_idx ON room_membership (user_id)`,
	}
	for _, query := range queries {
		if _, err := db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}
