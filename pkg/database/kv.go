package database

import (
	"context"
	"database/sql"
	"errors"

	"go.mau.fi/util/dbutil"
)

type KVQuery struct {
	db *dbutil.Database
}

type Key string

const (
	KeySyncToken Key = "sync_token"
)

const (
	getKVQuery = `SELECT value FROM bot_state WHERE key=$1`
	setKVQuery = `
		INSERT INTO bot_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value=excluded.value
	`
)

// Get returns an empty string if the key has never been set.
func (kq *KVQuery) Get(ctx context.Context, key Key) (string, error) {
	var value string
	err := kq.db.QueryRow(ctx, getKVQuery, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (kq *KVQuery) Set(ctx context.Context, key Key, value string) error {
	_, err := kq.db.Exec(ctx, setKVQuery, key, value)
	return err
}
