package database

import (
	"context"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

type ProcessedEventQuery struct {
	db *dbutil.Database
}

const (
	isEventProcessedQuery = `
		SELECT COUNT(*) FROM processed_event WHERE txn_id=$1 AND event_id=$2
	`
	markEventProcessedQuery = `
		INSERT INTO processed_event (txn_id, event_id, processed_ts) VALUES ($1, $2, $3)
		ON CONFLICT (txn_id, event_id) DO NOTHING
	`
	deleteProcessedBeforeQuery = `
		DELETE FROM processed_event WHERE processed_ts < $1
	`
)

func (pq *ProcessedEventQuery) IsProcessed(ctx context.Context, txnID string, eventID id.EventID) (bool, error) {
	var count int
	err := pq.db.QueryRow(ctx, isEventProcessedQuery, txnID, eventID).Scan(&count)
	return count > 0, err
}

func (pq *ProcessedEventQuery) MarkProcessed(ctx context.Context, txnID string, eventID id.EventID, ts time.Time) error {
	_, err := pq.db.Exec(ctx, markEventProcessedQuery, txnID, eventID, ts.UnixMilli())
	return err
}

// DeleteBefore removes processed records older than the cutoff and returns
// how many were deleted.
func (pq *ProcessedEventQuery) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := pq.db.Exec(ctx, deleteProcessedBeforeQuery, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
