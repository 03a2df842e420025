package store

import (
	"context"
	"fmt"
	"time"
)

// PurgeOlderThan deletes rows older than the given retention period.
// Table and column names are hardcoded by callers (not user input).
func (db *DB) PurgeOlderThan(ctx context.Context, table, timeColumn string, retention time.Duration) (int64, error) {
	query := fmt.Sprintf(
		`DELETE FROM %s WHERE %s < now() - $1::interval`,
		table, timeColumn,
	)
	tag, err := db.Pool.Exec(ctx, query, retention.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PurgeReadNotifications deletes read notifications older than retention.
func (db *DB) PurgeReadNotifications(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM notifications WHERE read AND created_at < now() - $1::interval`,
		retention.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PurgeOldSnapshots keeps the newest snapshot per account and deletes older
// ones beyond the retention window. The newest row is always retained so the
// change detector keeps its baseline.
func (db *DB) PurgeOldSnapshots(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM m3u_snapshots s
		WHERE s.taken_at < now() - $1::interval
		  AND s.id <> (SELECT id FROM m3u_snapshots
		               WHERE m3u_account_id = s.m3u_account_id
		               ORDER BY taken_at DESC LIMIT 1)`,
		retention.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
