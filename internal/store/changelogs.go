package store

import (
	"context"
	"time"
)

// Change types produced by the M3U change detector.
const (
	ChangeGroupAdded     = "group_added"
	ChangeGroupRemoved   = "group_removed"
	ChangeStreamsAdded   = "streams_added"
	ChangeStreamsRemoved = "streams_removed"
	ChangeGroupEnabled   = "group_enabled"
	ChangeGroupDisabled  = "group_disabled"
)

// M3UChangeLog is one typed change record. StreamNames holds a sampled
// subset capped at the configured maximum; Count is the full diff size.
type M3UChangeLog struct {
	ID           int64      `json:"id"`
	M3UAccountID int64      `json:"m3u_account_id"`
	ChangeTime   time.Time  `json:"change_time"`
	ChangeType   string     `json:"change_type"`
	GroupName    string     `json:"group_name,omitempty"`
	Count        int        `json:"count"`
	StreamNames  []string   `json:"stream_names,omitempty"`
	Enabled      *bool      `json:"enabled,omitempty"`
	DigestedAt   *time.Time `json:"digested_at,omitempty"`
}

// UndigestedChanges returns change rows not yet folded into a digest,
// oldest first.
func (db *DB) UndigestedChanges(ctx context.Context) ([]M3UChangeLog, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, m3u_account_id, change_time, change_type, group_name, count, stream_names, enabled
		FROM m3u_change_logs WHERE digested_at IS NULL ORDER BY change_time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []M3UChangeLog
	for rows.Next() {
		var c M3UChangeLog
		if err := rows.Scan(&c.ID, &c.M3UAccountID, &c.ChangeTime, &c.ChangeType,
			&c.GroupName, &c.Count, &c.StreamNames, &c.Enabled); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// MarkChangesDigested stamps the given change rows as sent.
func (db *DB) MarkChangesDigested(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.Pool.Exec(ctx,
		`UPDATE m3u_change_logs SET digested_at = now() WHERE id = ANY($1)`, ids)
	return err
}

// ListChangeLogs returns change history for an account (accountID 0 = all),
// newest first.
func (db *DB) ListChangeLogs(ctx context.Context, accountID int64, limit, offset int) ([]M3UChangeLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT id, m3u_account_id, change_time, change_type, group_name, count, stream_names, enabled, digested_at
		FROM m3u_change_logs
		WHERE ($1::bigint = 0 OR m3u_account_id = $1)
		ORDER BY change_time DESC LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []M3UChangeLog
	for rows.Next() {
		var c M3UChangeLog
		if err := rows.Scan(&c.ID, &c.M3UAccountID, &c.ChangeTime, &c.ChangeType,
			&c.GroupName, &c.Count, &c.StreamNames, &c.Enabled, &c.DigestedAt); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}
