package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// SnapshotGroup is one upstream group as seen at snapshot time.
type SnapshotGroup struct {
	Name        string `json:"name"`
	StreamCount int    `json:"stream_count"`
	Enabled     bool   `json:"enabled"`
}

// M3USnapshot captures upstream group/stream state for one account. The
// change detector only consults the most recent snapshot per account; older
// rows are retained for audit until the cleanup task purges them.
type M3USnapshot struct {
	ID                 int64               `json:"id"`
	M3UAccountID       int64               `json:"m3u_account_id"`
	TakenAt            time.Time           `json:"taken_at"`
	Groups             []SnapshotGroup     `json:"groups"`
	StreamNamesByGroup map[string][]string `json:"stream_names_by_group"`
	TotalStreams       int                 `json:"total_streams"`
}

// LatestSnapshot returns the most recent snapshot for an account, or
// ErrNotFound if the account has never been snapshotted.
func (db *DB) LatestSnapshot(ctx context.Context, accountID int64) (*M3USnapshot, error) {
	var s M3USnapshot
	var groupsJSON, namesJSON []byte
	err := db.Pool.QueryRow(ctx, `
		SELECT id, m3u_account_id, taken_at, groups_json, stream_names_by_group, total_streams
		FROM m3u_snapshots WHERE m3u_account_id = $1
		ORDER BY taken_at DESC LIMIT 1`, accountID,
	).Scan(&s.ID, &s.M3UAccountID, &s.TakenAt, &groupsJSON, &namesJSON, &s.TotalStreams)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(groupsJSON, &s.Groups); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(namesJSON, &s.StreamNamesByGroup); err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveSnapshotWithChanges writes a snapshot and its change-log rows in one
// transaction, so readers never observe the snapshot without its changes.
func (db *DB) SaveSnapshotWithChanges(ctx context.Context, s *M3USnapshot, changes []M3UChangeLog) error {
	groupsJSON, err := json.Marshal(s.Groups)
	if err != nil {
		return err
	}
	if s.StreamNamesByGroup == nil {
		s.StreamNamesByGroup = map[string][]string{}
	}
	namesJSON, err := json.Marshal(s.StreamNamesByGroup)
	if err != nil {
		return err
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO m3u_snapshots (m3u_account_id, groups_json, stream_names_by_group, total_streams)
		VALUES ($1, $2, $3, $4) RETURNING id, taken_at`,
		s.M3UAccountID, groupsJSON, namesJSON, s.TotalStreams,
	).Scan(&s.ID, &s.TakenAt)
	if err != nil {
		return err
	}

	for i := range changes {
		c := &changes[i]
		err := tx.QueryRow(ctx, `
			INSERT INTO m3u_change_logs (m3u_account_id, change_type, group_name, count, stream_names, enabled)
			VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, change_time`,
			c.M3UAccountID, c.ChangeType, c.GroupName, c.Count, orEmptyStrings(c.StreamNames), c.Enabled,
		).Scan(&c.ID, &c.ChangeTime)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func orEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
