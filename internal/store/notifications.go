package store

import (
	"context"
	"encoding/json"
	"time"
)

// Notification types.
const (
	NotifyInfo    = "info"
	NotifySuccess = "success"
	NotifyWarning = "warning"
	NotifyError   = "error"
)

type Notification struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	Title       string          `json:"title,omitempty"`
	Message     string          `json:"message"`
	Source      string          `json:"source"`
	SourceID    string          `json:"source_id,omitempty"`
	ActionLabel string          `json:"action_label,omitempty"`
	ActionURL   string          `json:"action_url,omitempty"`
	ExtraData   json.RawMessage `json:"extra_data,omitempty"`
	Read        bool            `json:"read"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (db *DB) InsertNotification(ctx context.Context, n *Notification) error {
	extra := n.ExtraData
	if len(extra) == 0 {
		extra = json.RawMessage(`{}`)
	}
	return db.Pool.QueryRow(ctx, `
		INSERT INTO notifications (type, title, message, source, source_id, action_label, action_url, extra_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id, created_at`,
		n.Type, n.Title, n.Message, n.Source, n.SourceID, n.ActionLabel, n.ActionURL, extra,
	).Scan(&n.ID, &n.CreatedAt)
}

// UpdateNotification rewrites message/type/extra for in-progress status rows.
func (db *DB) UpdateNotification(ctx context.Context, n *Notification) error {
	extra := n.ExtraData
	if len(extra) == 0 {
		extra = json.RawMessage(`{}`)
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE notifications SET type = $2, title = $3, message = $4, extra_data = $5
		WHERE id = $1`,
		n.ID, n.Type, n.Title, n.Message, extra)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) ListNotifications(ctx context.Context, unreadOnly bool, limit, offset int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT id, type, title, message, source, source_id, action_label, action_url, extra_data, read, created_at
		FROM notifications
		WHERE (NOT $1::boolean OR NOT read)
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, unreadOnly, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.Type, &n.Title, &n.Message, &n.Source, &n.SourceID,
			&n.ActionLabel, &n.ActionURL, &n.ExtraData, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkAllNotificationsRead flips every unread notification and returns how
// many rows changed.
func (db *DB) MarkAllNotificationsRead(ctx context.Context) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `UPDATE notifications SET read = true WHERE NOT read`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (db *DB) DeleteNotification(ctx context.Context, id int64) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) MarkNotificationRead(ctx context.Context, id int64, read bool) error {
	tag, err := db.Pool.Exec(ctx, `UPDATE notifications SET read = $2 WHERE id = $1`, id, read)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteNotificationsBySource removes notifications for a source/source_id
// pair (used to clear in-progress status rows).
func (db *DB) DeleteNotificationsBySource(ctx context.Context, source, sourceID string) (int64, error) {
	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM notifications WHERE source = $1 AND source_id = $2`, source, sourceID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
