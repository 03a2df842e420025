package store

import "context"

// TagGroup collects tags matched by tag_group rule conditions.
type TagGroup struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

type Tag struct {
	ID            int64  `json:"id"`
	GroupID       int64  `json:"group_id"`
	Value         string `json:"value"`
	CaseSensitive bool   `json:"case_sensitive"`
	Enabled       bool   `json:"enabled"`
}

func (db *DB) ListTagGroups(ctx context.Context) ([]TagGroup, error) {
	rows, err := db.Pool.Query(ctx, `SELECT id, name, enabled FROM tag_groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []TagGroup
	for rows.Next() {
		var g TagGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.Enabled); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// TagsForGroup returns the enabled tags of one group.
func (db *DB) TagsForGroup(ctx context.Context, groupID int64) ([]Tag, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, group_id, value, case_sensitive, enabled
		FROM tags WHERE group_id = $1 AND enabled ORDER BY id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.GroupID, &t.Value, &t.CaseSensitive, &t.Enabled); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (db *DB) CreateTagGroup(ctx context.Context, g *TagGroup) error {
	return db.Pool.QueryRow(ctx,
		`INSERT INTO tag_groups (name, enabled) VALUES ($1, $2) RETURNING id`,
		g.Name, g.Enabled,
	).Scan(&g.ID)
}

func (db *DB) DeleteTagGroup(ctx context.Context, id int64) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM tag_groups WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) CreateTag(ctx context.Context, t *Tag) error {
	return db.Pool.QueryRow(ctx, `
		INSERT INTO tags (group_id, value, case_sensitive, enabled)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		t.GroupID, t.Value, t.CaseSensitive, t.Enabled,
	).Scan(&t.ID)
}

func (db *DB) DeleteTag(ctx context.Context, id int64) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM tags WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
