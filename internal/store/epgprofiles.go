package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// EPGProfile configures XMLTV synthesis for a set of channels.
// Substitutions and Variants are tagged JSON validated by the xmltv
// package at write time.
type EPGProfile struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Enabled         bool            `json:"enabled"`
	TvgIDTemplate   string          `json:"tvg_id_template"`
	EventTimezone   string          `json:"event_timezone"`
	OutputTimezone  string          `json:"output_timezone,omitempty"`
	Substitutions   json.RawMessage `json:"substitutions"`
	Variants        json.RawMessage `json:"variants"`
	ChannelGroupIDs []int64         `json:"channel_group_ids,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (db *DB) ListEPGProfiles(ctx context.Context) ([]EPGProfile, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, name, enabled, tvg_id_template, event_timezone, output_timezone,
		       substitutions, variants, channel_group_ids, created_at
		FROM epg_profiles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []EPGProfile
	for rows.Next() {
		var p EPGProfile
		if err := rows.Scan(&p.ID, &p.Name, &p.Enabled, &p.TvgIDTemplate, &p.EventTimezone,
			&p.OutputTimezone, &p.Substitutions, &p.Variants, &p.ChannelGroupIDs, &p.CreatedAt); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (db *DB) GetEPGProfile(ctx context.Context, id int64) (*EPGProfile, error) {
	var p EPGProfile
	err := db.Pool.QueryRow(ctx, `
		SELECT id, name, enabled, tvg_id_template, event_timezone, output_timezone,
		       substitutions, variants, channel_group_ids, created_at
		FROM epg_profiles WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Enabled, &p.TvgIDTemplate, &p.EventTimezone,
		&p.OutputTimezone, &p.Substitutions, &p.Variants, &p.ChannelGroupIDs, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (db *DB) CreateEPGProfile(ctx context.Context, p *EPGProfile) error {
	return db.Pool.QueryRow(ctx, `
		INSERT INTO epg_profiles (name, enabled, tvg_id_template, event_timezone,
		                          output_timezone, substitutions, variants, channel_group_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id, created_at`,
		p.Name, p.Enabled, p.TvgIDTemplate, p.EventTimezone, p.OutputTimezone,
		orEmptyJSON(p.Substitutions), orEmptyJSON(p.Variants), orEmptyIDs(p.ChannelGroupIDs),
	).Scan(&p.ID, &p.CreatedAt)
}

func (db *DB) UpdateEPGProfile(ctx context.Context, p *EPGProfile) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE epg_profiles SET name = $2, enabled = $3, tvg_id_template = $4,
		       event_timezone = $5, output_timezone = $6, substitutions = $7,
		       variants = $8, channel_group_ids = $9
		WHERE id = $1`,
		p.ID, p.Name, p.Enabled, p.TvgIDTemplate, p.EventTimezone, p.OutputTimezone,
		orEmptyJSON(p.Substitutions), orEmptyJSON(p.Variants), orEmptyIDs(p.ChannelGroupIDs))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) DeleteEPGProfile(ctx context.Context, id int64) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM epg_profiles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func orEmptyJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`[]`)
	}
	return raw
}
