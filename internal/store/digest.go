package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
)

// Digest frequencies.
const (
	DigestImmediate = "immediate"
	DigestHourly    = "hourly"
	DigestDaily     = "daily"
	DigestWeekly    = "weekly"
)

// DigestSettings controls M3U change digests. Exclude patterns are validated
// as regexes at write time.
type DigestSettings struct {
	Enabled               bool     `json:"enabled"`
	Frequency             string   `json:"frequency"`
	EmailRecipients       []string `json:"email_recipients"`
	SendToDiscord         bool     `json:"send_to_discord"`
	IncludeGroupChanges   bool     `json:"include_group_changes"`
	IncludeStreamChanges  bool     `json:"include_stream_changes"`
	ShowDetailedList      bool     `json:"show_detailed_list"`
	MinChangesThreshold   int      `json:"min_changes_threshold"`
	ExcludeGroupPatterns  []string `json:"exclude_group_patterns"`
	ExcludeStreamPatterns []string `json:"exclude_stream_patterns"`
}

// Validate rejects malformed digest settings before they are stored.
func (s *DigestSettings) Validate() error {
	switch s.Frequency {
	case DigestImmediate, DigestHourly, DigestDaily, DigestWeekly:
	default:
		return fmt.Errorf("invalid digest frequency %q", s.Frequency)
	}
	if s.MinChangesThreshold < 1 {
		return errors.New("min_changes_threshold must be >= 1")
	}
	for _, p := range s.ExcludeGroupPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid exclude_group_pattern %q: %w", p, err)
		}
	}
	for _, p := range s.ExcludeStreamPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid exclude_stream_pattern %q: %w", p, err)
		}
	}
	return nil
}

// DefaultDigestSettings are used until the operator saves their own.
func DefaultDigestSettings() DigestSettings {
	return DigestSettings{
		Frequency:            DigestDaily,
		IncludeGroupChanges:  true,
		IncludeStreamChanges: true,
		ShowDetailedList:     true,
		MinChangesThreshold:  1,
	}
}

func (db *DB) GetDigestSettings(ctx context.Context) (DigestSettings, error) {
	var raw []byte
	err := db.Pool.QueryRow(ctx, `SELECT settings FROM digest_settings WHERE id = 1`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultDigestSettings(), nil
	}
	if err != nil {
		return DigestSettings{}, err
	}
	var s DigestSettings
	if err := json.Unmarshal(raw, &s); err != nil {
		return DigestSettings{}, err
	}
	return s, nil
}

func (db *DB) SaveDigestSettings(ctx context.Context, s DigestSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO digest_settings (id, settings) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET settings = $1`, raw)
	return err
}
