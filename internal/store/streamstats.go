package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// Probe statuses.
const (
	ProbeSuccess = "success"
	ProbeFailed  = "failed"
	ProbePending = "pending"
	ProbeUnknown = "unknown"
)

// StreamStats is the probe engine's per-stream state. consecutive_failures
// resets to 0 on any success or explicit clearing.
type StreamStats struct {
	StreamID            int64      `json:"stream_id"`
	StreamName          string     `json:"stream_name"`
	ProbeStatus         string     `json:"probe_status"`
	LastProbedAt        *time.Time `json:"last_probed_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Resolution          string     `json:"resolution,omitempty"`
	BitrateKbps         int        `json:"bitrate_kbps,omitempty"`
	VideoCodec          string     `json:"video_codec,omitempty"`
	AudioCodec          string     `json:"audio_codec,omitempty"`
	DismissedAt         *time.Time `json:"dismissed_at,omitempty"`
}

// RecordProbeSuccess stores probe results and resets the failure counter.
func (db *DB) RecordProbeSuccess(ctx context.Context, streamID int64, name, resolution string, bitrateKbps int, videoCodec, audioCodec string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO stream_stats (stream_id, stream_name, probe_status, last_probed_at,
		                          consecutive_failures, resolution, bitrate_kbps, video_codec, audio_codec)
		VALUES ($1, $2, 'success', now(), 0, $3, $4, $5, $6)
		ON CONFLICT (stream_id) DO UPDATE SET
			stream_name          = COALESCE(NULLIF($2, ''), stream_stats.stream_name),
			probe_status         = 'success',
			last_probed_at       = now(),
			consecutive_failures = 0,
			resolution           = $3,
			bitrate_kbps         = $4,
			video_codec          = $5,
			audio_codec          = $6,
			dismissed_at         = NULL`,
		streamID, name, resolution, bitrateKbps, videoCodec, audioCodec)
	return err
}

// RecordProbeFailure marks a failed probe and bumps the failure counter.
func (db *DB) RecordProbeFailure(ctx context.Context, streamID int64, name string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO stream_stats (stream_id, stream_name, probe_status, last_probed_at, consecutive_failures)
		VALUES ($1, $2, 'failed', now(), 1)
		ON CONFLICT (stream_id) DO UPDATE SET
			stream_name          = COALESCE(NULLIF($2, ''), stream_stats.stream_name),
			probe_status         = 'failed',
			last_probed_at       = now(),
			consecutive_failures = stream_stats.consecutive_failures + 1`,
		streamID, name)
	return err
}

func (db *DB) GetStreamStats(ctx context.Context, streamID int64) (*StreamStats, error) {
	var s StreamStats
	err := db.Pool.QueryRow(ctx, `
		SELECT stream_id, stream_name, probe_status, last_probed_at, consecutive_failures,
		       resolution, bitrate_kbps, video_codec, audio_codec, dismissed_at
		FROM stream_stats WHERE stream_id = $1`, streamID,
	).Scan(&s.StreamID, &s.StreamName, &s.ProbeStatus, &s.LastProbedAt, &s.ConsecutiveFailures,
		&s.Resolution, &s.BitrateKbps, &s.VideoCodec, &s.AudioCodec, &s.DismissedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// StatsForStreams returns stats keyed by stream id for the given set.
func (db *DB) StatsForStreams(ctx context.Context, streamIDs []int64) (map[int64]StreamStats, error) {
	out := make(map[int64]StreamStats, len(streamIDs))
	if len(streamIDs) == 0 {
		return out, nil
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT stream_id, stream_name, probe_status, last_probed_at, consecutive_failures,
		       resolution, bitrate_kbps, video_codec, audio_codec, dismissed_at
		FROM stream_stats WHERE stream_id = ANY($1)`, streamIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var s StreamStats
		if err := rows.Scan(&s.StreamID, &s.StreamName, &s.ProbeStatus, &s.LastProbedAt,
			&s.ConsecutiveFailures, &s.Resolution, &s.BitrateKbps, &s.VideoCodec,
			&s.AudioCodec, &s.DismissedAt); err != nil {
			return nil, err
		}
		out[s.StreamID] = s
	}
	return out, rows.Err()
}

// StruckOutStreams lists streams whose failure counter has reached the
// threshold. Threshold <= 0 disables the feature and returns nothing.
func (db *DB) StruckOutStreams(ctx context.Context, threshold int) ([]StreamStats, error) {
	if threshold <= 0 {
		return nil, nil
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT stream_id, stream_name, probe_status, last_probed_at, consecutive_failures,
		       resolution, bitrate_kbps, video_codec, audio_codec, dismissed_at
		FROM stream_stats
		WHERE consecutive_failures >= $1 AND dismissed_at IS NULL
		ORDER BY consecutive_failures DESC, stream_id`, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StreamStats
	for rows.Next() {
		var s StreamStats
		if err := rows.Scan(&s.StreamID, &s.StreamName, &s.ProbeStatus, &s.LastProbedAt,
			&s.ConsecutiveFailures, &s.Resolution, &s.BitrateKbps, &s.VideoCodec,
			&s.AudioCodec, &s.DismissedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ResetFailureCounters clears consecutive_failures for the given streams.
func (db *DB) ResetFailureCounters(ctx context.Context, streamIDs []int64) error {
	if len(streamIDs) == 0 {
		return nil
	}
	_, err := db.Pool.Exec(ctx,
		`UPDATE stream_stats SET consecutive_failures = 0 WHERE stream_id = ANY($1)`, streamIDs)
	return err
}

// DismissStream hides a struck-out stream from the operator view without
// touching its counters.
func (db *DB) DismissStream(ctx context.Context, streamID int64) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE stream_stats SET dismissed_at = now() WHERE stream_id = $1`, streamID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
