package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// Execution statuses for auto-creation runs.
const (
	ExecRunning    = "running"
	ExecCompleted  = "completed"
	ExecFailed     = "failed"
	ExecCancelled  = "cancelled"
	ExecRolledBack = "rolled_back"
)

// Orphan actions for auto-created channels whose source streams vanished.
const (
	OrphanDelete  = "delete"
	OrphanKeep    = "keep"
	OrphanDisable = "disable"
)

// AutoCreationRule materializes channels and groups from raw streams.
// Conditions and Actions are tagged-variant JSON validated by the
// autocreate package at write time.
type AutoCreationRule struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	Enabled          bool            `json:"enabled"`
	Priority         int             `json:"priority"`
	Conditions       json.RawMessage `json:"conditions"`
	Actions          json.RawMessage `json:"actions"`
	RunOnRefresh     bool            `json:"run_on_refresh"`
	StopOnFirstMatch bool            `json:"stop_on_first_match"`
	SortOrder        string          `json:"sort_order"`
	OrphanAction     string          `json:"orphan_action"`
}

// ExecutionConflict records a rule collision or a per-entity apply failure.
type ExecutionConflict struct {
	RuleID     int64  `json:"rule_id,omitempty"`
	StreamID   int64  `json:"stream_id,omitempty"`
	ChannelKey string `json:"channel_key,omitempty"`
	Reason     string `json:"reason"`
}

// AutoCreationExecution is one pipeline run. Created entity ids are retained
// to power rollback.
type AutoCreationExecution struct {
	ID                int64               `json:"id"`
	RuleID            *int64              `json:"rule_id,omitempty"`
	RuleName          string              `json:"rule_name"`
	Mode              string              `json:"mode"`
	TriggeredBy       string              `json:"triggered_by"`
	StartedAt         time.Time           `json:"started_at"`
	FinishedAt        *time.Time          `json:"finished_at,omitempty"`
	Status            string              `json:"status"`
	StreamsEvaluated  int                 `json:"streams_evaluated"`
	StreamsMatched    int                 `json:"streams_matched"`
	ChannelsCreated   int                 `json:"channels_created"`
	ChannelsUpdated   int                 `json:"channels_updated"`
	ChannelsRemoved   int                 `json:"channels_removed"`
	GroupsCreated     int                 `json:"groups_created"`
	StreamsMerged     int                 `json:"streams_merged"`
	Conflicts         []ExecutionConflict `json:"conflicts"`
	CreatedChannelIDs []int64             `json:"created_channel_ids"`
	CreatedGroupIDs   []int64             `json:"created_group_ids"`
	Details           json.RawMessage     `json:"details,omitempty"`
}

func (db *DB) ListAutoCreationRules(ctx context.Context) ([]AutoCreationRule, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, name, enabled, priority, conditions, actions, run_on_refresh,
		       stop_on_first_match, sort_order, orphan_action
		FROM autocreate_rules ORDER BY priority, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []AutoCreationRule
	for rows.Next() {
		var r AutoCreationRule
		if err := rows.Scan(&r.ID, &r.Name, &r.Enabled, &r.Priority, &r.Conditions,
			&r.Actions, &r.RunOnRefresh, &r.StopOnFirstMatch, &r.SortOrder, &r.OrphanAction); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (db *DB) CreateAutoCreationRule(ctx context.Context, r *AutoCreationRule) error {
	return db.Pool.QueryRow(ctx, `
		INSERT INTO autocreate_rules (name, enabled, priority, conditions, actions,
		                              run_on_refresh, stop_on_first_match, sort_order, orphan_action)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		r.Name, r.Enabled, r.Priority, r.Conditions, r.Actions,
		r.RunOnRefresh, r.StopOnFirstMatch, r.SortOrder, r.OrphanAction,
	).Scan(&r.ID)
}

func (db *DB) UpdateAutoCreationRule(ctx context.Context, r *AutoCreationRule) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE autocreate_rules SET name = $2, enabled = $3, priority = $4, conditions = $5,
		       actions = $6, run_on_refresh = $7, stop_on_first_match = $8, sort_order = $9,
		       orphan_action = $10
		WHERE id = $1`,
		r.ID, r.Name, r.Enabled, r.Priority, r.Conditions, r.Actions,
		r.RunOnRefresh, r.StopOnFirstMatch, r.SortOrder, r.OrphanAction)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) DeleteAutoCreationRule(ctx context.Context, id int64) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM autocreate_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertExecution creates a running execution row and fills in its id and
// start time.
func (db *DB) InsertExecution(ctx context.Context, e *AutoCreationExecution) error {
	conflicts, err := json.Marshal(orEmptyConflicts(e.Conflicts))
	if err != nil {
		return err
	}
	return db.Pool.QueryRow(ctx, `
		INSERT INTO autocreate_executions (rule_id, rule_name, mode, triggered_by, status, conflicts)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, started_at`,
		e.RuleID, e.RuleName, e.Mode, e.TriggeredBy, ExecRunning, conflicts,
	).Scan(&e.ID, &e.StartedAt)
}

// FinishExecution writes the terminal state of an execution.
func (db *DB) FinishExecution(ctx context.Context, e *AutoCreationExecution) error {
	conflicts, err := json.Marshal(orEmptyConflicts(e.Conflicts))
	if err != nil {
		return err
	}
	details := e.Details
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	e.FinishedAt = &now
	_, err = db.Pool.Exec(ctx, `
		UPDATE autocreate_executions SET finished_at = $2, status = $3,
		       streams_evaluated = $4, streams_matched = $5, channels_created = $6,
		       channels_updated = $7, channels_removed = $8, groups_created = $9, streams_merged = $10,
		       conflicts = $11, created_channel_ids = $12, created_group_ids = $13, details = $14
		WHERE id = $1`,
		e.ID, now, e.Status, e.StreamsEvaluated, e.StreamsMatched, e.ChannelsCreated,
		e.ChannelsUpdated, e.ChannelsRemoved, e.GroupsCreated, e.StreamsMerged, conflicts,
		orEmptyIDs(e.CreatedChannelIDs), orEmptyIDs(e.CreatedGroupIDs), details)
	return err
}

func (db *DB) GetExecution(ctx context.Context, id int64) (*AutoCreationExecution, error) {
	var e AutoCreationExecution
	var conflicts []byte
	err := db.Pool.QueryRow(ctx, `
		SELECT id, rule_id, rule_name, mode, triggered_by, started_at, finished_at, status,
		       streams_evaluated, streams_matched, channels_created, channels_updated, channels_removed,
		       groups_created, streams_merged, conflicts, created_channel_ids, created_group_ids, details
		FROM autocreate_executions WHERE id = $1`, id,
	).Scan(&e.ID, &e.RuleID, &e.RuleName, &e.Mode, &e.TriggeredBy, &e.StartedAt, &e.FinishedAt,
		&e.Status, &e.StreamsEvaluated, &e.StreamsMatched, &e.ChannelsCreated, &e.ChannelsUpdated,
		&e.ChannelsRemoved, &e.GroupsCreated, &e.StreamsMerged, &conflicts, &e.CreatedChannelIDs, &e.CreatedGroupIDs, &e.Details)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(conflicts, &e.Conflicts); err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkExecutionRolledBack zeroes the created-entity bookkeeping after rollback.
func (db *DB) MarkExecutionRolledBack(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE autocreate_executions SET status = $2, channels_created = 0, groups_created = 0,
		       created_channel_ids = '{}', created_group_ids = '{}'
		WHERE id = $1`, id, ExecRolledBack)
	return err
}

func (db *DB) ListExecutions(ctx context.Context, limit, offset int) ([]AutoCreationExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT id, rule_id, rule_name, mode, triggered_by, started_at, finished_at, status,
		       streams_evaluated, streams_matched, channels_created, channels_updated, channels_removed,
		       groups_created, streams_merged, conflicts, created_channel_ids, created_group_ids, details
		FROM autocreate_executions ORDER BY started_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []AutoCreationExecution
	for rows.Next() {
		var e AutoCreationExecution
		var conflicts []byte
		if err := rows.Scan(&e.ID, &e.RuleID, &e.RuleName, &e.Mode, &e.TriggeredBy, &e.StartedAt,
			&e.FinishedAt, &e.Status, &e.StreamsEvaluated, &e.StreamsMatched, &e.ChannelsCreated,
			&e.ChannelsUpdated, &e.ChannelsRemoved, &e.GroupsCreated, &e.StreamsMerged, &conflicts,
			&e.CreatedChannelIDs, &e.CreatedGroupIDs, &e.Details); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(conflicts, &e.Conflicts); err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func orEmptyConflicts(c []ExecutionConflict) []ExecutionConflict {
	if c == nil {
		return []ExecutionConflict{}
	}
	return c
}

func orEmptyIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
