package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Condition logic operators for compound rule conditions.
const (
	LogicAnd = "AND"
	LogicOr  = "OR"
)

// Condition types understood by the normalization engine.
const (
	CondAlways     = "always"
	CondContains   = "contains"
	CondStartsWith = "starts_with"
	CondEndsWith   = "ends_with"
	CondRegex      = "regex"
	CondTagGroup   = "tag_group"
)

// Action types understood by the normalization engine.
const (
	ActionRemove          = "remove"
	ActionReplace         = "replace"
	ActionRegexReplace    = "regex_replace"
	ActionStripPrefix     = "strip_prefix"
	ActionStripSuffix     = "strip_suffix"
	ActionNormalizePrefix = "normalize_prefix"
)

// RuleCondition is one element of a compound condition list.
type RuleCondition struct {
	Type          string `json:"type"`
	Value         string `json:"value,omitempty"`
	Negate        bool   `json:"negate,omitempty"`
	CaseSensitive *bool  `json:"case_sensitive,omitempty"`
}

// RuleGroup orders normalization rules. Priority is the sole ordering key;
// ties break by id.
type RuleGroup struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	Priority    int    `json:"priority"`
	IsBuiltin   bool   `json:"is_builtin"`

	Rules []Rule `json:"rules,omitempty"`
}

// Rule is a single normalization rule. When Conditions is non-empty it is
// authoritative and the legacy single ConditionType/ConditionValue pair is
// ignored.
type Rule struct {
	ID               int64           `json:"id"`
	GroupID          int64           `json:"group_id"`
	Name             string          `json:"name"`
	Enabled          bool            `json:"enabled"`
	Priority         int             `json:"priority"`
	ConditionType    string          `json:"condition_type,omitempty"`
	ConditionValue   string          `json:"condition_value,omitempty"`
	CaseSensitive    bool            `json:"case_sensitive"`
	Conditions       []RuleCondition `json:"conditions,omitempty"`
	ConditionLogic   string          `json:"condition_logic"`
	TagGroupID       *int64          `json:"tag_group_id,omitempty"`
	TagMatchPosition string          `json:"tag_match_position,omitempty"`
	ActionType       string          `json:"action_type"`
	ActionValue      string          `json:"action_value,omitempty"`
	ElseActionType   string          `json:"else_action_type,omitempty"`
	ElseActionValue  string          `json:"else_action_value,omitempty"`
	StopProcessing   bool            `json:"stop_processing"`
}

// Validate checks the invariant that a rule carries either a compound
// condition list or a legacy single condition.
func (r *Rule) Validate() error {
	if len(r.Conditions) == 0 && r.ConditionType == "" {
		return errors.New("rule requires conditions or a condition_type")
	}
	switch r.ConditionLogic {
	case "", LogicAnd, LogicOr:
	default:
		return fmt.Errorf("invalid condition_logic %q", r.ConditionLogic)
	}
	switch r.ActionType {
	case ActionRemove, ActionReplace, ActionRegexReplace, ActionStripPrefix, ActionStripSuffix, ActionNormalizePrefix:
	default:
		return fmt.Errorf("invalid action_type %q", r.ActionType)
	}
	return nil
}

// ListRuleGroups returns all rule groups ordered by priority then id, with
// their rules attached in evaluation order.
func (db *DB) ListRuleGroups(ctx context.Context) ([]RuleGroup, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, name, description, enabled, priority, is_builtin
		FROM rule_groups ORDER BY priority, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []RuleGroup
	byID := map[int64]int{}
	for rows.Next() {
		var g RuleGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.Enabled, &g.Priority, &g.IsBuiltin); err != nil {
			return nil, err
		}
		byID[g.ID] = len(groups)
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rrows, err := db.Pool.Query(ctx, `
		SELECT id, group_id, name, enabled, priority, condition_type, condition_value,
		       case_sensitive, conditions, condition_logic, tag_group_id, tag_match_position,
		       action_type, action_value, else_action_type, else_action_value, stop_processing
		FROM rules ORDER BY group_id, priority, id`)
	if err != nil {
		return nil, err
	}
	defer rrows.Close()

	for rrows.Next() {
		r, err := scanRule(rrows)
		if err != nil {
			return nil, err
		}
		if idx, ok := byID[r.GroupID]; ok {
			groups[idx].Rules = append(groups[idx].Rules, r)
		}
	}
	return groups, rrows.Err()
}

func scanRule(row pgx.Row) (Rule, error) {
	var r Rule
	var condJSON []byte
	err := row.Scan(&r.ID, &r.GroupID, &r.Name, &r.Enabled, &r.Priority,
		&r.ConditionType, &r.ConditionValue, &r.CaseSensitive, &condJSON,
		&r.ConditionLogic, &r.TagGroupID, &r.TagMatchPosition,
		&r.ActionType, &r.ActionValue, &r.ElseActionType, &r.ElseActionValue,
		&r.StopProcessing)
	if err != nil {
		return r, err
	}
	if len(condJSON) > 0 {
		if err := json.Unmarshal(condJSON, &r.Conditions); err != nil {
			return r, fmt.Errorf("rule %d conditions: %w", r.ID, err)
		}
	}
	return r, nil
}

func (db *DB) CreateRuleGroup(ctx context.Context, g *RuleGroup) error {
	return db.Pool.QueryRow(ctx, `
		INSERT INTO rule_groups (name, description, enabled, priority, is_builtin)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		g.Name, g.Description, g.Enabled, g.Priority, g.IsBuiltin,
	).Scan(&g.ID)
}

func (db *DB) UpdateRuleGroup(ctx context.Context, g *RuleGroup) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE rule_groups SET name = $2, description = $3, enabled = $4, priority = $5
		WHERE id = $1`,
		g.ID, g.Name, g.Description, g.Enabled, g.Priority)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRuleGroup removes a group; rules cascade.
func (db *DB) DeleteRuleGroup(ctx context.Context, id int64) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM rule_groups WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) CreateRule(ctx context.Context, r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	condJSON, err := json.Marshal(orEmptyConds(r.Conditions))
	if err != nil {
		return err
	}
	return db.Pool.QueryRow(ctx, `
		INSERT INTO rules (group_id, name, enabled, priority, condition_type, condition_value,
		                   case_sensitive, conditions, condition_logic, tag_group_id, tag_match_position,
		                   action_type, action_value, else_action_type, else_action_value, stop_processing)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`,
		r.GroupID, r.Name, r.Enabled, r.Priority, r.ConditionType, r.ConditionValue,
		r.CaseSensitive, condJSON, logicOrDefault(r.ConditionLogic), r.TagGroupID, r.TagMatchPosition,
		r.ActionType, r.ActionValue, r.ElseActionType, r.ElseActionValue, r.StopProcessing,
	).Scan(&r.ID)
}

func (db *DB) UpdateRule(ctx context.Context, r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	condJSON, err := json.Marshal(orEmptyConds(r.Conditions))
	if err != nil {
		return err
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE rules SET name = $2, enabled = $3, priority = $4, condition_type = $5,
		       condition_value = $6, case_sensitive = $7, conditions = $8, condition_logic = $9,
		       tag_group_id = $10, tag_match_position = $11, action_type = $12, action_value = $13,
		       else_action_type = $14, else_action_value = $15, stop_processing = $16
		WHERE id = $1`,
		r.ID, r.Name, r.Enabled, r.Priority, r.ConditionType, r.ConditionValue,
		r.CaseSensitive, condJSON, logicOrDefault(r.ConditionLogic), r.TagGroupID, r.TagMatchPosition,
		r.ActionType, r.ActionValue, r.ElseActionType, r.ElseActionValue, r.StopProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) DeleteRule(ctx context.Context, id int64) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func orEmptyConds(c []RuleCondition) []RuleCondition {
	if c == nil {
		return []RuleCondition{}
	}
	return c
}

func logicOrDefault(l string) string {
	if l == "" {
		return LogicAnd
	}
	return l
}
