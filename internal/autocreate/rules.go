// Package autocreate materializes channels and channel groups from raw
// streams according to operator rules. Rules carry tagged-variant condition
// and action records; runs build a plan first and apply it through the
// upstream API afterwards, so dry runs and rollback come for free.
package autocreate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/snarg/ecm/internal/retext"
	"github.com/snarg/ecm/internal/store"
	"github.com/snarg/ecm/internal/upstream"
)

// Condition discriminants.
const (
	CondNameContains = "name_contains"
	CondNameRegex    = "name_regex"
	CondGroupEquals  = "group_equals"
	CondGroupRegex   = "group_regex"
	CondM3UAccount   = "m3u_account"
)

// Action discriminants.
const (
	ActionCreateChannel = "create_channel"
	ActionCreateGroup   = "create_group"
	ActionAssignGroup   = "assign_group"
	ActionSetTvgID      = "set_tvg_id"
	ActionSkip          = "skip"
)

// ValidationError is returned for malformed rule payloads. It carries the
// path of the offending element so callers can surface 400-class responses.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Condition is one element of a rule's condition list. Elements combine
// with AND. Unknown Type values are rejected at write time.
type Condition struct {
	Type          string  `json:"type"`
	Value         string  `json:"value,omitempty"`
	CaseSensitive bool    `json:"case_sensitive,omitempty"`
	AccountIDs    []int64 `json:"account_ids,omitempty"`
}

// Action is one element of a rule's action list. Templates may reference
// {name}, {group}, {account_id}, and any named capture group from a
// name_regex condition.
type Action struct {
	Type          string   `json:"type"`
	NameTemplate  string   `json:"name_template,omitempty"`
	GroupName     string   `json:"group_name,omitempty"`
	TvgIDTemplate string   `json:"tvg_id_template,omitempty"`
	StartNumber   *float64 `json:"start_number,omitempty"`
	UseStreamLogo bool     `json:"use_stream_logo,omitempty"`
}

// ParseConditions decodes and validates a rule's condition list.
func ParseConditions(raw json.RawMessage) ([]Condition, error) {
	if len(raw) == 0 {
		return nil, &ValidationError{Path: "conditions", Message: "must not be empty"}
	}
	var conds []Condition
	if err := json.Unmarshal(raw, &conds); err != nil {
		return nil, &ValidationError{Path: "conditions", Message: err.Error()}
	}
	if len(conds) == 0 {
		return nil, &ValidationError{Path: "conditions", Message: "must not be empty"}
	}
	for i, c := range conds {
		path := fmt.Sprintf("conditions[%d]", i)
		switch c.Type {
		case CondNameContains, CondGroupEquals:
			if c.Value == "" {
				return nil, &ValidationError{Path: path, Message: "value is required"}
			}
		case CondNameRegex, CondGroupRegex:
			if _, err := retext.Compile(c.Value); err != nil {
				return nil, &ValidationError{Path: path, Message: fmt.Sprintf("invalid regex: %v", err)}
			}
		case CondM3UAccount:
			if len(c.AccountIDs) == 0 {
				return nil, &ValidationError{Path: path, Message: "account_ids is required"}
			}
		default:
			return nil, &ValidationError{Path: path, Message: fmt.Sprintf("unknown condition type %q", c.Type)}
		}
	}
	return conds, nil
}

// ParseActions decodes and validates a rule's action list.
func ParseActions(raw json.RawMessage) ([]Action, error) {
	if len(raw) == 0 {
		return nil, &ValidationError{Path: "actions", Message: "must not be empty"}
	}
	var actions []Action
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil, &ValidationError{Path: "actions", Message: err.Error()}
	}
	if len(actions) == 0 {
		return nil, &ValidationError{Path: "actions", Message: "must not be empty"}
	}
	for i, a := range actions {
		path := fmt.Sprintf("actions[%d]", i)
		switch a.Type {
		case ActionCreateChannel:
			if a.NameTemplate == "" {
				return nil, &ValidationError{Path: path, Message: "name_template is required"}
			}
		case ActionCreateGroup, ActionAssignGroup:
			if a.GroupName == "" {
				return nil, &ValidationError{Path: path, Message: "group_name is required"}
			}
		case ActionSetTvgID:
			if a.TvgIDTemplate == "" {
				return nil, &ValidationError{Path: path, Message: "tvg_id_template is required"}
			}
		case ActionSkip:
		default:
			return nil, &ValidationError{Path: path, Message: fmt.Sprintf("unknown action type %q", a.Type)}
		}
	}
	return actions, nil
}

// ValidateRule checks a rule payload before it is persisted.
func ValidateRule(r *store.AutoCreationRule) error {
	if strings.TrimSpace(r.Name) == "" {
		return &ValidationError{Path: "name", Message: "must not be empty"}
	}
	switch r.SortOrder {
	case "", "asc", "desc":
	default:
		return &ValidationError{Path: "sort_order", Message: "must be asc or desc"}
	}
	switch r.OrphanAction {
	case "", store.OrphanDelete, store.OrphanKeep, store.OrphanDisable:
	default:
		return &ValidationError{Path: "orphan_action", Message: "must be delete, keep, or disable"}
	}
	if _, err := ParseConditions(r.Conditions); err != nil {
		return err
	}
	_, err := ParseActions(r.Actions)
	return err
}

// compiledRule is a rule with its variants decoded once per run.
type compiledRule struct {
	rule       store.AutoCreationRule
	conditions []Condition
	actions    []Action
	regexes    map[int]*regexp.Regexp
}

func compileRule(r store.AutoCreationRule) (*compiledRule, error) {
	conds, err := ParseConditions(r.Conditions)
	if err != nil {
		return nil, err
	}
	actions, err := ParseActions(r.Actions)
	if err != nil {
		return nil, err
	}
	cr := &compiledRule{rule: r, conditions: conds, actions: actions, regexes: map[int]*regexp.Regexp{}}
	for i, c := range conds {
		if c.Type == CondNameRegex || c.Type == CondGroupRegex {
			pattern := c.Value
			if !c.CaseSensitive {
				pattern = "(?i)" + pattern
			}
			re, err := retext.Compile(pattern)
			if err != nil {
				return nil, err
			}
			cr.regexes[i] = re
		}
	}
	return cr, nil
}

// match evaluates all conditions against a stream (AND). On a regex match
// the named capture groups are merged into the returned template vars.
func (cr *compiledRule) match(s upstream.Stream) (map[string]string, bool) {
	vars := map[string]string{
		"name":       s.Name,
		"group":      s.GroupName,
		"tvg_id":     s.TvgID,
		"account_id": fmt.Sprintf("%d", s.M3UAccountID),
	}
	for i, c := range cr.conditions {
		switch c.Type {
		case CondNameContains:
			if !containsFold(s.Name, c.Value, c.CaseSensitive) {
				return nil, false
			}
		case CondGroupEquals:
			if c.CaseSensitive {
				if s.GroupName != c.Value {
					return nil, false
				}
			} else if !strings.EqualFold(s.GroupName, c.Value) {
				return nil, false
			}
		case CondNameRegex, CondGroupRegex:
			subject := s.Name
			if c.Type == CondGroupRegex {
				subject = s.GroupName
			}
			re := cr.regexes[i]
			m := re.FindStringSubmatch(subject)
			if m == nil {
				return nil, false
			}
			for gi, gname := range re.SubexpNames() {
				if gname != "" && gi < len(m) {
					vars[gname] = m[gi]
				}
			}
		case CondM3UAccount:
			found := false
			for _, id := range c.AccountIDs {
				if id == s.M3UAccountID {
					found = true
					break
				}
			}
			if !found {
				return nil, false
			}
		}
	}
	return vars, true
}

func containsFold(s, sub string, caseSensitive bool) bool {
	if caseSensitive {
		return strings.Contains(s, sub)
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

var templateVar = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// expandTemplate substitutes {var} placeholders from vars. Unknown
// placeholders expand to the empty string.
func expandTemplate(tpl string, vars map[string]string) string {
	return strings.TrimSpace(templateVar.ReplaceAllStringFunc(tpl, func(m string) string {
		return vars[m[1:len(m)-1]]
	}))
}
