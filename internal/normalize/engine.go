// Package normalize evaluates operator-defined rule groups against stream
// and channel names. Groups run in priority order; within a group rules run
// in priority order; a matching rule applies its action, a non-matching rule
// may apply its else-action, and stop_processing ends the whole pipeline.
package normalize

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/snarg/ecm/internal/store"
)

// Transformation records one rule's effect on the working string.
type Transformation struct {
	RuleID int64  `json:"rule_id"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// Result is the outcome of running the pipeline over one input.
type Result struct {
	Normalized      string           `json:"normalized"`
	Transformations []Transformation `json:"transformations"`
	RulesApplied    int              `json:"rules_applied"`
}

type Engine struct {
	tags *TagIndex
	log  zerolog.Logger

	// Rules with broken regexes are warned about once, not per evaluation.
	warnedMu sync.Mutex
	warned   map[int64]bool
}

func NewEngine(tags *TagIndex, log zerolog.Logger) *Engine {
	return &Engine{
		tags:   tags,
		log:    log.With().Str("component", "normalize").Logger(),
		warned: map[int64]bool{},
	}
}

// Normalize runs the full pipeline over s.
func (e *Engine) Normalize(ctx context.Context, s string, groups []store.RuleGroup) Result {
	res := Result{Normalized: s}

	for _, g := range groups {
		if !g.Enabled {
			continue
		}
		for i := range g.Rules {
			r := &g.Rules[i]
			if !r.Enabled {
				continue
			}

			matched := e.evaluate(ctx, res.Normalized, r)

			var after string
			var changed bool
			switch {
			case matched:
				after, changed = e.apply(res.Normalized, r, r.ActionType, r.ActionValue)
			case r.ElseActionType != "":
				after, changed = e.apply(res.Normalized, r, r.ElseActionType, r.ElseActionValue)
			default:
				continue
			}

			if changed {
				res.Transformations = append(res.Transformations, Transformation{
					RuleID: r.ID,
					Before: res.Normalized,
					After:  after,
				})
				res.Normalized = after
				res.RulesApplied++

				if r.StopProcessing {
					return res
				}
			}
		}
	}
	return res
}

// warnOnce logs a rule problem the first time it is seen for that rule id.
func (e *Engine) warnOnce(ruleID int64, err error, what string) {
	e.warnedMu.Lock()
	seen := e.warned[ruleID]
	e.warned[ruleID] = true
	e.warnedMu.Unlock()
	if !seen {
		e.log.Warn().Err(err).Int64("rule_id", ruleID).Msg(what)
	}
}

// ForgetWarnings clears the warn-once state, e.g. after rules are edited.
func (e *Engine) ForgetWarnings() {
	e.warnedMu.Lock()
	e.warned = map[int64]bool{}
	e.warnedMu.Unlock()
}
