package normalize

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/snarg/ecm/internal/store"
)

type fakeTags map[int64][]store.Tag

func (f fakeTags) TagsForGroup(_ context.Context, groupID int64) ([]store.Tag, error) {
	return f[groupID], nil
}

func newTestEngine(tags fakeTags) *Engine {
	return NewEngine(NewTagIndex(tags), zerolog.Nop())
}

func oneGroup(rules ...store.Rule) []store.RuleGroup {
	return []store.RuleGroup{{ID: 1, Enabled: true, Rules: rules}}
}

func TestNormalize(t *testing.T) {
	ctx := context.Background()

	t.Run("contains_remove_strips_trailing_space", func(t *testing.T) {
		// "ESPN HD" with {condition: contains "HD", action: remove}
		// removes the match and the space it leaves behind.
		groups := oneGroup(store.Rule{
			ID: 1, Enabled: true,
			ConditionType: store.CondContains, ConditionValue: "HD",
			ActionType: store.ActionRemove,
		})
		res := newTestEngine(nil).Normalize(ctx, "ESPN HD", groups)
		if res.Normalized != "ESPN" {
			t.Errorf("Normalized = %q, want ESPN", res.Normalized)
		}
		if res.RulesApplied != 1 || len(res.Transformations) != 1 {
			t.Errorf("RulesApplied = %d, Transformations = %d; want 1, 1", res.RulesApplied, len(res.Transformations))
		}
		if tr := res.Transformations[0]; tr.Before != "ESPN HD" || tr.After != "ESPN" {
			t.Errorf("transformation = %+v", tr)
		}
	})

	t.Run("disabled_rule_equals_absent_rule", func(t *testing.T) {
		active := store.Rule{
			ID: 1, Enabled: true, Priority: 1,
			ConditionType: store.CondContains, ConditionValue: "FHD",
			ActionType: store.ActionRemove,
		}
		disabled := store.Rule{
			ID: 2, Enabled: false, Priority: 2,
			ConditionType: store.CondAlways,
			ActionType:    store.ActionReplace, ActionValue: "CLOBBERED",
		}
		e := newTestEngine(nil)
		withDisabled := e.Normalize(ctx, "FOX FHD", oneGroup(active, disabled))
		without := e.Normalize(ctx, "FOX FHD", oneGroup(active))
		if withDisabled.Normalized != without.Normalized {
			t.Errorf("disabled rule changed output: %q vs %q", withDisabled.Normalized, without.Normalized)
		}
	})

	t.Run("group_priority_order", func(t *testing.T) {
		groups := []store.RuleGroup{
			{ID: 2, Enabled: true, Priority: 20, Rules: []store.Rule{{
				ID: 2, Enabled: true,
				ConditionType: store.CondStartsWith, ConditionValue: "one",
				ActionType: store.ActionReplace, ActionValue: "two",
			}}},
			{ID: 1, Enabled: true, Priority: 10, Rules: []store.Rule{{
				ID: 1, Enabled: true,
				ConditionType: store.CondContains, ConditionValue: "zero",
				ActionType: store.ActionReplace, ActionValue: "one",
			}}},
		}
		// Store returns groups already priority-sorted; mirror that here.
		groups[0], groups[1] = groups[1], groups[0]
		res := newTestEngine(nil).Normalize(ctx, "zero", groups)
		if res.Normalized != "two" {
			t.Errorf("Normalized = %q, want two", res.Normalized)
		}
	})

	t.Run("stop_processing_ends_pipeline", func(t *testing.T) {
		groups := []store.RuleGroup{
			{ID: 1, Enabled: true, Rules: []store.Rule{{
				ID: 1, Enabled: true,
				ConditionType: store.CondContains, ConditionValue: "HD",
				ActionType: store.ActionRemove, StopProcessing: true,
			}}},
			{ID: 2, Enabled: true, Rules: []store.Rule{{
				ID: 2, Enabled: true,
				ConditionType: store.CondAlways,
				ActionType:    store.ActionReplace, ActionValue: "NEVER",
			}}},
		}
		res := newTestEngine(nil).Normalize(ctx, "ESPN HD", groups)
		if res.Normalized != "ESPN" {
			t.Errorf("Normalized = %q, want ESPN (second group must not run)", res.Normalized)
		}
	})

	t.Run("stop_processing_without_change_continues", func(t *testing.T) {
		groups := oneGroup(
			store.Rule{
				ID: 1, Enabled: true, Priority: 1,
				ConditionType: store.CondContains, ConditionValue: "nope",
				ActionType: store.ActionRemove, StopProcessing: true,
			},
			store.Rule{
				ID: 2, Enabled: true, Priority: 2,
				ConditionType: store.CondContains, ConditionValue: "HD",
				ActionType: store.ActionRemove,
			},
		)
		res := newTestEngine(nil).Normalize(ctx, "ESPN HD", groups)
		if res.Normalized != "ESPN" {
			t.Errorf("Normalized = %q, want ESPN", res.Normalized)
		}
	})

	t.Run("else_action", func(t *testing.T) {
		groups := oneGroup(store.Rule{
			ID: 1, Enabled: true,
			ConditionType: store.CondContains, ConditionValue: "HD",
			ActionType:     store.ActionRemove,
			ElseActionType: store.ActionReplace, ElseActionValue: "SD",
		})
		// "HD" appears: remove path. Condition value doubles as search term.
		res := newTestEngine(nil).Normalize(ctx, "CNN SD-FEED", groups)
		// No "HD" → else action replaces the condition term occurrences...
		// which don't exist, so nothing changes.
		if len(res.Transformations) != 0 {
			t.Errorf("unexpected transformations: %+v", res.Transformations)
		}
	})

	t.Run("regex_replace_with_backrefs", func(t *testing.T) {
		groups := oneGroup(store.Rule{
			ID: 1, Enabled: true,
			ConditionType: store.CondRegex, ConditionValue: `^(\w+) \| (\w+)$`,
			CaseSensitive: true,
			ActionType:    store.ActionRegexReplace, ActionValue: `\2 (\1)`,
		})
		res := newTestEngine(nil).Normalize(ctx, "US | CNN", groups)
		if res.Normalized != "CNN (US)" {
			t.Errorf("Normalized = %q, want CNN (US)", res.Normalized)
		}
	})

	t.Run("invalid_regex_is_nonmatch", func(t *testing.T) {
		groups := oneGroup(
			store.Rule{
				ID: 1, Enabled: true, Priority: 1,
				ConditionType: store.CondRegex, ConditionValue: `([`,
				ActionType:    store.ActionRemove,
			},
			store.Rule{
				ID: 2, Enabled: true, Priority: 2,
				ConditionType: store.CondContains, ConditionValue: "UHD",
				ActionType: store.ActionRemove,
			},
		)
		res := newTestEngine(nil).Normalize(ctx, "BBC UHD", groups)
		if res.Normalized != "BBC" {
			t.Errorf("Normalized = %q, want BBC (bad regex skipped)", res.Normalized)
		}
	})

	t.Run("compound_and_or", func(t *testing.T) {
		and := oneGroup(store.Rule{
			ID: 1, Enabled: true,
			Conditions: []store.RuleCondition{
				{Type: store.CondContains, Value: "Sports"},
				{Type: store.CondContains, Value: "HD"},
			},
			ConditionLogic: store.LogicAnd,
			ActionType:     store.ActionRemove, ActionValue: "HD",
		})
		e := newTestEngine(nil)
		if res := e.Normalize(ctx, "Sky Sports HD", and); res.Normalized != "Sky Sports" {
			t.Errorf("AND: Normalized = %q, want Sky Sports", res.Normalized)
		}
		if res := e.Normalize(ctx, "Sky News HD", and); res.Normalized != "Sky News HD" {
			t.Errorf("AND partial: Normalized = %q, want unchanged", res.Normalized)
		}

		or := oneGroup(store.Rule{
			ID: 2, Enabled: true,
			Conditions: []store.RuleCondition{
				{Type: store.CondContains, Value: "VIP"},
				{Type: store.CondContains, Value: "PPV"},
			},
			ConditionLogic: store.LogicOr,
			ActionType:     store.ActionReplace, ActionValue: "",
		})
		if res := e.Normalize(ctx, "Event PPV", or); res.Normalized == "Event PPV" {
			t.Error("OR: expected a transformation")
		}
	})

	t.Run("negated_condition", func(t *testing.T) {
		groups := oneGroup(store.Rule{
			ID: 1, Enabled: true,
			Conditions: []store.RuleCondition{
				{Type: store.CondContains, Value: "HD", Negate: true},
			},
			ActionType: store.ActionStripPrefix, ActionValue: "UK:",
		})
		e := newTestEngine(nil)
		if res := e.Normalize(ctx, "UK: ITV", groups); res.Normalized != "ITV" {
			t.Errorf("Normalized = %q, want ITV", res.Normalized)
		}
		if res := e.Normalize(ctx, "UK: ITV HD", groups); res.Normalized != "UK: ITV HD" {
			t.Errorf("negated match should skip: got %q", res.Normalized)
		}
	})

	t.Run("tag_group_condition", func(t *testing.T) {
		tags := fakeTags{
			5: {{Value: "espn", CaseSensitive: false}, {Value: "FOX", CaseSensitive: true}},
		}
		gid := int64(5)
		groups := oneGroup(store.Rule{
			ID: 1, Enabled: true,
			ConditionType: store.CondTagGroup, TagGroupID: &gid,
			TagMatchPosition: MatchPrefix,
			ActionType:       store.ActionStripSuffix, ActionValue: "(backup)",
		})
		e := newTestEngine(tags)
		if res := e.Normalize(ctx, "ESPN 2 (backup)", groups); res.Normalized != "ESPN 2" {
			t.Errorf("Normalized = %q, want ESPN 2", res.Normalized)
		}
		if res := e.Normalize(ctx, "fox one (backup)", groups); res.Normalized != "fox one (backup)" {
			t.Errorf("case-sensitive tag must not match %q", res.Normalized)
		}
	})

	t.Run("normalize_prefix", func(t *testing.T) {
		groups := oneGroup(store.Rule{
			ID: 1, Enabled: true,
			ConditionType: store.CondAlways,
			ActionType:    store.ActionNormalizePrefix,
		})
		res := newTestEngine(nil).Normalize(ctx, " -| 4Music", groups)
		if res.Normalized != "4Music" {
			t.Errorf("Normalized = %q, want 4Music", res.Normalized)
		}
	})
}

func TestTagIndexInvalidate(t *testing.T) {
	tags := fakeTags{7: {{Value: "sky"}}}
	ti := NewTagIndex(tags)
	ctx := context.Background()

	ok, err := ti.Match(ctx, 7, "sky sports", MatchContains)
	if err != nil || !ok {
		t.Fatalf("Match = %v, %v; want true", ok, err)
	}

	// Mutate tags, index still serves the stale build until invalidated.
	tags[7] = []store.Tag{{Value: "bt"}}
	if ok, _ := ti.Match(ctx, 7, "bt sport", MatchContains); ok {
		t.Error("expected stale index before invalidation")
	}
	ti.Invalidate()
	if ok, _ := ti.Match(ctx, 7, "bt sport", MatchContains); !ok {
		t.Error("expected rebuild after invalidation")
	}
}
