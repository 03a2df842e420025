package normalize

import (
	"context"
	"strings"

	"github.com/snarg/ecm/internal/retext"
	"github.com/snarg/ecm/internal/store"
)

// evaluate decides whether a rule matches s. The compound condition list is
// authoritative when non-empty; otherwise the legacy single condition
// applies. Runtime errors count as non-match and the pipeline continues.
func (e *Engine) evaluate(ctx context.Context, s string, r *store.Rule) bool {
	if len(r.Conditions) > 0 {
		return e.evaluateCompound(ctx, s, r)
	}
	return e.evalOne(ctx, s, r, r.ConditionType, r.ConditionValue, r.CaseSensitive)
}

func (e *Engine) evaluateCompound(ctx context.Context, s string, r *store.Rule) bool {
	useOr := r.ConditionLogic == store.LogicOr
	for _, c := range r.Conditions {
		cs := r.CaseSensitive
		if c.CaseSensitive != nil {
			cs = *c.CaseSensitive
		}
		ok := e.evalOne(ctx, s, r, c.Type, c.Value, cs)
		if c.Negate {
			ok = !ok
		}
		if useOr && ok {
			return true
		}
		if !useOr && !ok {
			return false
		}
	}
	// AND: all passed. OR: none passed.
	return !useOr
}

func (e *Engine) evalOne(ctx context.Context, s string, r *store.Rule, condType, condValue string, caseSensitive bool) bool {
	subject, needle := s, condValue
	if !caseSensitive {
		subject = strings.ToLower(subject)
		needle = strings.ToLower(needle)
	}

	switch condType {
	case store.CondAlways:
		return true
	case store.CondContains:
		return strings.Contains(subject, needle)
	case store.CondStartsWith:
		return strings.HasPrefix(subject, needle)
	case store.CondEndsWith:
		return strings.HasSuffix(subject, needle)
	case store.CondRegex:
		pattern := condValue
		if !caseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := retext.Compile(pattern)
		if err != nil {
			e.warnOnce(r.ID, err, "invalid rule regex")
			return false
		}
		return re.MatchString(s)
	case store.CondTagGroup:
		if r.TagGroupID == nil {
			return false
		}
		ok, err := e.tags.Match(ctx, *r.TagGroupID, s, r.TagMatchPosition)
		if err != nil {
			e.warnOnce(r.ID, err, "tag group lookup failed")
			return false
		}
		return ok
	default:
		return false
	}
}
