package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/snarg/ecm/internal/retext"
	"github.com/snarg/ecm/internal/store"
)

var multiSpace = regexp.MustCompile(`\s{2,}`)

// apply runs an action against s and reports whether anything changed.
// Action errors (bad regexes, mostly) are logged once per rule and leave s
// untouched.
func (e *Engine) apply(s string, r *store.Rule, actionType, actionValue string) (string, bool) {
	var out string
	switch actionType {
	case store.ActionRemove:
		// The search term is the action value when given, otherwise the
		// rule's condition value. Whitespace left behind is collapsed, so
		// removing "HD" from "ESPN HD" yields "ESPN".
		term := actionValue
		if term == "" {
			term = searchTerm(r)
		}
		if term == "" {
			return s, false
		}
		out = tidySpaces(replaceTerm(s, term, "", r.CaseSensitive))

	case store.ActionReplace:
		term := searchTerm(r)
		if term == "" {
			return s, false
		}
		out = replaceTerm(s, term, actionValue, r.CaseSensitive)

	case store.ActionRegexReplace:
		pattern := searchTerm(r)
		if pattern == "" {
			return s, false
		}
		if !r.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := retext.Compile(pattern)
		if err != nil {
			e.warnOnce(r.ID, err, "invalid action regex")
			return s, false
		}
		out = re.ReplaceAllString(s, backrefsToGo(actionValue))

	case store.ActionStripPrefix:
		if actionValue != "" && hasAffix(s, actionValue, r.CaseSensitive, true) {
			out = strings.TrimLeftFunc(s[len(actionValue):], unicode.IsSpace)
		} else {
			return s, false
		}

	case store.ActionStripSuffix:
		if actionValue != "" && hasAffix(s, actionValue, r.CaseSensitive, false) {
			out = strings.TrimRightFunc(s[:len(s)-len(actionValue)], unicode.IsSpace)
		} else {
			return s, false
		}

	case store.ActionNormalizePrefix:
		out = normalizePrefix(s)

	default:
		return s, false
	}

	return out, out != s
}

// searchTerm is the value a substring/regex action operates on: the legacy
// condition value, or the first valued compound condition.
func searchTerm(r *store.Rule) string {
	if len(r.Conditions) == 0 {
		return r.ConditionValue
	}
	for _, c := range r.Conditions {
		if c.Value != "" {
			return c.Value
		}
	}
	return ""
}

func replaceTerm(s, term, repl string, caseSensitive bool) string {
	if caseSensitive {
		return strings.ReplaceAll(s, term, repl)
	}
	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(term))
	if err != nil {
		return s
	}
	return re.ReplaceAllLiteralString(s, repl)
}

func hasAffix(s, affix string, caseSensitive, prefix bool) bool {
	if len(affix) > len(s) {
		return false
	}
	var part string
	if prefix {
		part = s[:len(affix)]
	} else {
		part = s[len(s)-len(affix):]
	}
	if caseSensitive {
		return part == affix
	}
	return strings.EqualFold(part, affix)
}

// backrefsToGo converts \1..\9 backreferences to Go's $1..$9.
func backrefsToGo(repl string) string {
	var b strings.Builder
	for i := 0; i < len(repl); i++ {
		if repl[i] == '\\' && i+1 < len(repl) {
			next := repl[i+1]
			if next >= '1' && next <= '9' {
				b.WriteByte('$')
				b.WriteByte(next)
				i++
				continue
			}
			if next == '\\' {
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(repl[i])
	}
	return b.String()
}

// normalizePrefix drops whitespace and punctuation before the first
// alphanumeric run.
func normalizePrefix(s string) string {
	return strings.TrimLeftFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func tidySpaces(s string) string {
	return strings.TrimSpace(multiSpace.ReplaceAllString(s, " "))
}
