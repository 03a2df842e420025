// Package xmltv synthesizes guide data for channels whose only schedule
// information is embedded in their names. Profiles rewrite names through
// substitution pairs, extract event times with pattern variants, and
// render an XMLTV document with filler programmes around each event.
package xmltv

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/snarg/ecm/internal/retext"
	"github.com/snarg/ecm/internal/store"
)

// Substitution rewrites a channel name before pattern matching. Plain
// substitutions replace literal text; regex substitutions support
// backreferences in the replacement.
type Substitution struct {
	Find    string `json:"find"`
	Replace string `json:"replace"`
	IsRegex bool   `json:"is_regex"`
	Enabled bool   `json:"enabled"`
}

// Variant is one extraction attempt. Patterns use JS-style named groups;
// the first variant whose title pattern matches wins. Template overrides
// fall back to the profile-free defaults when empty.
type Variant struct {
	TitlePattern  string `json:"title_pattern"`
	TimePattern   string `json:"time_pattern,omitempty"`
	DatePattern   string `json:"date_pattern,omitempty"`
	TitleTemplate string `json:"title_template,omitempty"`
	DescTemplate  string `json:"desc_template,omitempty"`
	Category      string `json:"category,omitempty"`
}

// Profile is a parsed, compiled EPG profile ready for synthesis.
type Profile struct {
	ID              int64
	Name            string
	Enabled         bool
	TvgIDTemplate   string
	ChannelGroupIDs []int64

	EventLocation  *time.Location
	OutputLocation *time.Location

	Substitutions []compiledSub
	Variants      []compiledVariant
}

type compiledSub struct {
	sub Substitution
	re  *regexp.Regexp // nil for literal substitutions
}

type compiledVariant struct {
	v     Variant
	title *regexp.Regexp
	time  *regexp.Regexp
	date  *regexp.Regexp
}

// ParseProfile validates and compiles a stored profile. Invalid regexes
// are rejected here so synthesis never sees them.
func ParseProfile(p store.EPGProfile) (*Profile, error) {
	eventLoc := time.UTC
	if p.EventTimezone != "" {
		loc, err := time.LoadLocation(p.EventTimezone)
		if err != nil {
			return nil, fmt.Errorf("profile %q: invalid event_timezone: %w", p.Name, err)
		}
		eventLoc = loc
	}
	outputLoc := eventLoc
	if p.OutputTimezone != "" {
		loc, err := time.LoadLocation(p.OutputTimezone)
		if err != nil {
			return nil, fmt.Errorf("profile %q: invalid output_timezone: %w", p.Name, err)
		}
		outputLoc = loc
	}

	out := &Profile{
		ID:              p.ID,
		Name:            p.Name,
		Enabled:         p.Enabled,
		TvgIDTemplate:   p.TvgIDTemplate,
		ChannelGroupIDs: p.ChannelGroupIDs,
		EventLocation:   eventLoc,
		OutputLocation:  outputLoc,
	}

	var subs []Substitution
	if len(p.Substitutions) > 0 {
		if err := json.Unmarshal(p.Substitutions, &subs); err != nil {
			return nil, fmt.Errorf("profile %q: invalid substitutions: %w", p.Name, err)
		}
	}
	for i, s := range subs {
		cs := compiledSub{sub: s}
		if s.IsRegex {
			re, err := retext.Compile(s.Find)
			if err != nil {
				return nil, fmt.Errorf("profile %q: substitution %d: %w", p.Name, i, err)
			}
			cs.re = re
		}
		out.Substitutions = append(out.Substitutions, cs)
	}

	var variants []Variant
	if len(p.Variants) > 0 {
		if err := json.Unmarshal(p.Variants, &variants); err != nil {
			return nil, fmt.Errorf("profile %q: invalid variants: %w", p.Name, err)
		}
	}
	for i, v := range variants {
		cv := compiledVariant{v: v}
		var err error
		if cv.title, err = retext.Compile(v.TitlePattern); err != nil {
			return nil, fmt.Errorf("profile %q: variant %d title_pattern: %w", p.Name, i, err)
		}
		if v.TimePattern != "" {
			if cv.time, err = retext.Compile(v.TimePattern); err != nil {
				return nil, fmt.Errorf("profile %q: variant %d time_pattern: %w", p.Name, i, err)
			}
		}
		if v.DatePattern != "" {
			if cv.date, err = retext.Compile(v.DatePattern); err != nil {
				return nil, fmt.Errorf("profile %q: variant %d date_pattern: %w", p.Name, i, err)
			}
		}
		out.Variants = append(out.Variants, cv)
	}
	return out, nil
}

// ValidateProfile is the write-time check for profile CRUD.
func ValidateProfile(p store.EPGProfile) error {
	_, err := ParseProfile(p)
	return err
}

// substitute applies the enabled substitution pairs in order.
func (p *Profile) substitute(name string) string {
	for _, cs := range p.Substitutions {
		if !cs.sub.Enabled {
			continue
		}
		if cs.re != nil {
			name = cs.re.ReplaceAllString(name, cs.sub.Replace)
		} else if cs.sub.Find != "" {
			name = strings.ReplaceAll(name, cs.sub.Find, cs.sub.Replace)
		}
	}
	return name
}
