package xmltv

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/ecm/internal/store"
	"github.com/snarg/ecm/internal/upstream"
)

func mustProfile(t *testing.T, sp store.EPGProfile) *Profile {
	t.Helper()
	p, err := ParseProfile(sp)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func testSynth(now string) *Synthesizer {
	s := NewSynthesizer(zerolog.Nop())
	fixed, _ := time.Parse(time.RFC3339, now)
	s.now = func() time.Time { return fixed }
	return s
}

func TestGenerateWithoutVariants(t *testing.T) {
	p := mustProfile(t, store.EPGProfile{
		Name:          "basic",
		Enabled:       true,
		TvgIDTemplate: "ecm-{channel_number}",
	})
	s := testSynth("2026-03-10T15:00:00Z")

	doc, err := s.Generate([]*Profile{p}, []upstream.Channel{
		{ID: 1, Name: "Sports One", ChannelNumber: 100},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Channels) != 1 || doc.Channels[0].ID != "ecm-100" {
		t.Fatalf("channels = %+v", doc.Channels)
	}
	if len(doc.Programmes) != 1 {
		t.Fatalf("programmes = %+v", doc.Programmes)
	}
	pr := doc.Programmes[0]
	if pr.Channel != "ecm-100" {
		t.Errorf("programme channel = %q", pr.Channel)
	}
	if pr.Start != "20260310000000 +0000" || pr.Stop != "20260311000000 +0000" {
		t.Errorf("span = %s .. %s, want midnight to midnight", pr.Start, pr.Stop)
	}
	if pr.Title == nil || pr.Title.Text != "Sports One" {
		t.Errorf("title = %+v", pr.Title)
	}
}

func TestGenerateExtractedTimeEmitsFillers(t *testing.T) {
	p := mustProfile(t, store.EPGProfile{
		Name:          "events",
		Enabled:       true,
		TvgIDTemplate: "ev-{channel_id}",
		Variants: rawJSON(t, []Variant{{
			TitlePattern:  `^(?<event>.+) @`,
			TimePattern:   `@ (?<hour>\d{1,2}):(?<minute>\d{2}) (?<ampm>AM|PM)`,
			TitleTemplate: "{event}",
			Category:      "Sports",
		}}),
	})
	s := testSynth("2026-03-10T12:00:00Z")

	doc, err := s.Generate([]*Profile{p}, []upstream.Channel{
		{ID: 7, Name: "Big Fight @ 8:30 PM"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Programmes) != 3 {
		t.Fatalf("programmes = %d, want upcoming + event + ended", len(doc.Programmes))
	}

	up, main, ended := doc.Programmes[0], doc.Programmes[1], doc.Programmes[2]
	if !strings.HasPrefix(up.Title.Text, "Upcoming:") {
		t.Errorf("filler title = %q", up.Title.Text)
	}
	if main.Title.Text != "Big Fight" {
		t.Errorf("event title = %q", main.Title.Text)
	}
	if main.Start != "20260310203000 +0000" {
		t.Errorf("event start = %s, want 20:30 UTC", main.Start)
	}
	if main.Live == nil {
		t.Error("event not marked live")
	}
	if len(main.Categories) != 1 || main.Categories[0].Text != "Sports" {
		t.Errorf("categories = %+v", main.Categories)
	}
	if up.Stop != main.Start || ended.Start != main.Stop {
		t.Error("fillers do not abut the event")
	}
	if ended.Stop != "20260311000000 +0000" {
		t.Errorf("ended stop = %s, want next midnight", ended.Stop)
	}
}

func TestEventTimeAmPmRules(t *testing.T) {
	now, _ := time.Parse(time.RFC3339, "2026-03-10T12:00:00Z")
	cases := []struct {
		name string
		vars map[string]string
		hour int
	}{
		{"midnight", map[string]string{"hour": "12", "ampm": "AM"}, 0},
		{"noon", map[string]string{"hour": "12", "ampm": "PM"}, 12},
		{"evening", map[string]string{"hour": "8", "ampm": "PM"}, 20},
		{"morning", map[string]string{"hour": "8", "ampm": "AM"}, 8},
		{"twenty_four_hour", map[string]string{"hour": "17"}, 17},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := eventTime(tc.vars, now, time.UTC)
			if !ok {
				t.Fatal("no time extracted")
			}
			if got.Hour() != tc.hour {
				t.Errorf("hour = %d, want %d", got.Hour(), tc.hour)
			}
		})
	}
}

func TestEventTimeDateFields(t *testing.T) {
	now, _ := time.Parse(time.RFC3339, "2026-03-10T12:00:00Z")

	t.Run("month_name_and_short_year", func(t *testing.T) {
		got, ok := eventTime(map[string]string{
			"hour": "9", "month": "July", "day": "4", "year": "26",
		}, now, time.UTC)
		if !ok {
			t.Fatal("no time extracted")
		}
		want := time.Date(2026, time.July, 4, 9, 0, 0, 0, time.UTC)
		if !got.Equal(want) {
			t.Errorf("time = %v, want %v", got, want)
		}
	})

	t.Run("missing_fields_default_to_now", func(t *testing.T) {
		got, ok := eventTime(map[string]string{"hour": "6"}, now, time.UTC)
		if !ok {
			t.Fatal("no time extracted")
		}
		if got.Month() != time.March || got.Day() != 10 || got.Year() != 2026 {
			t.Errorf("date = %v, want today's", got)
		}
	})

	t.Run("no_hour_no_extraction", func(t *testing.T) {
		if _, ok := eventTime(map[string]string{"minute": "30"}, now, time.UTC); ok {
			t.Error("extracted a time without an hour")
		}
	})
}

func TestSubstitutionsApplyInOrder(t *testing.T) {
	p := mustProfile(t, store.EPGProfile{
		Name:    "subs",
		Enabled: true,
		Substitutions: rawJSON(t, []Substitution{
			{Find: "PPV:", Replace: "", Enabled: true},
			{Find: `\s+`, Replace: " ", IsRegex: true, Enabled: true},
			{Find: "never", Replace: "x", Enabled: false},
		}),
	})
	got := p.substitute("PPV:  Big   Event")
	if got != " Big Event" {
		t.Errorf("substituted = %q", got)
	}
}

func TestVariantFirstMatchWins(t *testing.T) {
	p := mustProfile(t, store.EPGProfile{
		Name:    "variants",
		Enabled: true,
		Variants: rawJSON(t, []Variant{
			{TitlePattern: `^UFC (?<num>\d+)`, TitleTemplate: "UFC {num}", Category: "MMA"},
			{TitlePattern: `^(?<event>.+)$`, TitleTemplate: "{event}", Category: "Other"},
		}),
	})
	now, _ := time.Parse(time.RFC3339, "2026-03-10T12:00:00Z")

	ext := p.extract("UFC 300: Main Card", now)
	if ext == nil {
		t.Fatal("no variant matched")
	}
	if ext.variant.Category != "MMA" || ext.vars["num"] != "300" {
		t.Errorf("extraction = %+v vars %v", ext.variant, ext.vars)
	}

	ext = p.extract("Some Movie", now)
	if ext == nil || ext.variant.Category != "Other" {
		t.Fatal("fallback variant did not match")
	}
}

func TestGenerateSkipsDisabledProfilesAndFilteredChannels(t *testing.T) {
	gid := int64(4)
	disabled := mustProfile(t, store.EPGProfile{Name: "off", Enabled: false})
	scoped := mustProfile(t, store.EPGProfile{
		Name: "scoped", Enabled: true, ChannelGroupIDs: []int64{4},
	})
	s := testSynth("2026-03-10T12:00:00Z")

	doc, err := s.Generate([]*Profile{disabled, scoped}, []upstream.Channel{
		{ID: 1, Name: "In Group", TvgID: "in.group", ChannelGroupID: &gid},
		{ID: 2, Name: "Outside", TvgID: "outside"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Channels) != 1 || doc.Channels[0].ID != "in.group" {
		t.Fatalf("channels = %+v", doc.Channels)
	}
}

func TestGenerateTimezoneConversion(t *testing.T) {
	p := mustProfile(t, store.EPGProfile{
		Name:          "tz",
		Enabled:       true,
		EventTimezone: "America/New_York",
		Variants: rawJSON(t, []Variant{{
			TitlePattern: `^(?<event>.+) at`,
			TimePattern:  `at (?<hour>\d{1,2}) (?<ampm>AM|PM)`,
		}}),
	})
	// Noon UTC is 7 AM in New York in March (EST offset drops to EDT on
	// March 8, so this date is UTC-4).
	s := testSynth("2026-03-10T12:00:00Z")

	doc, err := s.Generate([]*Profile{p}, []upstream.Channel{
		{ID: 1, Name: "Derby at 3 PM", TvgID: "derby"},
	})
	if err != nil {
		t.Fatal(err)
	}
	var main *Programme
	for i := range doc.Programmes {
		if doc.Programmes[i].Live != nil {
			main = &doc.Programmes[i]
		}
	}
	if main == nil {
		t.Fatal("no live programme")
	}
	// 3 PM EDT is 19:00 UTC.
	if main.Start != "20260310190000 +0000" {
		t.Errorf("start = %s, want 19:00 UTC", main.Start)
	}
}

func TestMarshalOrdering(t *testing.T) {
	p := mustProfile(t, store.EPGProfile{Name: "m", Enabled: true})
	s := testSynth("2026-03-10T12:00:00Z")
	doc, err := s.Generate([]*Profile{p}, []upstream.Channel{
		{ID: 1, Name: "A", TvgID: "a"},
		{ID: 2, Name: "B", TvgID: "b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	out, err := s.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	text := string(out)
	if !strings.HasPrefix(text, xmlHeaderPrefix) {
		t.Errorf("missing XML prolog: %q", text[:40])
	}
	if !strings.Contains(text, `generator-info-name="ecm"`) {
		t.Error("missing generator-info-name")
	}
	lastChannel := strings.LastIndex(text, "<channel ")
	firstProgramme := strings.Index(text, "<programme ")
	if firstProgramme < lastChannel {
		t.Error("programme elements precede channel elements")
	}
}

const xmlHeaderPrefix = "<?xml"

func TestParseProfileRejectsInvalidRegex(t *testing.T) {
	_, err := ParseProfile(store.EPGProfile{
		Name:     "bad",
		Variants: json.RawMessage(`[{"title_pattern": "(["}]`),
	})
	if err == nil {
		t.Error("invalid pattern accepted")
	}
	_, err = ParseProfile(store.EPGProfile{
		Name:          "badtz",
		EventTimezone: "Nowhere/Void",
	})
	if err == nil {
		t.Error("invalid timezone accepted")
	}
}

func TestFormatNumber(t *testing.T) {
	if got := formatNumber(100); got != "100" {
		t.Errorf("formatNumber(100) = %q", got)
	}
	if got := formatNumber(4.1); got != "4.1" {
		t.Errorf("formatNumber(4.1) = %q", got)
	}
}
