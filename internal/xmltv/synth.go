package xmltv

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/ecm/internal/upstream"
)

const (
	timestampFormat = "20060102150405 +0000"
	generatorName   = "ecm"

	// An extracted event without an explicit end runs this long, clipped
	// to the end of its day.
	defaultEventLength = 3 * time.Hour
)

// TV is the XMLTV document root. Channel elements precede programmes.
type TV struct {
	XMLName       xml.Name    `xml:"tv"`
	GeneratorInfo string      `xml:"generator-info-name,attr"`
	Channels      []Channel   `xml:"channel"`
	Programmes    []Programme `xml:"programme"`
}

type Channel struct {
	ID          string `xml:"id,attr"`
	DisplayName string `xml:"display-name"`
	Icon        *Icon  `xml:"icon,omitempty"`
}

type Programme struct {
	Start      string      `xml:"start,attr"`
	Stop       string      `xml:"stop,attr"`
	Channel    string      `xml:"channel,attr"`
	Title      *LangText   `xml:"title,omitempty"`
	Desc       *LangText   `xml:"desc,omitempty"`
	Categories []LangText  `xml:"category,omitempty"`
	Icon       *Icon       `xml:"icon,omitempty"`
	Date       string      `xml:"date,omitempty"`
	Live       *struct{}   `xml:"live,omitempty"`
	New        *struct{}   `xml:"new,omitempty"`
}

type LangText struct {
	Lang string `xml:"lang,attr"`
	Text string `xml:",chardata"`
}

type Icon struct {
	Src string `xml:"src,attr"`
}

// Synthesizer renders XMLTV documents from profiles and upstream channels.
type Synthesizer struct {
	log zerolog.Logger
	now func() time.Time
}

func NewSynthesizer(log zerolog.Logger) *Synthesizer {
	return &Synthesizer{
		log: log.With().Str("component", "xmltv").Logger(),
		now: time.Now,
	}
}

// Generate builds the document for all enabled profiles over the supplied
// channels. Channels outside a profile's group filter are skipped, as are
// disabled profiles.
func (s *Synthesizer) Generate(profiles []*Profile, channels []upstream.Channel) (*TV, error) {
	doc := &TV{GeneratorInfo: generatorName}
	seen := map[string]bool{}

	for _, p := range profiles {
		if !p.Enabled {
			continue
		}
		for _, ch := range channels {
			if !p.appliesTo(ch) {
				continue
			}
			tvgID := p.tvgID(ch)
			if tvgID == "" {
				continue
			}
			if !seen[tvgID] {
				seen[tvgID] = true
				elem := Channel{ID: tvgID, DisplayName: ch.Name}
				if ch.LogoURL != "" {
					elem.Icon = &Icon{Src: ch.LogoURL}
				}
				doc.Channels = append(doc.Channels, elem)
			}
			doc.Programmes = append(doc.Programmes, s.programmes(p, ch, tvgID)...)
		}
	}
	return doc, nil
}

// Marshal renders the document with the XML prolog.
func (s *Synthesizer) Marshal(doc *TV) ([]byte, error) {
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(body, '\n')...), nil
}

func (p *Profile) appliesTo(ch upstream.Channel) bool {
	if len(p.ChannelGroupIDs) == 0 {
		return true
	}
	if ch.ChannelGroupID == nil {
		return false
	}
	for _, id := range p.ChannelGroupIDs {
		if id == *ch.ChannelGroupID {
			return true
		}
	}
	return false
}

// tvgID expands the profile's template for a channel. Without a template
// the channel's own tvg id is used, falling back to a generated one.
func (p *Profile) tvgID(ch upstream.Channel) string {
	if p.TvgIDTemplate == "" {
		if ch.TvgID != "" {
			return ch.TvgID
		}
		return fmt.Sprintf("%s-%d", generatorName, ch.ID)
	}
	return expandTemplate(p.TvgIDTemplate, map[string]string{
		"channel_id":     strconv.FormatInt(ch.ID, 10),
		"channel_name":   ch.Name,
		"channel_number": formatNumber(ch.ChannelNumber),
		"tvg_id":         ch.TvgID,
	})
}

// extraction is what a matched variant yields.
type extraction struct {
	variant *Variant
	vars    map[string]string
	start   *time.Time
}

// programmes emits the day's programmes for one channel: either a single
// 24-hour block, or an upcoming filler, the event, and an ended filler.
func (s *Synthesizer) programmes(p *Profile, ch upstream.Channel, tvgID string) []Programme {
	now := s.now().In(p.EventLocation)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, p.EventLocation)
	dayEnd := dayStart.AddDate(0, 0, 1)

	substituted := p.substitute(ch.Name)
	ext := p.extract(substituted, now)

	vars := map[string]string{
		"channel_name":     ch.Name,
		"channel_number":   formatNumber(ch.ChannelNumber),
		"original_name":    ch.Name,
		"substituted_name": substituted,
	}
	var variant *Variant
	if ext != nil {
		for k, v := range ext.vars {
			vars[k] = v
		}
		variant = ext.variant
	}

	title := substituted
	if variant != nil && variant.TitleTemplate != "" {
		title = expandTemplate(variant.TitleTemplate, vars)
	}
	var desc string
	if variant != nil && variant.DescTemplate != "" {
		desc = expandTemplate(variant.DescTemplate, vars)
	}
	var categories []LangText
	if variant != nil && variant.Category != "" {
		categories = []LangText{{Lang: "en", Text: variant.Category}}
	}

	event := func(start, stop time.Time, title, desc string, cats []LangText) Programme {
		pr := Programme{
			Start:   start.UTC().Format(timestampFormat),
			Stop:    stop.UTC().Format(timestampFormat),
			Channel: tvgID,
			Title:   &LangText{Lang: "en", Text: title},
			Date:    start.In(p.OutputLocation).Format("2006-01-02"),
		}
		if desc != "" {
			pr.Desc = &LangText{Lang: "en", Text: desc}
		}
		pr.Categories = cats
		return pr
	}

	if ext == nil || ext.start == nil {
		// No extractable time: one programme spanning the whole day.
		return []Programme{event(dayStart, dayEnd, title, desc, categories)}
	}

	start := *ext.start
	stop := start.Add(defaultEventLength)
	if stop.After(dayEnd) {
		stop = dayEnd
	}

	var out []Programme
	if start.After(dayStart) {
		out = append(out, event(dayStart, start, "Upcoming: "+title, "", nil))
	}
	main := event(start, stop, title, desc, categories)
	main.Live = &struct{}{}
	out = append(out, main)
	if stop.Before(dayEnd) {
		out = append(out, event(stop, dayEnd, "Ended: "+title, "", nil))
	}
	return out
}

// extract tries each variant in order and returns the first title match,
// merging named groups from the title, time, and date patterns.
func (p *Profile) extract(name string, now time.Time) *extraction {
	for i := range p.Variants {
		cv := &p.Variants[i]
		vars := namedGroups(cv.title, name)
		if vars == nil {
			continue
		}
		if cv.time != nil {
			for k, v := range namedGroups(cv.time, name) {
				vars[k] = v
			}
		}
		if cv.date != nil {
			for k, v := range namedGroups(cv.date, name) {
				vars[k] = v
			}
		}
		ext := &extraction{variant: &cv.v, vars: vars}
		if t, ok := eventTime(vars, now, p.EventLocation); ok {
			ext.start = &t
		}
		return ext
	}
	return nil
}

// namedGroups returns the named captures of the first match, or nil when
// the pattern does not match.
func namedGroups(re *regexp.Regexp, s string) map[string]string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	out := map[string]string{}
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(m) && m[i] != "" {
			out[name] = m[i]
		}
	}
	return out
}

// eventTime assembles a start time from the extracted hour, minute, ampm,
// month, day, and year groups. Missing fields default to the current value
// in the event timezone; extraction fails only without an hour.
func eventTime(vars map[string]string, now time.Time, loc *time.Location) (time.Time, bool) {
	hourStr, ok := vars["hour"]
	if !ok {
		return time.Time{}, false
	}
	hour, err := strconv.Atoi(hourStr)
	if err != nil || hour < 0 || hour > 23 {
		return time.Time{}, false
	}

	if ampm, ok := vars["ampm"]; ok {
		switch strings.ToUpper(strings.TrimSpace(ampm)) {
		case "AM":
			if hour == 12 {
				hour = 0
			}
		case "PM":
			if hour != 12 {
				hour += 12
			}
		}
		if hour > 23 {
			return time.Time{}, false
		}
	}

	minute := 0
	if m, ok := vars["minute"]; ok {
		minute, err = strconv.Atoi(m)
		if err != nil || minute < 0 || minute > 59 {
			return time.Time{}, false
		}
	}

	month := int(now.Month())
	if m, ok := vars["month"]; ok {
		month, ok = parseMonth(m)
		if !ok {
			return time.Time{}, false
		}
	}
	day := now.Day()
	if d, ok := vars["day"]; ok {
		day, err = strconv.Atoi(d)
		if err != nil || day < 1 || day > 31 {
			return time.Time{}, false
		}
	}
	year := now.Year()
	if y, ok := vars["year"]; ok {
		year, err = strconv.Atoi(y)
		if err != nil {
			return time.Time{}, false
		}
		if year < 100 {
			year += 2000
		}
	}

	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc), true
}

var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

func parseMonth(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n >= 1 && n <= 12 {
			return n, true
		}
		return 0, false
	}
	if len(s) >= 3 {
		if n, ok := monthNames[strings.ToLower(s[:3])]; ok {
			return n, true
		}
	}
	return 0, false
}

var templateVar = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

func expandTemplate(tmpl string, vars map[string]string) string {
	return templateVar.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// formatNumber renders channel numbers without a trailing ".0" for whole
// numbers, keeping fractional ones like 4.1 intact.
func formatNumber(n float64) string {
	if n == float64(int64(n)) {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}
