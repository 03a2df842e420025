package channelcsv

import (
	"strings"
	"testing"

	"github.com/snarg/ecm/internal/upstream"
)

func TestExportSortsAndExcludesAutoCreated(t *testing.T) {
	gid := int64(3)
	channels := []upstream.Channel{
		{ID: 1, Name: "Beta", ChannelNumber: 200, TvgID: "beta.tv"},
		{ID: 2, Name: "Alpha", ChannelNumber: 100, ChannelGroupID: &gid, LogoURL: "https://x/logo.png"},
		{ID: 3, Name: "Robot", ChannelNumber: 50, AutoCreated: true},
		{ID: 4, Name: "Frac", ChannelNumber: 4.1},
	}
	out, err := ExportBytes(channels,
		map[int64]string{3: "Sports"},
		map[int64][]string{2: {"http://a/1.ts", "http://a/2.ts"}})
	if err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if lines[0] != "channel_number,name,group_name,tvg_id,gracenote_id,logo_url,stream_urls" {
		t.Fatalf("header = %q", lines[0])
	}
	if len(lines) != 4 {
		t.Fatalf("rows = %d, want 3 data rows (auto-created excluded)", len(lines)-1)
	}
	if !strings.HasPrefix(lines[1], "4.1,Frac") {
		t.Errorf("first row = %q, want lowest channel number first", lines[1])
	}
	if !strings.Contains(lines[2], "http://a/1.ts|http://a/2.ts") {
		t.Errorf("stream urls missing: %q", lines[2])
	}
	if strings.Contains(string(out), "Robot") {
		t.Error("auto-created channel exported")
	}
}

func TestParseValidation(t *testing.T) {
	in := strings.Join([]string{
		"# lineup exported 2026-03-01",
		"channel_number,name,group_name,tvg_id,gracenote_id,logo_url,stream_urls",
		"100,Good,Sports,good.tv,,https://x/l.png,http://a/1.ts",
		",NoNumber,,,,,",
		"-5,BadNumber,,,,,",
		"abc,NotANumber,,,,,",
		"7,,,,,,",
		"8,BadLogo,,,,ftp://nope,",
	}, "\n")

	res, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("rows = %+v, want Good and NoNumber", res.Rows)
	}
	if res.Rows[0].ChannelNumber == nil || *res.Rows[0].ChannelNumber != 100 {
		t.Errorf("row 0 = %+v", res.Rows[0])
	}
	if res.Rows[1].Name != "NoNumber" || res.Rows[1].ChannelNumber != nil {
		t.Errorf("row 1 = %+v", res.Rows[1])
	}

	if len(res.Errors) != 4 {
		t.Fatalf("errors = %+v", res.Errors)
	}
	byField := map[string]int{}
	for _, e := range res.Errors {
		byField[e.Field]++
	}
	if byField["channel_number"] != 2 || byField["name"] != 1 || byField["logo_url"] != 1 {
		t.Errorf("error fields = %v", byField)
	}
	for _, e := range res.Errors {
		if e.Line == 0 {
			t.Errorf("error without line number: %+v", e)
		}
	}
}

func TestParseCommentLineNumbers(t *testing.T) {
	in := strings.Join([]string{
		"# comment",
		"",
		"channel_number,name",
		"# another comment",
		"5,",
	}, "\n")
	res, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 1 || res.Errors[0].Line != 5 {
		t.Errorf("errors = %+v, want name error on line 5", res.Errors)
	}
}

func TestParseMissingNameColumn(t *testing.T) {
	if _, err := Parse(strings.NewReader("channel_number,tvg_id\n1,x")); err == nil {
		t.Error("header without name column accepted")
	}
	if _, err := Parse(strings.NewReader("# only comments\n")); err == nil {
		t.Error("empty input accepted")
	}
}

// Export then parse preserves name and channel_number for every
// non-auto-created channel.
func TestRoundTrip(t *testing.T) {
	channels := []upstream.Channel{
		{ID: 1, Name: "Alpha, Prime", ChannelNumber: 1.5, TvgID: "alpha"},
		{ID: 2, Name: `Quote "Show"`, ChannelNumber: 2},
		{ID: 3, Name: "Auto", ChannelNumber: 3, AutoCreated: true},
		{ID: 4, Name: "Plain", ChannelNumber: 400},
	}
	out, err := ExportBytes(channels, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := Parse(strings.NewReader(string(out)))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("round trip produced errors: %+v", res.Errors)
	}

	want := map[string]float64{"Alpha, Prime": 1.5, `Quote "Show"`: 2, "Plain": 400}
	if len(res.Rows) != len(want) {
		t.Fatalf("rows = %+v", res.Rows)
	}
	for _, row := range res.Rows {
		n, ok := want[row.Name]
		if !ok {
			t.Errorf("unexpected row %q", row.Name)
			continue
		}
		if row.ChannelNumber == nil || *row.ChannelNumber != n {
			t.Errorf("%q number = %v, want %v", row.Name, row.ChannelNumber, n)
		}
	}
}
