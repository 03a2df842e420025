package probe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/ecm/internal/store"
	"github.com/snarg/ecm/internal/upstream"
)

type fakeProber struct {
	mu       sync.Mutex
	attempts map[string]int
	fail     map[string]bool
	result   Result
}

func newFakeProber(failURLs ...string) *fakeProber {
	f := &fakeProber{
		attempts: map[string]int{},
		fail:     map[string]bool{},
		result:   Result{Resolution: "1920x1080", BitrateKbps: 5000, VideoCodec: "h264", AudioCodec: "aac"},
	}
	for _, u := range failURLs {
		f.fail[u] = true
	}
	return f
}

func (f *fakeProber) Probe(_ context.Context, url string) (*Result, error) {
	f.mu.Lock()
	f.attempts[url]++
	f.mu.Unlock()
	if f.fail[url] {
		return nil, errors.New("timed out")
	}
	r := f.result
	return &r, nil
}

type memStats struct {
	mu    sync.Mutex
	stats map[int64]store.StreamStats
}

func newMemStats() *memStats {
	return &memStats{stats: map[int64]store.StreamStats{}}
}

func (m *memStats) RecordProbeSuccess(_ context.Context, id int64, name, res string, kbps int, vc, ac string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.stats[id] = store.StreamStats{
		StreamID: id, StreamName: name, ProbeStatus: store.ProbeSuccess,
		LastProbedAt: &now, ConsecutiveFailures: 0,
		Resolution: res, BitrateKbps: kbps, VideoCodec: vc, AudioCodec: ac,
	}
	return nil
}

func (m *memStats) RecordProbeFailure(_ context.Context, id int64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats[id]
	now := time.Now()
	s.StreamID = id
	s.StreamName = name
	s.ProbeStatus = store.ProbeFailed
	s.LastProbedAt = &now
	s.ConsecutiveFailures++
	m.stats[id] = s
	return nil
}

func (m *memStats) StatsForStreams(_ context.Context, ids []int64) (map[int64]store.StreamStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[int64]store.StreamStats{}
	for _, id := range ids {
		if s, ok := m.stats[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (m *memStats) StruckOutStreams(_ context.Context, threshold int) ([]store.StreamStats, error) {
	if threshold <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.StreamStats
	for _, s := range m.stats {
		if s.ConsecutiveFailures >= threshold && s.DismissedAt == nil {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStats) ResetFailureCounters(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		s := m.stats[id]
		s.ConsecutiveFailures = 0
		m.stats[id] = s
	}
	return nil
}

func testEngine(p Prober, db Store, workers int) *Engine {
	return NewEngine(Options{
		Prober:          p,
		DB:              db,
		Workers:         workers,
		RetryCount:      0,
		RetryDelay:      time.Millisecond,
		StrikeThreshold: 3,
		Log:             zerolog.Nop(),
	})
}

func TestRunBulk(t *testing.T) {
	prober := newFakeProber("http://u/20")
	db := newMemStats()
	e := testEngine(prober, db, 2)

	targets := []Target{
		{StreamID: 10, URL: "http://u/10", Name: "ten"},
		{StreamID: 20, URL: "http://u/20", Name: "twenty"},
		{StreamID: 30, URL: "http://u/30", Name: "thirty"},
	}
	sum, err := e.RunBulk(context.Background(), targets, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Succeeded != 2 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if got := db.stats[10].ConsecutiveFailures; got != 0 {
		t.Errorf("stream 10 failures = %d, want 0", got)
	}
	if got := db.stats[20].ConsecutiveFailures; got != 1 {
		t.Errorf("stream 20 failures = %d, want 1", got)
	}
	if got := db.stats[30].ConsecutiveFailures; got != 0 {
		t.Errorf("stream 30 failures = %d, want 0", got)
	}
	if db.stats[10].Resolution != "1920x1080" || db.stats[10].VideoCodec != "h264" {
		t.Errorf("stream 10 stats = %+v", db.stats[10])
	}
}

func TestRunBulkRetries(t *testing.T) {
	prober := newFakeProber("http://u/1")
	db := newMemStats()
	e := NewEngine(Options{
		Prober: prober, DB: db, Workers: 1,
		RetryCount: 2, RetryDelay: time.Millisecond,
		Log: zerolog.Nop(),
	})

	_, err := e.RunBulk(context.Background(), []Target{{StreamID: 1, URL: "http://u/1"}}, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := prober.attempts["http://u/1"]; got != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", got)
	}
	// Retries collapse into a single recorded failure.
	if got := db.stats[1].ConsecutiveFailures; got != 1 {
		t.Errorf("failures = %d, want 1", got)
	}
}

func TestRunBulkSkipsRecentlyProbed(t *testing.T) {
	prober := newFakeProber()
	db := newMemStats()
	recent := time.Now().Add(-time.Hour)
	db.stats[1] = store.StreamStats{StreamID: 1, ProbeStatus: store.ProbeSuccess, LastProbedAt: &recent}

	e := NewEngine(Options{
		Prober: prober, DB: db, Workers: 1,
		SkipRecentlyProbedHours: 24,
		Log:                     zerolog.Nop(),
	})
	targets := []Target{
		{StreamID: 1, URL: "http://u/1"},
		{StreamID: 2, URL: "http://u/2"},
	}

	sum, err := e.RunBulk(context.Background(), targets, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Skipped != 1 || sum.Probed != 1 {
		t.Errorf("summary = %+v, want 1 skipped 1 probed", sum)
	}

	// force re-probes everything.
	sum, err = e.RunBulk(context.Background(), targets, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Skipped != 0 || sum.Probed != 2 {
		t.Errorf("forced summary = %+v", sum)
	}
}

func TestRunBulkCancellation(t *testing.T) {
	prober := newFakeProber()
	db := newMemStats()
	e := testEngine(prober, db, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var targets []Target
	for i := int64(1); i <= 50; i++ {
		targets = append(targets, Target{StreamID: i, URL: "http://u"})
	}
	sum, err := e.RunBulk(ctx, targets, true, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if sum.Probed == len(targets) {
		t.Error("cancelled run probed the full set")
	}
}

func TestRunBulkProgressFinalUpdate(t *testing.T) {
	prober := newFakeProber()
	db := newMemStats()
	e := testEngine(prober, db, 2)

	var mu sync.Mutex
	var last Progress
	targets := []Target{
		{StreamID: 1, URL: "http://u/1"},
		{StreamID: 2, URL: "http://u/2"},
	}
	_, err := e.RunBulk(context.Background(), targets, true, func(p Progress) {
		mu.Lock()
		last = p
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	if last.Completed != 2 || last.SuccessCount != 2 || last.Total != 2 {
		t.Errorf("final progress = %+v", last)
	}
}

func TestStruckOutThresholdZero(t *testing.T) {
	db := newMemStats()
	db.stats[1] = store.StreamStats{StreamID: 1, ConsecutiveFailures: 99}
	e := NewEngine(Options{Prober: newFakeProber(), DB: db, Workers: 1, StrikeThreshold: 0, Log: zerolog.Nop()})

	out, err := e.StruckOut(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Errorf("struck out = %+v, want empty with threshold 0", out)
	}
}

type fakeChannelAPI struct {
	channels []upstream.Channel
	removed  [][2]int64
}

func (f *fakeChannelAPI) ListChannels(context.Context) ([]upstream.Channel, error) {
	return f.channels, nil
}

func (f *fakeChannelAPI) RemoveStreamFromChannel(_ context.Context, channelID, streamID int64) error {
	f.removed = append(f.removed, [2]int64{channelID, streamID})
	return nil
}

func TestRemoveStruckOut(t *testing.T) {
	db := newMemStats()
	db.stats[7] = store.StreamStats{StreamID: 7, ConsecutiveFailures: 5}
	db.stats[8] = store.StreamStats{StreamID: 8, ConsecutiveFailures: 1}
	e := testEngine(newFakeProber(), db, 1)

	api := &fakeChannelAPI{channels: []upstream.Channel{
		{ID: 1, StreamIDs: []int64{7, 8}},
		{ID: 2, StreamIDs: []int64{7}},
	}}
	removed, err := e.RemoveStruckOut(context.Background(), api)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2 (stream 7 from both channels)", removed)
	}
	for _, r := range api.removed {
		if r[1] != 7 {
			t.Errorf("detached stream %d, only 7 is struck out", r[1])
		}
	}
	if db.stats[7].ConsecutiveFailures != 0 {
		t.Error("struck-out counter was not reset")
	}
}
