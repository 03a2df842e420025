package m3u

import (
	"context"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/ecm/internal/store"
	"github.com/snarg/ecm/internal/upstream"
)

type fakeAPI struct {
	groups  []upstream.ChannelGroup
	streams []upstream.Stream
}

func (f *fakeAPI) ListChannelGroups(context.Context) ([]upstream.ChannelGroup, error) {
	return f.groups, nil
}

func (f *fakeAPI) ListStreams(_ context.Context, accountIDs []int64) ([]upstream.Stream, error) {
	var out []upstream.Stream
	for _, s := range f.streams {
		for _, id := range accountIDs {
			if s.M3UAccountID == id {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

type memSnapshots struct {
	latest map[int64]*store.M3USnapshot
	saved  [][]store.M3UChangeLog
	nextID int64
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{latest: map[int64]*store.M3USnapshot{}}
}

func (m *memSnapshots) LatestSnapshot(_ context.Context, accountID int64) (*store.M3USnapshot, error) {
	s, ok := m.latest[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (m *memSnapshots) SaveSnapshotWithChanges(_ context.Context, s *store.M3USnapshot, changes []store.M3UChangeLog) error {
	m.nextID++
	s.ID = m.nextID
	s.TakenAt = time.Now().UTC()
	m.latest[s.M3UAccountID] = s
	m.saved = append(m.saved, changes)
	return nil
}

func snap(account int64, groups []store.SnapshotGroup, names map[string][]string) *store.M3USnapshot {
	total := 0
	for _, g := range groups {
		total += g.StreamCount
	}
	return &store.M3USnapshot{
		M3UAccountID:       account,
		Groups:             groups,
		StreamNamesByGroup: names,
		TotalStreams:       total,
	}
}

func TestDiff(t *testing.T) {
	d := NewDetector(nil, nil, 500, zerolog.Nop())

	t.Run("streams_added", func(t *testing.T) {
		prev := snap(1,
			[]store.SnapshotGroup{{Name: "Sports", StreamCount: 1, Enabled: true}},
			map[string][]string{"Sports": {"ESPN"}})
		next := snap(1,
			[]store.SnapshotGroup{{Name: "Sports", StreamCount: 2, Enabled: true}},
			map[string][]string{"Sports": {"ESPN", "FOX"}})

		cs := d.Diff(prev, next)
		if !cs.HasChanges || len(cs.Changes) != 1 {
			t.Fatalf("changes = %+v", cs.Changes)
		}
		c := cs.Changes[0]
		if c.ChangeType != store.ChangeStreamsAdded || c.GroupName != "Sports" ||
			c.Count != 1 || !reflect.DeepEqual(c.StreamNames, []string{"FOX"}) {
			t.Errorf("change = %+v", c)
		}
	})

	t.Run("no_difference_is_empty", func(t *testing.T) {
		s1 := snap(1,
			[]store.SnapshotGroup{{Name: "Sports", StreamCount: 1, Enabled: true}},
			map[string][]string{"Sports": {"ESPN"}})
		s2 := snap(1,
			[]store.SnapshotGroup{{Name: "Sports", StreamCount: 1, Enabled: true}},
			map[string][]string{"Sports": {"ESPN"}})
		cs := d.Diff(s1, s2)
		if cs.HasChanges {
			t.Errorf("unexpected changes: %+v", cs.Changes)
		}
	})

	t.Run("group_added_and_removed", func(t *testing.T) {
		prev := snap(1,
			[]store.SnapshotGroup{{Name: "Old", StreamCount: 3, Enabled: true}}, nil)
		next := snap(1,
			[]store.SnapshotGroup{{Name: "New", StreamCount: 5, Enabled: true}}, nil)

		cs := d.Diff(prev, next)
		types := map[string]store.M3UChangeLog{}
		for _, c := range cs.Changes {
			types[c.ChangeType] = c
		}
		if c, ok := types[store.ChangeGroupAdded]; !ok || c.GroupName != "New" || c.Count != 5 {
			t.Errorf("group_added = %+v", c)
		}
		if c, ok := types[store.ChangeGroupRemoved]; !ok || c.GroupName != "Old" || c.Count != 3 {
			t.Errorf("group_removed = %+v", c)
		}
	})

	t.Run("enable_flip", func(t *testing.T) {
		prev := snap(1, []store.SnapshotGroup{{Name: "Kids", Enabled: true}}, nil)
		next := snap(1, []store.SnapshotGroup{{Name: "Kids", Enabled: false}}, nil)

		cs := d.Diff(prev, next)
		if len(cs.Changes) != 1 || cs.Changes[0].ChangeType != store.ChangeGroupDisabled {
			t.Fatalf("changes = %+v", cs.Changes)
		}
		if cs.Changes[0].Enabled == nil || *cs.Changes[0].Enabled {
			t.Error("enabled flag should carry the new value false")
		}
	})

	// Applying the diffs to the previous sets must reproduce the next sets.
	t.Run("identity_preserving", func(t *testing.T) {
		prev := snap(1,
			[]store.SnapshotGroup{
				{Name: "Sports", StreamCount: 2, Enabled: true},
				{Name: "Old", StreamCount: 1, Enabled: true},
			},
			map[string][]string{"Sports": {"ESPN", "TNT"}, "Old": {"X"}})
		next := snap(1,
			[]store.SnapshotGroup{
				{Name: "Sports", StreamCount: 2, Enabled: true},
				{Name: "New", StreamCount: 1, Enabled: true},
			},
			map[string][]string{"Sports": {"ESPN", "FOX"}, "New": {"Y"}})

		cs := d.Diff(prev, next)

		groups := map[string]bool{}
		for _, g := range prev.Groups {
			groups[g.Name] = true
		}
		streams := map[string]map[string]bool{}
		for g, names := range prev.StreamNamesByGroup {
			streams[g] = map[string]bool{}
			for _, n := range names {
				streams[g][n] = true
			}
		}
		for _, c := range cs.Changes {
			switch c.ChangeType {
			case store.ChangeGroupAdded:
				groups[c.GroupName] = true
			case store.ChangeGroupRemoved:
				delete(groups, c.GroupName)
				delete(streams, c.GroupName)
			case store.ChangeStreamsAdded:
				if streams[c.GroupName] == nil {
					streams[c.GroupName] = map[string]bool{}
				}
				for _, n := range c.StreamNames {
					streams[c.GroupName][n] = true
				}
			case store.ChangeStreamsRemoved:
				for _, n := range c.StreamNames {
					delete(streams[c.GroupName], n)
				}
			}
		}

		var gotGroups []string
		for g := range groups {
			gotGroups = append(gotGroups, g)
		}
		sort.Strings(gotGroups)
		wantGroups := []string{"New", "Sports"}
		if !reflect.DeepEqual(gotGroups, wantGroups) {
			t.Errorf("groups after replay = %v, want %v", gotGroups, wantGroups)
		}
		for g, want := range next.StreamNamesByGroup {
			for _, n := range want {
				if !streams[g][n] {
					t.Errorf("stream %s/%s missing after replay", g, n)
				}
			}
			if len(streams[g]) != len(want) {
				t.Errorf("group %s has %d streams after replay, want %d", g, len(streams[g]), len(want))
			}
		}
	})

	t.Run("cap_applies_to_names_not_count", func(t *testing.T) {
		small := NewDetector(nil, nil, 2, zerolog.Nop())
		prev := snap(1, []store.SnapshotGroup{{Name: "G", Enabled: true}},
			map[string][]string{"G": {}})
		next := snap(1, []store.SnapshotGroup{{Name: "G", Enabled: true}},
			map[string][]string{"G": {"a", "b", "c", "d"}})

		cs := small.Diff(prev, next)
		if len(cs.Changes) != 1 {
			t.Fatalf("changes = %+v", cs.Changes)
		}
		c := cs.Changes[0]
		if c.Count != 4 || len(c.StreamNames) != 2 {
			t.Errorf("count = %d names = %v; want full count with capped names", c.Count, c.StreamNames)
		}
	})
}

func TestDetect(t *testing.T) {
	api := &fakeAPI{
		groups: []upstream.ChannelGroup{{ID: 1, Name: "Sports", Enabled: true, M3UAccountIDs: []int64{1}}},
		streams: []upstream.Stream{
			{ID: 1, Name: "ESPN", GroupName: "Sports", M3UAccountID: 1},
		},
	}
	db := newMemSnapshots()
	d := NewDetector(api, db, 500, zerolog.Nop())
	ctx := context.Background()

	// First run establishes a baseline without changes.
	cs, err := d.Detect(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if cs.HasChanges {
		t.Errorf("baseline reported changes: %+v", cs.Changes)
	}
	if len(db.saved) != 1 || len(db.saved[0]) != 0 {
		t.Fatalf("baseline persisted %d change sets", len(db.saved))
	}

	// A stream appears upstream.
	api.streams = append(api.streams, upstream.Stream{ID: 2, Name: "FOX", GroupName: "Sports", M3UAccountID: 1})
	cs, err = d.Detect(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !cs.HasChanges || len(cs.Changes) != 1 || cs.Changes[0].ChangeType != store.ChangeStreamsAdded {
		t.Fatalf("changes = %+v", cs.Changes)
	}

	// Nothing changed: nothing persisted.
	before := len(db.saved)
	cs, err = d.Detect(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if cs.HasChanges || len(db.saved) != before {
		t.Error("unchanged state must not persist a snapshot")
	}
}
