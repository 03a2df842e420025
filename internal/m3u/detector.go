// Package m3u snapshots upstream playlist state per account and diffs
// consecutive snapshots into typed change logs.
package m3u

import (
	"context"
	"errors"
	"sort"

	"github.com/rs/zerolog"
	"github.com/snarg/ecm/internal/store"
	"github.com/snarg/ecm/internal/upstream"
)

// API is the upstream slice the detector reads from.
type API interface {
	ListChannelGroups(ctx context.Context) ([]upstream.ChannelGroup, error)
	ListStreams(ctx context.Context, accountIDs []int64) ([]upstream.Stream, error)
}

// Store persists snapshots and change logs. *store.DB satisfies it.
type Store interface {
	LatestSnapshot(ctx context.Context, accountID int64) (*store.M3USnapshot, error)
	SaveSnapshotWithChanges(ctx context.Context, s *store.M3USnapshot, changes []store.M3UChangeLog) error
}

// Detector builds snapshots and persists change sets. SampleCap bounds the
// stream names recorded per group and per change row.
type Detector struct {
	api       API
	db        Store
	log       zerolog.Logger
	SampleCap int
}

func NewDetector(api API, db Store, sampleCap int, log zerolog.Logger) *Detector {
	if sampleCap <= 0 {
		sampleCap = 500
	}
	return &Detector{
		api:       api,
		db:        db,
		log:       log.With().Str("component", "m3u-detector").Logger(),
		SampleCap: sampleCap,
	}
}

// ChangeSet is the diff between two consecutive snapshots of one account.
type ChangeSet struct {
	M3UAccountID int64                `json:"m3u_account_id"`
	HasChanges   bool                 `json:"has_changes"`
	Changes      []store.M3UChangeLog `json:"changes"`
}

// BuildSnapshot captures the account's current upstream state.
func (d *Detector) BuildSnapshot(ctx context.Context, accountID int64) (*store.M3USnapshot, error) {
	groups, err := d.api.ListChannelGroups(ctx)
	if err != nil {
		return nil, err
	}
	streams, err := d.api.ListStreams(ctx, []int64{accountID})
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	names := map[string][]string{}
	for _, s := range streams {
		counts[s.GroupName]++
		if len(names[s.GroupName]) < d.SampleCap {
			names[s.GroupName] = append(names[s.GroupName], s.Name)
		}
	}

	snap := &store.M3USnapshot{
		M3UAccountID:       accountID,
		StreamNamesByGroup: map[string][]string{},
		TotalStreams:       len(streams),
	}
	for _, g := range groups {
		if !accountInGroup(g, accountID) {
			continue
		}
		snap.Groups = append(snap.Groups, store.SnapshotGroup{
			Name:        g.Name,
			StreamCount: counts[g.Name],
			Enabled:     g.Enabled,
		})
		if g.Enabled {
			snap.StreamNamesByGroup[g.Name] = names[g.Name]
		}
	}
	sort.Slice(snap.Groups, func(i, j int) bool { return snap.Groups[i].Name < snap.Groups[j].Name })
	return snap, nil
}

// Detect snapshots the account, diffs against the previous snapshot, and
// persists the new snapshot plus change rows only when something changed.
// The first snapshot for an account establishes a baseline with no changes.
func (d *Detector) Detect(ctx context.Context, accountID int64) (*ChangeSet, error) {
	next, err := d.BuildSnapshot(ctx, accountID)
	if err != nil {
		return nil, err
	}

	prev, err := d.db.LatestSnapshot(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		if err := d.db.SaveSnapshotWithChanges(ctx, next, nil); err != nil {
			return nil, err
		}
		d.log.Info().Int64("account_id", accountID).Msg("baseline snapshot recorded")
		return &ChangeSet{M3UAccountID: accountID}, nil
	}
	if err != nil {
		return nil, err
	}

	cs := d.Diff(prev, next)
	if !cs.HasChanges {
		return cs, nil
	}
	if err := d.db.SaveSnapshotWithChanges(ctx, next, cs.Changes); err != nil {
		return nil, err
	}
	d.log.Info().
		Int64("account_id", accountID).
		Int("changes", len(cs.Changes)).
		Msg("playlist changes recorded")
	return cs, nil
}

// Diff computes the change set between two snapshots of the same account.
// Stream diffs are set differences over name lists, never count deltas.
func (d *Detector) Diff(prev, next *store.M3USnapshot) *ChangeSet {
	cs := &ChangeSet{M3UAccountID: next.M3UAccountID}

	prevGroups := map[string]store.SnapshotGroup{}
	for _, g := range prev.Groups {
		prevGroups[g.Name] = g
	}
	nextGroups := map[string]store.SnapshotGroup{}
	for _, g := range next.Groups {
		nextGroups[g.Name] = g
	}

	for _, g := range next.Groups {
		pg, existed := prevGroups[g.Name]
		if !existed {
			cs.add(store.M3UChangeLog{
				M3UAccountID: next.M3UAccountID,
				ChangeType:   store.ChangeGroupAdded,
				GroupName:    g.Name,
				Count:        g.StreamCount,
				Enabled:      boolPtr(g.Enabled),
			})
			continue
		}
		if pg.Enabled != g.Enabled {
			ct := store.ChangeGroupDisabled
			if g.Enabled {
				ct = store.ChangeGroupEnabled
			}
			cs.add(store.M3UChangeLog{
				M3UAccountID: next.M3UAccountID,
				ChangeType:   ct,
				GroupName:    g.Name,
				Enabled:      boolPtr(g.Enabled),
			})
		}

		added := setDiff(next.StreamNamesByGroup[g.Name], prev.StreamNamesByGroup[g.Name])
		if len(added) > 0 {
			cs.add(store.M3UChangeLog{
				M3UAccountID: next.M3UAccountID,
				ChangeType:   store.ChangeStreamsAdded,
				GroupName:    g.Name,
				Count:        len(added),
				StreamNames:  capNames(added, d.SampleCap),
			})
		}
		removed := setDiff(prev.StreamNamesByGroup[g.Name], next.StreamNamesByGroup[g.Name])
		if len(removed) > 0 {
			cs.add(store.M3UChangeLog{
				M3UAccountID: next.M3UAccountID,
				ChangeType:   store.ChangeStreamsRemoved,
				GroupName:    g.Name,
				Count:        len(removed),
				StreamNames:  capNames(removed, d.SampleCap),
			})
		}
	}

	for _, g := range prev.Groups {
		if _, still := nextGroups[g.Name]; !still {
			cs.add(store.M3UChangeLog{
				M3UAccountID: next.M3UAccountID,
				ChangeType:   store.ChangeGroupRemoved,
				GroupName:    g.Name,
				Count:        g.StreamCount,
			})
		}
	}

	return cs
}

func (cs *ChangeSet) add(c store.M3UChangeLog) {
	cs.Changes = append(cs.Changes, c)
	cs.HasChanges = true
}

// setDiff returns the elements of a not present in b, in a's order.
func setDiff(a, b []string) []string {
	if len(a) == 0 {
		return nil
	}
	bset := make(map[string]bool, len(b))
	for _, s := range b {
		bset[s] = true
	}
	var out []string
	for _, s := range a {
		if !bset[s] {
			out = append(out, s)
		}
	}
	return out
}

func capNames(names []string, max int) []string {
	if len(names) <= max {
		return names
	}
	return names[:max]
}

func accountInGroup(g upstream.ChannelGroup, accountID int64) bool {
	if len(g.M3UAccountIDs) == 0 {
		return true
	}
	for _, id := range g.M3UAccountIDs {
		if id == accountID {
			return true
		}
	}
	return false
}

func boolPtr(b bool) *bool { return &b }
