package autocreate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/ecm/internal/store"
	"github.com/snarg/ecm/internal/upstream"
)

type fakeAPI struct {
	streams  []upstream.Stream
	channels []upstream.Channel
	groups   []upstream.ChannelGroup

	nextID      int64
	attachments map[int64][]int64
	writes      int
}

func newFakeAPI(streams []upstream.Stream) *fakeAPI {
	return &fakeAPI{streams: streams, nextID: 100, attachments: map[int64][]int64{}}
}

func (f *fakeAPI) ListStreams(_ context.Context, accountIDs []int64) ([]upstream.Stream, error) {
	if len(accountIDs) == 0 {
		return f.streams, nil
	}
	var out []upstream.Stream
	for _, s := range f.streams {
		for _, id := range accountIDs {
			if s.M3UAccountID == id {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeAPI) ListChannels(_ context.Context) ([]upstream.Channel, error) {
	return f.channels, nil
}

func (f *fakeAPI) ListChannelGroups(_ context.Context) ([]upstream.ChannelGroup, error) {
	return f.groups, nil
}

func (f *fakeAPI) CreateChannel(_ context.Context, in upstream.ChannelCreate) (*upstream.Channel, error) {
	f.writes++
	f.nextID++
	ch := upstream.Channel{ID: f.nextID, Name: in.Name, AutoCreated: in.AutoCreated, Enabled: true}
	if in.ChannelGroupID != nil {
		ch.ChannelGroupID = in.ChannelGroupID
	}
	f.channels = append(f.channels, ch)
	return &ch, nil
}

func (f *fakeAPI) CreateChannelGroup(_ context.Context, name string) (*upstream.ChannelGroup, error) {
	f.writes++
	f.nextID++
	g := upstream.ChannelGroup{ID: f.nextID, Name: name, Enabled: true}
	f.groups = append(f.groups, g)
	return &g, nil
}

func (f *fakeAPI) AddStreamToChannel(_ context.Context, channelID, streamID int64) error {
	f.writes++
	f.attachments[channelID] = append(f.attachments[channelID], streamID)
	return nil
}

func (f *fakeAPI) UpdateChannel(_ context.Context, id int64, in upstream.ChannelUpdate) (*upstream.Channel, error) {
	f.writes++
	for i := range f.channels {
		if f.channels[i].ID != id {
			continue
		}
		if in.Name != nil {
			f.channels[i].Name = *in.Name
		}
		if in.Enabled != nil {
			f.channels[i].Enabled = *in.Enabled
		}
		ch := f.channels[i]
		return &ch, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeAPI) DeleteChannel(_ context.Context, id int64) error {
	f.writes++
	for i, ch := range f.channels {
		if ch.ID == id {
			f.channels = append(f.channels[:i], f.channels[i+1:]...)
			return nil
		}
	}
	return errors.New("not found")
}

func (f *fakeAPI) DeleteChannelGroup(_ context.Context, id int64) error {
	f.writes++
	for i, g := range f.groups {
		if g.ID == id {
			f.groups = append(f.groups[:i], f.groups[i+1:]...)
			return nil
		}
	}
	return errors.New("not found")
}

func (f *fakeAPI) HideChannelGroup(_ context.Context, id int64) error {
	f.writes++
	for i := range f.groups {
		if f.groups[i].ID == id {
			f.groups[i].Enabled = false
			return nil
		}
	}
	return errors.New("not found")
}

type memStore struct {
	rules  []store.AutoCreationRule
	nextID int64
	execs  map[int64]*store.AutoCreationExecution
}

func newMemStore(rules ...store.AutoCreationRule) *memStore {
	return &memStore{rules: rules, execs: map[int64]*store.AutoCreationExecution{}}
}

func (m *memStore) ListAutoCreationRules(context.Context) ([]store.AutoCreationRule, error) {
	return m.rules, nil
}

func (m *memStore) InsertExecution(_ context.Context, e *store.AutoCreationExecution) error {
	m.nextID++
	e.ID = m.nextID
	e.StartedAt = time.Now().UTC()
	e.Status = store.ExecRunning
	cp := *e
	m.execs[e.ID] = &cp
	return nil
}

func (m *memStore) FinishExecution(_ context.Context, e *store.AutoCreationExecution) error {
	cp := *e
	m.execs[e.ID] = &cp
	return nil
}

func (m *memStore) GetExecution(_ context.Context, id int64) (*store.AutoCreationExecution, error) {
	e, ok := m.execs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) MarkExecutionRolledBack(_ context.Context, id int64) error {
	e := m.execs[id]
	e.Status = store.ExecRolledBack
	e.ChannelsCreated = 0
	e.GroupsCreated = 0
	e.CreatedChannelIDs = nil
	e.CreatedGroupIDs = nil
	return nil
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func sportsRule(t *testing.T, id int64, priority int) store.AutoCreationRule {
	return store.AutoCreationRule{
		ID: id, Name: "sports", Enabled: true, Priority: priority,
		Conditions: mustJSON(t, []Condition{{Type: CondGroupEquals, Value: "Sports"}}),
		Actions: mustJSON(t, []Action{
			{Type: ActionCreateChannel, NameTemplate: "{name}", GroupName: "Sports"},
		}),
	}
}

func testStreams() []upstream.Stream {
	return []upstream.Stream{
		{ID: 1, Name: "ESPN", GroupName: "Sports", M3UAccountID: 7},
		{ID: 2, Name: "ESPN", GroupName: "Sports", M3UAccountID: 8},
		{ID: 3, Name: "CNN", GroupName: "News", M3UAccountID: 7},
	}
}

func TestRunExecute(t *testing.T) {
	api := newFakeAPI(testStreams())
	db := newMemStore(sportsRule(t, 1, 1))
	e := NewEngine(api, db, zerolog.Nop())

	exec, err := e.Run(context.Background(), Options{TriggeredBy: "manual"})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != store.ExecCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if exec.StreamsEvaluated != 3 || exec.StreamsMatched != 2 {
		t.Errorf("evaluated = %d, matched = %d; want 3, 2", exec.StreamsEvaluated, exec.StreamsMatched)
	}
	// Both ESPN streams merge into one created channel.
	if exec.ChannelsCreated != 1 || exec.GroupsCreated != 1 {
		t.Errorf("channels = %d, groups = %d; want 1, 1", exec.ChannelsCreated, exec.GroupsCreated)
	}
	if len(exec.CreatedChannelIDs) != 1 {
		t.Fatalf("created channel ids = %v", exec.CreatedChannelIDs)
	}
	attached := api.attachments[exec.CreatedChannelIDs[0]]
	if len(attached) != 2 {
		t.Errorf("attachments = %v, want both ESPN streams", attached)
	}
}

func TestRunDryRunMakesNoWrites(t *testing.T) {
	api := newFakeAPI(testStreams())
	db := newMemStore(sportsRule(t, 1, 1))
	e := NewEngine(api, db, zerolog.Nop())

	exec, err := e.Run(context.Background(), Options{DryRun: true, TriggeredBy: "manual"})
	if err != nil {
		t.Fatal(err)
	}
	if api.writes != 0 {
		t.Errorf("upstream writes = %d, want 0", api.writes)
	}
	if exec.Status != store.ExecCompleted || exec.Mode != "dry_run" {
		t.Errorf("status = %s, mode = %s", exec.Status, exec.Mode)
	}
	var p plan
	if err := json.Unmarshal(exec.Details, &p); err != nil {
		t.Fatalf("details: %v", err)
	}
	if len(p.Channels) != 1 || p.Channels[0].Name != "ESPN" {
		t.Errorf("plan channels = %+v", p.Channels)
	}
}

func TestRunMergesIntoExistingChannel(t *testing.T) {
	api := newFakeAPI(testStreams())
	api.channels = []upstream.Channel{{ID: 50, Name: "ESPN", Enabled: true}}
	db := newMemStore(sportsRule(t, 1, 1))
	e := NewEngine(api, db, zerolog.Nop())

	exec, err := e.Run(context.Background(), Options{TriggeredBy: "manual"})
	if err != nil {
		t.Fatal(err)
	}
	if exec.ChannelsCreated != 0 {
		t.Errorf("channels created = %d, want 0", exec.ChannelsCreated)
	}
	if exec.StreamsMerged != 2 {
		t.Errorf("streams merged = %d, want 2", exec.StreamsMerged)
	}
	if got := api.attachments[50]; len(got) != 2 {
		t.Errorf("attachments to existing channel = %v", got)
	}
}

func TestRunConflictFirstRuleWins(t *testing.T) {
	first := sportsRule(t, 1, 1)
	second := store.AutoCreationRule{
		ID: 2, Name: "sports-alt", Enabled: true, Priority: 2,
		Conditions: mustJSON(t, []Condition{{Type: CondNameContains, Value: "ESPN"}}),
		Actions: mustJSON(t, []Action{
			{Type: ActionCreateChannel, NameTemplate: "{name}", GroupName: "Premium"},
		}),
	}
	api := newFakeAPI(testStreams())
	db := newMemStore(first, second)
	e := NewEngine(api, db, zerolog.Nop())

	exec, err := e.Run(context.Background(), Options{TriggeredBy: "manual"})
	if err != nil {
		t.Fatal(err)
	}
	if exec.ChannelsCreated != 1 {
		t.Fatalf("channels created = %d, want 1", exec.ChannelsCreated)
	}
	if len(exec.Conflicts) == 0 {
		t.Fatal("expected a recorded conflict for the second rule")
	}
	if exec.Conflicts[0].RuleID != 2 {
		t.Errorf("conflict rule = %d, want 2", exec.Conflicts[0].RuleID)
	}
	// The winning rule's group exists, the loser's does not.
	for _, g := range api.groups {
		if g.Name == "Premium" {
			t.Error("losing rule's group was created")
		}
	}
}

func TestRunAccountFilterAndExclusions(t *testing.T) {
	api := newFakeAPI(testStreams())
	db := newMemStore(sportsRule(t, 1, 1))
	e := NewEngine(api, db, zerolog.Nop())
	e.ExcludedTerms = []string{"espn"}

	exec, err := e.Run(context.Background(), Options{TriggeredBy: "manual", M3UAccountIDs: []int64{7}})
	if err != nil {
		t.Fatal(err)
	}
	// Account 7 has ESPN (excluded by term) and CNN (no rule match).
	if exec.StreamsEvaluated != 1 || exec.ChannelsCreated != 0 {
		t.Errorf("evaluated = %d, created = %d; want 1, 0", exec.StreamsEvaluated, exec.ChannelsCreated)
	}
}

func TestRollback(t *testing.T) {
	api := newFakeAPI(testStreams())
	db := newMemStore(sportsRule(t, 1, 1))
	e := NewEngine(api, db, zerolog.Nop())
	ctx := context.Background()

	exec, err := e.Run(ctx, Options{TriggeredBy: "manual"})
	if err != nil {
		t.Fatal(err)
	}
	chID := exec.CreatedChannelIDs[0]

	rb, err := e.Rollback(ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rb.Status != store.ExecRolledBack {
		t.Fatalf("status = %s, want rolled_back", rb.Status)
	}
	for _, ch := range api.channels {
		if ch.ID == chID {
			t.Error("created channel survived rollback")
		}
	}
	if len(api.groups) != 0 {
		t.Errorf("created group survived rollback: %+v", api.groups)
	}

	// Second rollback is a no-op success.
	writesBefore := api.writes
	if _, err := e.Rollback(ctx, exec.ID); err != nil {
		t.Fatalf("second rollback: %v", err)
	}
	if api.writes != writesBefore {
		t.Error("second rollback touched the upstream")
	}
}

func TestRollbackHidesReferencedGroup(t *testing.T) {
	api := newFakeAPI(testStreams())
	db := newMemStore(sportsRule(t, 1, 1))
	e := NewEngine(api, db, zerolog.Nop())
	ctx := context.Background()

	exec, err := e.Run(ctx, Options{TriggeredBy: "manual"})
	if err != nil {
		t.Fatal(err)
	}
	// An account picked up the group between run and rollback.
	for i := range api.groups {
		api.groups[i].M3UAccountIDs = []int64{7}
	}

	if _, err := e.Rollback(ctx, exec.ID); err != nil {
		t.Fatal(err)
	}
	if len(api.groups) != 1 || api.groups[0].Enabled {
		t.Errorf("referenced group should be hidden, not deleted: %+v", api.groups)
	}
}

func TestRunOnRefresh(t *testing.T) {
	onRefresh := sportsRule(t, 1, 1)
	onRefresh.RunOnRefresh = true
	manualOnly := store.AutoCreationRule{
		ID: 2, Name: "news", Enabled: true, Priority: 2,
		Conditions: mustJSON(t, []Condition{{Type: CondGroupEquals, Value: "News"}}),
		Actions: mustJSON(t, []Action{
			{Type: ActionCreateChannel, NameTemplate: "{name}"},
		}),
	}
	api := newFakeAPI(testStreams())
	db := newMemStore(onRefresh, manualOnly)
	e := NewEngine(api, db, zerolog.Nop())

	if err := e.RunOnRefresh(context.Background(), []int64{7}); err != nil {
		t.Fatal(err)
	}
	for _, ch := range api.channels {
		if ch.Name == "CNN" {
			t.Error("rule without run_on_refresh fired")
		}
	}
	found := false
	for _, ch := range api.channels {
		if ch.Name == "ESPN" {
			found = true
		}
	}
	if !found {
		t.Error("run_on_refresh rule did not fire")
	}
}

// orphanFixture is an upstream with one live News stream and one auto-created
// Sports channel whose only stream is gone.
func orphanFixture(rule store.AutoCreationRule) (*fakeAPI, *memStore) {
	gid := int64(10)
	api := newFakeAPI([]upstream.Stream{
		{ID: 3, Name: "CNN", GroupName: "News", M3UAccountID: 7},
	})
	api.groups = []upstream.ChannelGroup{{ID: gid, Name: "Sports", Enabled: true}}
	api.channels = []upstream.Channel{{
		ID: 50, Name: "Old Sports", ChannelGroupID: &gid,
		StreamIDs: []int64{999}, AutoCreated: true, Enabled: true,
	}}
	return api, newMemStore(rule)
}

func TestOrphanActions(t *testing.T) {
	tests := []struct {
		name        string
		action      string
		wantRemoved int
		wantPresent bool
		wantEnabled bool
	}{
		{name: "delete", action: store.OrphanDelete, wantRemoved: 1},
		{name: "keep", action: store.OrphanKeep, wantPresent: true, wantEnabled: true},
		{name: "disable", action: store.OrphanDisable, wantPresent: true, wantEnabled: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := sportsRule(t, 1, 1)
			rule.OrphanAction = tt.action
			api, db := orphanFixture(rule)
			e := NewEngine(api, db, zerolog.Nop())

			exec, err := e.Run(context.Background(), Options{TriggeredBy: "manual"})
			if err != nil {
				t.Fatal(err)
			}
			if exec.Status != store.ExecCompleted {
				t.Fatalf("status = %s, want completed", exec.Status)
			}
			if exec.ChannelsRemoved != tt.wantRemoved {
				t.Errorf("channels removed = %d, want %d", exec.ChannelsRemoved, tt.wantRemoved)
			}
			var got *upstream.Channel
			for i := range api.channels {
				if api.channels[i].ID == 50 {
					got = &api.channels[i]
				}
			}
			if (got != nil) != tt.wantPresent {
				t.Fatalf("channel present = %v, want %v", got != nil, tt.wantPresent)
			}
			if got != nil && got.Enabled != tt.wantEnabled {
				t.Errorf("enabled = %v, want %v", got.Enabled, tt.wantEnabled)
			}
			if tt.action == store.OrphanDisable && exec.ChannelsUpdated != 1 {
				t.Errorf("channels updated = %d, want 1", exec.ChannelsUpdated)
			}
		})
	}
}

func TestOrphanUnclaimedChannelIsKept(t *testing.T) {
	rule := sportsRule(t, 1, 1)
	rule.OrphanAction = store.OrphanDelete
	api, db := orphanFixture(rule)
	// Move the orphan out of the rule's group; no rule claims it.
	api.channels[0].ChannelGroupID = nil
	e := NewEngine(api, db, zerolog.Nop())

	exec, err := e.Run(context.Background(), Options{TriggeredBy: "manual"})
	if err != nil {
		t.Fatal(err)
	}
	if exec.ChannelsRemoved != 0 || len(api.channels) != 1 {
		t.Errorf("unclaimed orphan was touched: removed = %d, channels = %+v",
			exec.ChannelsRemoved, api.channels)
	}
}

func TestOrphanLiveChannelIsUntouched(t *testing.T) {
	rule := sportsRule(t, 1, 1)
	rule.OrphanAction = store.OrphanDelete
	api, db := orphanFixture(rule)
	// One of the channel's streams still exists upstream.
	api.streams = append(api.streams, upstream.Stream{
		ID: 999, Name: "Sky Sports", GroupName: "Sports", M3UAccountID: 7,
	})
	e := NewEngine(api, db, zerolog.Nop())

	exec, err := e.Run(context.Background(), Options{TriggeredBy: "manual"})
	if err != nil {
		t.Fatal(err)
	}
	if exec.ChannelsRemoved != 0 {
		t.Errorf("channels removed = %d, want 0", exec.ChannelsRemoved)
	}
	for _, ch := range api.channels {
		if ch.ID == 50 && !ch.Enabled {
			t.Error("live channel was disabled")
		}
	}
}

func TestOrphanDryRunReportsWithoutWrites(t *testing.T) {
	rule := sportsRule(t, 1, 1)
	rule.OrphanAction = store.OrphanDelete
	api, db := orphanFixture(rule)
	e := NewEngine(api, db, zerolog.Nop())

	exec, err := e.Run(context.Background(), Options{DryRun: true, TriggeredBy: "manual"})
	if err != nil {
		t.Fatal(err)
	}
	if api.writes != 0 {
		t.Errorf("upstream writes = %d, want 0", api.writes)
	}
	var p plan
	if err := json.Unmarshal(exec.Details, &p); err != nil {
		t.Fatalf("details: %v", err)
	}
	if len(p.Orphans) != 1 || p.Orphans[0].ChannelID != 50 || p.Orphans[0].Action != store.OrphanDelete {
		t.Errorf("plan orphans = %+v", p.Orphans)
	}
}

func TestValidateRule(t *testing.T) {
	tests := []struct {
		name    string
		rule    store.AutoCreationRule
		wantErr string
	}{
		{
			name: "valid",
			rule: store.AutoCreationRule{
				Name:       "ok",
				Conditions: json.RawMessage(`[{"type":"name_contains","value":"HD"}]`),
				Actions:    json.RawMessage(`[{"type":"create_channel","name_template":"{name}"}]`),
			},
		},
		{
			name: "unknown_condition_type",
			rule: store.AutoCreationRule{
				Name:       "bad",
				Conditions: json.RawMessage(`[{"type":"sounds_like","value":"HD"}]`),
				Actions:    json.RawMessage(`[{"type":"create_channel","name_template":"{name}"}]`),
			},
			wantErr: "unknown condition type",
		},
		{
			name: "unknown_action_type",
			rule: store.AutoCreationRule{
				Name:       "bad",
				Conditions: json.RawMessage(`[{"type":"name_contains","value":"HD"}]`),
				Actions:    json.RawMessage(`[{"type":"explode"}]`),
			},
			wantErr: "unknown action type",
		},
		{
			name: "invalid_regex",
			rule: store.AutoCreationRule{
				Name:       "bad",
				Conditions: json.RawMessage(`[{"type":"name_regex","value":"(["}]`),
				Actions:    json.RawMessage(`[{"type":"create_channel","name_template":"{name}"}]`),
			},
			wantErr: "invalid regex",
		},
		{
			name: "empty_conditions",
			rule: store.AutoCreationRule{
				Name:       "bad",
				Conditions: json.RawMessage(`[]`),
				Actions:    json.RawMessage(`[{"type":"create_channel","name_template":"{name}"}]`),
			},
			wantErr: "must not be empty",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRule(&tt.rule)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %v, want *ValidationError", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestTemplateExpansion(t *testing.T) {
	rule := store.AutoCreationRule{
		ID: 1, Name: "regex", Enabled: true,
		Conditions: json.RawMessage(`[{"type":"name_regex","value":"^(?<country>[A-Z]{2}): (?<channel>.+)$"}]`),
		Actions:    json.RawMessage(`[{"type":"create_channel","name_template":"{channel} ({country})"}]`),
	}
	cr, err := compileRule(rule)
	if err != nil {
		t.Fatal(err)
	}
	vars, ok := cr.match(upstream.Stream{ID: 1, Name: "UK: Sky Sports"})
	if !ok {
		t.Fatal("expected match")
	}
	if got := expandTemplate("{channel} ({country})", vars); got != "Sky Sports (UK)" {
		t.Errorf("expanded = %q, want Sky Sports (UK)", got)
	}
}
