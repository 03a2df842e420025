package autocreate

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/snarg/ecm/internal/store"
	"github.com/snarg/ecm/internal/upstream"
)

// API is the slice of the upstream client the pipeline drives.
type API interface {
	ListStreams(ctx context.Context, accountIDs []int64) ([]upstream.Stream, error)
	ListChannels(ctx context.Context) ([]upstream.Channel, error)
	ListChannelGroups(ctx context.Context) ([]upstream.ChannelGroup, error)
	CreateChannel(ctx context.Context, in upstream.ChannelCreate) (*upstream.Channel, error)
	CreateChannelGroup(ctx context.Context, name string) (*upstream.ChannelGroup, error)
	AddStreamToChannel(ctx context.Context, channelID, streamID int64) error
	UpdateChannel(ctx context.Context, id int64, in upstream.ChannelUpdate) (*upstream.Channel, error)
	DeleteChannel(ctx context.Context, id int64) error
	DeleteChannelGroup(ctx context.Context, id int64) error
	HideChannelGroup(ctx context.Context, id int64) error
}

// Store is the persistence surface the pipeline records executions on.
// *store.DB satisfies it.
type Store interface {
	ListAutoCreationRules(ctx context.Context) ([]store.AutoCreationRule, error)
	InsertExecution(ctx context.Context, e *store.AutoCreationExecution) error
	FinishExecution(ctx context.Context, e *store.AutoCreationExecution) error
	GetExecution(ctx context.Context, id int64) (*store.AutoCreationExecution, error)
	MarkExecutionRolledBack(ctx context.Context, id int64) error
}

// Options select what a pipeline run covers.
type Options struct {
	DryRun        bool
	TriggeredBy   string
	M3UAccountIDs []int64
	RuleIDs       []int64
}

// Engine runs the pipeline. ExcludedTerms and ExcludedGroups are the
// operator's global stream filters.
type Engine struct {
	api API
	db  Store
	log zerolog.Logger

	ExcludedTerms  []string
	ExcludedGroups []string
}

func NewEngine(api API, db Store, log zerolog.Logger) *Engine {
	return &Engine{api: api, db: db, log: log.With().Str("component", "autocreate").Logger()}
}

// planChannel is one channel the run intends to create.
type planChannel struct {
	Key       string   `json:"key"`
	Name      string   `json:"name"`
	GroupName string   `json:"group_name,omitempty"`
	Number    *float64 `json:"number,omitempty"`
	TvgID     string   `json:"tvg_id,omitempty"`
	LogoURL   string   `json:"logo_url,omitempty"`
	RuleID    int64    `json:"rule_id"`
	SortOrder string   `json:"-"`
	StreamIDs []int64  `json:"stream_ids"`

	streamNames map[int64]string
}

// planMerge attaches a stream to a channel that already exists upstream.
type planMerge struct {
	ChannelID   int64  `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	StreamID    int64  `json:"stream_id"`
	RuleID      int64  `json:"rule_id"`
}

// planOrphan is an auto-created channel whose source streams are gone,
// together with the action of the rule that claimed it.
type planOrphan struct {
	ChannelID   int64  `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	RuleID      int64  `json:"rule_id"`
	Action      string `json:"action"`
}

// plan is everything a run would do, built before anything is applied.
type plan struct {
	Groups   []string      `json:"groups"`
	Channels []planChannel `json:"channels"`
	Merges   []planMerge   `json:"merges"`
	Orphans  []planOrphan  `json:"orphans,omitempty"`
	Skipped  int           `json:"skipped"`
}

// Run executes the pipeline and returns the recorded execution.
func (e *Engine) Run(ctx context.Context, opts Options) (*store.AutoCreationExecution, error) {
	exec := &store.AutoCreationExecution{
		RuleName:    "all",
		Mode:        "execute",
		TriggeredBy: opts.TriggeredBy,
	}
	if opts.DryRun {
		exec.Mode = "dry_run"
	}
	if err := e.db.InsertExecution(ctx, exec); err != nil {
		return nil, err
	}

	p, err := e.buildPlan(ctx, opts, exec)
	if err != nil {
		exec.Status = store.ExecFailed
		exec.Details = errDetails(err)
		_ = e.db.FinishExecution(ctx, exec)
		return exec, err
	}

	if opts.DryRun {
		exec.Status = store.ExecCompleted
		exec.Details, _ = json.Marshal(p)
		if err := e.db.FinishExecution(ctx, exec); err != nil {
			return nil, err
		}
		return exec, nil
	}

	e.applyPlan(ctx, p, exec)

	exec.Status = store.ExecCompleted
	if ctx.Err() != nil {
		exec.Status = store.ExecCancelled
	} else if len(exec.Conflicts) > 0 && exec.ChannelsCreated == 0 && exec.GroupsCreated == 0 &&
		exec.StreamsMerged == 0 && exec.ChannelsUpdated == 0 && exec.ChannelsRemoved == 0 {
		exec.Status = store.ExecFailed
	}
	if err := e.db.FinishExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

func (e *Engine) buildPlan(ctx context.Context, opts Options, exec *store.AutoCreationExecution) (*plan, error) {
	rules, err := e.db.ListAutoCreationRules(ctx)
	if err != nil {
		return nil, err
	}
	var compiled []*compiledRule
	for _, r := range rules {
		if !r.Enabled || !ruleSelected(r.ID, opts.RuleIDs) {
			continue
		}
		cr, err := compileRule(r)
		if err != nil {
			// Bad stored payloads never stop the run.
			e.log.Warn().Err(err).Int64("rule_id", r.ID).Msg("skipping rule with invalid payload")
			exec.Conflicts = append(exec.Conflicts, store.ExecutionConflict{
				RuleID: r.ID, Reason: "invalid rule payload: " + err.Error(),
			})
			continue
		}
		compiled = append(compiled, cr)
	}

	streams, err := e.api.ListStreams(ctx, opts.M3UAccountIDs)
	if err != nil {
		return nil, err
	}
	channels, err := e.api.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]int64, len(channels))
	for _, ch := range channels {
		existing[channelKey(ch.Name)] = ch.ID
	}

	p := &plan{}
	planned := map[string]*planChannel{}
	groupSet := map[string]bool{}

	for _, s := range streams {
		if e.excluded(s) {
			p.Skipped++
			continue
		}
		exec.StreamsEvaluated++

		matchedAny := false
		for _, cr := range compiled {
			vars, ok := cr.match(s)
			if !ok {
				continue
			}
			matchedAny = true

			entry := resolveActions(cr, s, vars)
			if entry == nil { // skip action
				p.Skipped++
			} else if entry.Name != "" {
				e.planEntry(p, planned, groupSet, existing, entry, s, exec)
			}
			if cr.rule.StopOnFirstMatch {
				break
			}
		}
		if matchedAny {
			exec.StreamsMatched++
		}
	}

	for name := range groupSet {
		p.Groups = append(p.Groups, name)
	}
	sort.Strings(p.Groups)
	for _, pc := range planned {
		sortStreamIDs(pc)
		p.Channels = append(p.Channels, *pc)
	}
	sort.Slice(p.Channels, func(i, j int) bool { return p.Channels[i].Name < p.Channels[j].Name })

	if err := e.planOrphans(ctx, opts, compiled, channels, streams, planned, p); err != nil {
		return nil, err
	}
	return p, nil
}

// planOrphans finds auto-created channels whose source streams have all
// vanished and assigns each the orphan action of the first rule, in priority
// order, that matches the channel's name and group. Rules that match on
// account membership never claim orphans; a channel no rule claims is kept.
func (e *Engine) planOrphans(ctx context.Context, opts Options, compiled []*compiledRule,
	channels []upstream.Channel, streams []upstream.Stream, planned map[string]*planChannel, p *plan) error {

	active := false
	for _, cr := range compiled {
		if cr.rule.OrphanAction == store.OrphanDelete || cr.rule.OrphanAction == store.OrphanDisable {
			active = true
			break
		}
	}
	if !active {
		return nil
	}

	// Orphanhood is judged against the full stream set even when the run
	// itself is scoped to a subset of accounts.
	if len(opts.M3UAccountIDs) > 0 {
		all, err := e.api.ListStreams(ctx, nil)
		if err != nil {
			return err
		}
		streams = all
	}
	live := make(map[int64]bool, len(streams))
	for _, s := range streams {
		live[s.ID] = true
	}

	groups, err := e.api.ListChannelGroups(ctx)
	if err != nil {
		return err
	}
	groupName := make(map[int64]string, len(groups))
	for _, g := range groups {
		groupName[g.ID] = g.Name
	}

	merging := make(map[int64]bool, len(p.Merges))
	for _, m := range p.Merges {
		merging[m.ChannelID] = true
	}

	for _, ch := range channels {
		if !ch.AutoCreated || merging[ch.ID] {
			continue
		}
		if _, ok := planned[channelKey(ch.Name)]; ok {
			continue
		}
		alive := false
		for _, sid := range ch.StreamIDs {
			if live[sid] {
				alive = true
				break
			}
		}
		if alive {
			continue
		}

		// The channel's own name and group stand in for the stream that once
		// produced it.
		asStream := upstream.Stream{Name: ch.Name}
		if ch.ChannelGroupID != nil {
			asStream.GroupName = groupName[*ch.ChannelGroupID]
		}
		for _, cr := range compiled {
			if hasAccountCondition(cr) {
				continue
			}
			if _, ok := cr.match(asStream); !ok {
				continue
			}
			if a := cr.rule.OrphanAction; a == store.OrphanDelete || a == store.OrphanDisable {
				p.Orphans = append(p.Orphans, planOrphan{
					ChannelID: ch.ID, ChannelName: ch.Name, RuleID: cr.rule.ID, Action: a,
				})
			}
			break
		}
	}
	sort.Slice(p.Orphans, func(i, j int) bool { return p.Orphans[i].ChannelName < p.Orphans[j].ChannelName })
	return nil
}

// hasAccountCondition reports whether a rule matches on account membership.
// Such rules cannot be evaluated against a channel, which has no account.
func hasAccountCondition(cr *compiledRule) bool {
	for _, c := range cr.conditions {
		if c.Type == CondM3UAccount {
			return true
		}
	}
	return false
}

// planEntry merges one matched stream into the plan, detecting conflicts
// against earlier rules and against existing upstream channels.
func (e *Engine) planEntry(p *plan, planned map[string]*planChannel, groupSet map[string]bool,
	existing map[string]int64, entry *planChannel, s upstream.Stream, exec *store.AutoCreationExecution) {

	key := channelKey(entry.Name)

	if chID, ok := existing[key]; ok {
		p.Merges = append(p.Merges, planMerge{
			ChannelID: chID, ChannelName: entry.Name, StreamID: s.ID, RuleID: entry.RuleID,
		})
		return
	}

	prev, ok := planned[key]
	if !ok {
		entry.Key = key
		entry.StreamIDs = []int64{s.ID}
		entry.streamNames = map[int64]string{s.ID: s.Name}
		planned[key] = entry
		if entry.GroupName != "" {
			groupSet[entry.GroupName] = true
		}
		return
	}

	// Same key from a later rule with incompatible properties: first rule in
	// priority order wins, the collision is recorded.
	if prev.RuleID != entry.RuleID && incompatible(prev, entry) {
		exec.Conflicts = append(exec.Conflicts, store.ExecutionConflict{
			RuleID:     entry.RuleID,
			StreamID:   s.ID,
			ChannelKey: key,
			Reason:     "conflicts with rule " + int64String(prev.RuleID),
		})
		return
	}
	prev.StreamIDs = append(prev.StreamIDs, s.ID)
	prev.streamNames[s.ID] = s.Name
}

func (e *Engine) applyPlan(ctx context.Context, p *plan, exec *store.AutoCreationExecution) {
	// Groups first so channels can reference them.
	groupIDs := map[string]int64{}
	if groups, err := e.api.ListChannelGroups(ctx); err == nil {
		for _, g := range groups {
			groupIDs[strings.ToLower(g.Name)] = g.ID
		}
	}
	for _, name := range p.Groups {
		if _, ok := groupIDs[strings.ToLower(name)]; ok {
			continue
		}
		g, err := e.api.CreateChannelGroup(ctx, name)
		if err != nil {
			exec.Conflicts = append(exec.Conflicts, store.ExecutionConflict{
				Reason: "create group " + name + ": " + err.Error(),
			})
			continue
		}
		groupIDs[strings.ToLower(name)] = g.ID
		exec.GroupsCreated++
		exec.CreatedGroupIDs = append(exec.CreatedGroupIDs, g.ID)
	}

	// Channels next.
	created := map[string]int64{}
	for _, pc := range p.Channels {
		in := upstream.ChannelCreate{
			Name:          pc.Name,
			ChannelNumber: pc.Number,
			TvgID:         pc.TvgID,
			LogoURL:       pc.LogoURL,
			AutoCreated:   true,
		}
		if pc.GroupName != "" {
			if gid, ok := groupIDs[strings.ToLower(pc.GroupName)]; ok {
				in.ChannelGroupID = &gid
			}
		}
		ch, err := e.api.CreateChannel(ctx, in)
		if err != nil {
			exec.Conflicts = append(exec.Conflicts, store.ExecutionConflict{
				RuleID: pc.RuleID, ChannelKey: pc.Key,
				Reason: "create channel: " + err.Error(),
			})
			continue
		}
		created[pc.Key] = ch.ID
		exec.ChannelsCreated++
		exec.CreatedChannelIDs = append(exec.CreatedChannelIDs, ch.ID)
	}

	// Stream attachments last.
	for _, pc := range p.Channels {
		chID, ok := created[pc.Key]
		if !ok {
			continue
		}
		for _, sid := range pc.StreamIDs {
			if err := e.api.AddStreamToChannel(ctx, chID, sid); err != nil {
				exec.Conflicts = append(exec.Conflicts, store.ExecutionConflict{
					RuleID: pc.RuleID, StreamID: sid, ChannelKey: pc.Key,
					Reason: "attach stream: " + err.Error(),
				})
			}
		}
	}
	for _, m := range p.Merges {
		if err := e.api.AddStreamToChannel(ctx, m.ChannelID, m.StreamID); err != nil {
			exec.Conflicts = append(exec.Conflicts, store.ExecutionConflict{
				RuleID: m.RuleID, StreamID: m.StreamID, ChannelKey: channelKey(m.ChannelName),
				Reason: "merge stream: " + err.Error(),
			})
			continue
		}
		exec.StreamsMerged++
		exec.ChannelsUpdated++
	}

	// Orphans last.
	for _, o := range p.Orphans {
		switch o.Action {
		case store.OrphanDelete:
			if err := e.api.DeleteChannel(ctx, o.ChannelID); err != nil {
				exec.Conflicts = append(exec.Conflicts, store.ExecutionConflict{
					RuleID: o.RuleID, ChannelKey: channelKey(o.ChannelName),
					Reason: "delete orphan: " + err.Error(),
				})
				continue
			}
			exec.ChannelsRemoved++
		case store.OrphanDisable:
			enabled := false
			if _, err := e.api.UpdateChannel(ctx, o.ChannelID, upstream.ChannelUpdate{Enabled: &enabled}); err != nil {
				exec.Conflicts = append(exec.Conflicts, store.ExecutionConflict{
					RuleID: o.RuleID, ChannelKey: channelKey(o.ChannelName),
					Reason: "disable orphan: " + err.Error(),
				})
				continue
			}
			exec.ChannelsUpdated++
		}
	}
}

// Rollback deletes the entities recorded on an execution. Rolling back an
// already-rolled-back execution succeeds without touching anything.
func (e *Engine) Rollback(ctx context.Context, executionID int64) (*store.AutoCreationExecution, error) {
	exec, err := e.db.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status == store.ExecRolledBack {
		return exec, nil
	}

	for _, id := range exec.CreatedChannelIDs {
		if err := e.api.DeleteChannel(ctx, id); err != nil {
			e.log.Warn().Err(err).Int64("channel_id", id).Msg("rollback delete channel failed")
		}
	}

	// A group still referenced by an M3U account is hidden, not deleted.
	referenced := map[int64]bool{}
	if groups, err := e.api.ListChannelGroups(ctx); err == nil {
		for _, g := range groups {
			if len(g.M3UAccountIDs) > 0 {
				referenced[g.ID] = true
			}
		}
	}
	for _, id := range exec.CreatedGroupIDs {
		var err error
		if referenced[id] {
			err = e.api.HideChannelGroup(ctx, id)
		} else {
			err = e.api.DeleteChannelGroup(ctx, id)
		}
		if err != nil {
			e.log.Warn().Err(err).Int64("group_id", id).Msg("rollback group cleanup failed")
		}
	}

	if err := e.db.MarkExecutionRolledBack(ctx, executionID); err != nil {
		return nil, err
	}
	return e.db.GetExecution(ctx, executionID)
}

// RunOnRefresh runs the rules flagged run_on_refresh, scoped to the
// refreshed accounts. Called by the task layer after an M3U refresh.
func (e *Engine) RunOnRefresh(ctx context.Context, accountIDs []int64) error {
	rules, err := e.db.ListAutoCreationRules(ctx)
	if err != nil {
		return err
	}
	var ids []int64
	for _, r := range rules {
		if r.Enabled && r.RunOnRefresh {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = e.Run(ctx, Options{
		TriggeredBy:   "m3u_refresh",
		M3UAccountIDs: accountIDs,
		RuleIDs:       ids,
	})
	return err
}

func (e *Engine) excluded(s upstream.Stream) bool {
	for _, term := range e.ExcludedTerms {
		if term != "" && containsFold(s.Name, term, false) {
			return true
		}
	}
	for _, g := range e.ExcludedGroups {
		if strings.EqualFold(s.GroupName, g) {
			return true
		}
	}
	return false
}

// resolveActions folds a rule's action list into a single plan entry.
// Returns nil when a skip action fires.
func resolveActions(cr *compiledRule, s upstream.Stream, vars map[string]string) *planChannel {
	entry := &planChannel{RuleID: cr.rule.ID, SortOrder: cr.rule.SortOrder}
	for _, a := range cr.actions {
		switch a.Type {
		case ActionSkip:
			return nil
		case ActionCreateChannel:
			entry.Name = expandTemplate(a.NameTemplate, vars)
			entry.Number = a.StartNumber
			if a.UseStreamLogo {
				entry.LogoURL = s.LogoURL
			}
			if a.GroupName != "" {
				entry.GroupName = expandTemplate(a.GroupName, vars)
			}
		case ActionCreateGroup, ActionAssignGroup:
			entry.GroupName = expandTemplate(a.GroupName, vars)
		case ActionSetTvgID:
			entry.TvgID = expandTemplate(a.TvgIDTemplate, vars)
		}
	}
	return entry
}

func sortStreamIDs(pc *planChannel) {
	if pc.SortOrder == "" {
		return
	}
	desc := pc.SortOrder == "desc"
	sort.SliceStable(pc.StreamIDs, func(i, j int) bool {
		a, b := pc.streamNames[pc.StreamIDs[i]], pc.streamNames[pc.StreamIDs[j]]
		if desc {
			return a > b
		}
		return a < b
	})
}

func incompatible(a, b *planChannel) bool {
	if a.GroupName != b.GroupName {
		return true
	}
	if (a.Number == nil) != (b.Number == nil) {
		return true
	}
	if a.Number != nil && b.Number != nil && *a.Number != *b.Number {
		return true
	}
	return false
}

func ruleSelected(id int64, filter []int64) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == id {
			return true
		}
	}
	return false
}

func channelKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func int64String(v int64) string {
	return strconv.FormatInt(v, 10)
}

func errDetails(err error) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}
