// Package bulk validates and applies heterogeneous batches of channel
// mutations against the upstream API. New channels are addressed with
// negative temp ids inside a batch and remapped to real ids as they are
// created.
package bulk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/snarg/ecm/internal/upstream"
)

// Operation types.
const (
	OpCreateChannel            = "createChannel"
	OpDeleteChannel            = "deleteChannel"
	OpUpdateChannel            = "updateChannel"
	OpAddStreamToChannel       = "addStreamToChannel"
	OpRemoveStreamFromChannel  = "removeStreamFromChannel"
	OpReorderChannelStreams    = "reorderChannelStreams"
	OpBulkAssignChannelNumbers = "bulkAssignChannelNumbers"
	OpCreateGroup              = "createGroup"
	OpDeleteChannelGroup       = "deleteChannelGroup"
	OpRenameChannelGroup       = "renameChannelGroup"
)

// Validation issue types and severities.
const (
	IssueMissingChannel   = "missing_channel"
	IssueMissingStream    = "missing_stream"
	IssueInvalidOperation = "invalid_operation"

	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Operation is one tagged variant in a batch. Which fields matter depends
// on Type; channel_id may be a negative temp id for channels created
// earlier in the same batch.
type Operation struct {
	Type string `json:"type"`

	TempID    int64 `json:"temp_id,omitempty"` // createChannel only, must be negative
	ChannelID int64 `json:"channel_id,omitempty"`
	StreamID  int64 `json:"stream_id,omitempty"`
	GroupID   int64 `json:"group_id,omitempty"`

	Name          string   `json:"name,omitempty"`
	GroupName     string   `json:"group_name,omitempty"`
	ChannelNumber *float64 `json:"channel_number,omitempty"`
	TvgID         *string  `json:"tvg_id,omitempty"`
	GracenoteID   *string  `json:"gracenote_id,omitempty"`
	LogoURL       *string  `json:"logo_url,omitempty"`
	Enabled       *bool    `json:"enabled,omitempty"`
	NewName       *string  `json:"new_name,omitempty"` // updateChannel rename

	StreamIDs   []int64      `json:"stream_ids,omitempty"` // reorderChannelStreams
	Assignments []Assignment `json:"assignments,omitempty"`
}

// Assignment is one channel-number pair for bulkAssignChannelNumbers.
type Assignment struct {
	ChannelID     int64   `json:"channel_id"`
	ChannelNumber float64 `json:"channel_number"`
}

// Request is a full commit batch.
type Request struct {
	Operations      []Operation `json:"operations"`
	GroupsToCreate  []string    `json:"groups_to_create,omitempty"`
	ValidateOnly    bool        `json:"validate_only,omitempty"`
	ContinueOnError bool        `json:"continue_on_error,omitempty"`
}

// Issue is one typed validation finding for an operation.
type Issue struct {
	OpIndex  int    `json:"op_index"`
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// OpError records a per-operation apply failure.
type OpError struct {
	OpIndex int    `json:"op_index"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Result is the commit outcome. Under continue_on_error, success is true
// when at least one operation applied and validation surfaced no errors,
// even if other operations failed; callers must inspect operationsFailed.
type Result struct {
	Success           bool             `json:"success"`
	OperationsApplied int              `json:"operationsApplied"`
	OperationsFailed  int              `json:"operationsFailed"`
	Errors            []OpError        `json:"errors"`
	TempIDMap         map[int64]int64  `json:"tempIdMap"`
	GroupIDMap        map[string]int64 `json:"groupIdMap"`
	ValidationIssues  []Issue          `json:"validationIssues"`
}

// API is the upstream slice the applier mutates through.
type API interface {
	ListChannels(ctx context.Context) ([]upstream.Channel, error)
	ListChannelGroups(ctx context.Context) ([]upstream.ChannelGroup, error)
	GetStreamsByIDs(ctx context.Context, ids []int64) ([]upstream.Stream, error)
	CreateChannel(ctx context.Context, in upstream.ChannelCreate) (*upstream.Channel, error)
	UpdateChannel(ctx context.Context, id int64, in upstream.ChannelUpdate) (*upstream.Channel, error)
	DeleteChannel(ctx context.Context, id int64) error
	AddStreamToChannel(ctx context.Context, channelID, streamID int64) error
	RemoveStreamFromChannel(ctx context.Context, channelID, streamID int64) error
	ReorderChannelStreams(ctx context.Context, channelID int64, streamIDs []int64) error
	BulkAssignChannelNumbers(ctx context.Context, assignments []upstream.NumberAssignment) error
	CreateChannelGroup(ctx context.Context, name string) (*upstream.ChannelGroup, error)
	RenameChannelGroup(ctx context.Context, id int64, name string) error
	DeleteChannelGroup(ctx context.Context, id int64) error
}

// Applier runs commit batches.
type Applier struct {
	api API
	log zerolog.Logger
}

func NewApplier(api API, log zerolog.Logger) *Applier {
	return &Applier{api: api, log: log.With().Str("component", "bulk").Logger()}
}

// prefetched holds the upstream state loaded in phase 0.
type prefetched struct {
	channels map[int64]upstream.Channel
	groups   map[int64]upstream.ChannelGroup
	streams  map[int64]upstream.Stream
}

// Apply runs the three commit phases. Validate-only requests never issue a
// mutating upstream call.
func (a *Applier) Apply(ctx context.Context, req Request) (*Result, error) {
	res := &Result{
		TempIDMap:  map[int64]int64{},
		GroupIDMap: map[string]int64{},
		Errors:     []OpError{},
	}

	pre, err := a.prefetch(ctx, req)
	if err != nil {
		return nil, err
	}
	res.ValidationIssues = validate(req.Operations, pre)

	hasErrors := false
	for _, is := range res.ValidationIssues {
		if is.Severity == SeverityError {
			hasErrors = true
			break
		}
	}

	if req.ValidateOnly {
		res.Success = !hasErrors
		return res, nil
	}
	if hasErrors && !req.ContinueOnError {
		res.Success = false
		return res, nil
	}

	if err := a.createGroups(ctx, req, pre, res); err != nil {
		return nil, err
	}
	a.applyOps(ctx, req, pre, res)

	switch {
	case res.OperationsFailed == 0:
		res.Success = true
	case req.ContinueOnError:
		res.Success = res.OperationsApplied > 0 && !hasErrors
	default:
		res.Success = false
	}

	a.log.Info().
		Int("applied", res.OperationsApplied).
		Int("failed", res.OperationsFailed).
		Bool("success", res.Success).
		Msg("bulk commit finished")
	return res, nil
}

// prefetch loads the channels, groups, and streams the batch references.
func (a *Applier) prefetch(ctx context.Context, req Request) (*prefetched, error) {
	pre := &prefetched{
		channels: map[int64]upstream.Channel{},
		groups:   map[int64]upstream.ChannelGroup{},
		streams:  map[int64]upstream.Stream{},
	}

	needChannels := false
	streamIDs := map[int64]bool{}
	needGroups := len(req.GroupsToCreate) > 0
	for _, op := range req.Operations {
		if op.ChannelID > 0 {
			needChannels = true
		}
		for _, as := range op.Assignments {
			if as.ChannelID > 0 {
				needChannels = true
			}
		}
		switch op.Type {
		case OpAddStreamToChannel, OpRemoveStreamFromChannel:
			if op.StreamID != 0 {
				streamIDs[op.StreamID] = true
			}
		case OpDeleteChannelGroup, OpRenameChannelGroup:
			needGroups = true
		case OpCreateChannel:
			if op.GroupName != "" {
				needGroups = true
			}
		}
	}

	if needChannels {
		channels, err := a.api.ListChannels(ctx)
		if err != nil {
			return nil, fmt.Errorf("prefetching channels: %w", err)
		}
		for _, ch := range channels {
			pre.channels[ch.ID] = ch
		}
	}
	if needGroups {
		groups, err := a.api.ListChannelGroups(ctx)
		if err != nil {
			return nil, fmt.Errorf("prefetching groups: %w", err)
		}
		for _, g := range groups {
			pre.groups[g.ID] = g
		}
	}
	if len(streamIDs) > 0 {
		ids := make([]int64, 0, len(streamIDs))
		for id := range streamIDs {
			ids = append(ids, id)
		}
		streams, err := a.api.GetStreamsByIDs(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("prefetching streams: %w", err)
		}
		for _, s := range streams {
			pre.streams[s.ID] = s
		}
	}
	return pre, nil
}

// validate checks every operation against the prefetched state and the temp
// ids defined earlier in the batch.
func validate(ops []Operation, pre *prefetched) []Issue {
	issues := []Issue{}
	temps := map[int64]bool{}

	addIssue := func(i int, typ, sev, format string, args ...any) {
		issues = append(issues, Issue{
			OpIndex: i, Type: typ, Severity: sev,
			Message: fmt.Sprintf(format, args...),
		})
	}
	checkChannel := func(i int, id int64) {
		switch {
		case id < 0:
			if !temps[id] {
				addIssue(i, IssueInvalidOperation, SeverityError,
					"temp id %d is not created earlier in this batch", id)
			}
		case id == 0:
			addIssue(i, IssueInvalidOperation, SeverityError, "channel_id is required")
		default:
			if _, ok := pre.channels[id]; !ok {
				addIssue(i, IssueMissingChannel, SeverityError, "channel %d does not exist", id)
			}
		}
	}

	for i, op := range ops {
		switch op.Type {
		case OpCreateChannel:
			if op.TempID >= 0 {
				addIssue(i, IssueInvalidOperation, SeverityError,
					"createChannel temp_id must be negative, got %d", op.TempID)
			} else if temps[op.TempID] {
				addIssue(i, IssueInvalidOperation, SeverityError,
					"temp id %d is already used in this batch", op.TempID)
			} else {
				temps[op.TempID] = true
			}
			if strings.TrimSpace(op.Name) == "" {
				addIssue(i, IssueInvalidOperation, SeverityError, "createChannel requires a name")
			}

		case OpDeleteChannel, OpUpdateChannel, OpReorderChannelStreams:
			checkChannel(i, op.ChannelID)

		case OpAddStreamToChannel:
			checkChannel(i, op.ChannelID)
			if _, ok := pre.streams[op.StreamID]; !ok {
				addIssue(i, IssueMissingStream, SeverityError, "stream %d does not exist", op.StreamID)
			}

		case OpRemoveStreamFromChannel:
			checkChannel(i, op.ChannelID)
			// Removing a stream that is already gone is benign.
			if _, ok := pre.streams[op.StreamID]; !ok {
				addIssue(i, IssueMissingStream, SeverityWarning, "stream %d does not exist", op.StreamID)
			}

		case OpBulkAssignChannelNumbers:
			if len(op.Assignments) == 0 {
				addIssue(i, IssueInvalidOperation, SeverityError, "assignments must not be empty")
			}
			for _, as := range op.Assignments {
				checkChannel(i, as.ChannelID)
			}

		case OpCreateGroup:
			if strings.TrimSpace(op.Name) == "" {
				addIssue(i, IssueInvalidOperation, SeverityError, "createGroup requires a name")
			}

		case OpDeleteChannelGroup:
			if _, ok := pre.groups[op.GroupID]; !ok {
				addIssue(i, IssueInvalidOperation, SeverityError, "group %d does not exist", op.GroupID)
			}

		case OpRenameChannelGroup:
			if _, ok := pre.groups[op.GroupID]; !ok {
				addIssue(i, IssueInvalidOperation, SeverityError, "group %d does not exist", op.GroupID)
			}
			if strings.TrimSpace(op.Name) == "" {
				addIssue(i, IssueInvalidOperation, SeverityError, "renameChannelGroup requires a name")
			}

		default:
			addIssue(i, IssueInvalidOperation, SeverityError, "unknown operation type %q", op.Type)
		}
	}
	return issues
}

// createGroups is phase 1: create the requested groups by name, deduped,
// reusing existing groups when the upstream reports a name conflict.
func (a *Applier) createGroups(ctx context.Context, req Request, pre *prefetched, res *Result) error {
	seen := map[string]bool{}
	for _, name := range req.GroupsToCreate {
		name = strings.TrimSpace(name)
		if name == "" || seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true

		if g := findGroupByName(pre, name); g != nil {
			res.GroupIDMap[name] = g.ID
			continue
		}
		g, err := a.api.CreateChannelGroup(ctx, name)
		if err != nil {
			if !isAlreadyExists(err) {
				return fmt.Errorf("creating group %q: %w", name, err)
			}
			// Lost a race; reload and reuse.
			groups, lerr := a.api.ListChannelGroups(ctx)
			if lerr != nil {
				return fmt.Errorf("reloading groups after conflict: %w", lerr)
			}
			for _, eg := range groups {
				pre.groups[eg.ID] = eg
			}
			if eg := findGroupByName(pre, name); eg != nil {
				res.GroupIDMap[name] = eg.ID
				continue
			}
			return fmt.Errorf("creating group %q: %w", name, err)
		}
		pre.groups[g.ID] = *g
		res.GroupIDMap[name] = g.ID
	}
	return nil
}

// applyOps is phase 2: apply operations in submission order, remapping temp
// ids and group names as it goes.
func (a *Applier) applyOps(ctx context.Context, req Request, pre *prefetched, res *Result) {
	invalid := map[int]bool{}
	for _, is := range res.ValidationIssues {
		if is.Severity == SeverityError {
			invalid[is.OpIndex] = true
		}
	}

	for i, op := range req.Operations {
		if invalid[i] {
			res.OperationsFailed++
			res.Errors = append(res.Errors, OpError{
				OpIndex: i, Type: op.Type, Message: "skipped, failed validation",
			})
			if !req.ContinueOnError {
				return
			}
			continue
		}

		if err := a.applyOne(ctx, op, pre, res); err != nil {
			res.OperationsFailed++
			res.Errors = append(res.Errors, OpError{OpIndex: i, Type: op.Type, Message: err.Error()})
			a.log.Warn().Err(err).Int("op_index", i).Str("op", op.Type).Msg("operation failed")
			if !req.ContinueOnError {
				return
			}
			continue
		}
		res.OperationsApplied++
	}
}

func (a *Applier) applyOne(ctx context.Context, op Operation, pre *prefetched, res *Result) error {
	resolve := func(id int64) (int64, error) {
		if id >= 0 {
			return id, nil
		}
		real, ok := res.TempIDMap[id]
		if !ok {
			return 0, fmt.Errorf("temp id %d was never created", id)
		}
		return real, nil
	}

	switch op.Type {
	case OpCreateChannel:
		in := upstream.ChannelCreate{
			Name:          op.Name,
			ChannelNumber: op.ChannelNumber,
		}
		if op.TvgID != nil {
			in.TvgID = *op.TvgID
		}
		if op.GracenoteID != nil {
			in.GracenoteID = *op.GracenoteID
		}
		if op.LogoURL != nil {
			in.LogoURL = *op.LogoURL
		}
		if op.GroupName != "" {
			gid, ok := res.GroupIDMap[op.GroupName]
			if !ok {
				if g := findGroupByName(pre, op.GroupName); g != nil {
					gid, ok = g.ID, true
				}
			}
			if !ok {
				return fmt.Errorf("group %q does not exist", op.GroupName)
			}
			in.ChannelGroupID = &gid
		}
		ch, err := a.api.CreateChannel(ctx, in)
		if err != nil {
			return err
		}
		res.TempIDMap[op.TempID] = ch.ID
		pre.channels[ch.ID] = *ch
		return nil

	case OpDeleteChannel:
		id, err := resolve(op.ChannelID)
		if err != nil {
			return err
		}
		return a.api.DeleteChannel(ctx, id)

	case OpUpdateChannel:
		id, err := resolve(op.ChannelID)
		if err != nil {
			return err
		}
		in := upstream.ChannelUpdate{
			Name:          op.NewName,
			ChannelNumber: op.ChannelNumber,
			TvgID:         op.TvgID,
			GracenoteID:   op.GracenoteID,
			LogoURL:       op.LogoURL,
			Enabled:       op.Enabled,
		}
		if op.GroupName != "" {
			gid, ok := res.GroupIDMap[op.GroupName]
			if !ok {
				if g := findGroupByName(pre, op.GroupName); g != nil {
					gid, ok = g.ID, true
				}
			}
			if !ok {
				return fmt.Errorf("group %q does not exist", op.GroupName)
			}
			in.ChannelGroupID = &gid
		}
		_, err = a.api.UpdateChannel(ctx, id, in)
		return err

	case OpAddStreamToChannel:
		id, err := resolve(op.ChannelID)
		if err != nil {
			return err
		}
		return a.api.AddStreamToChannel(ctx, id, op.StreamID)

	case OpRemoveStreamFromChannel:
		id, err := resolve(op.ChannelID)
		if err != nil {
			return err
		}
		return a.api.RemoveStreamFromChannel(ctx, id, op.StreamID)

	case OpReorderChannelStreams:
		id, err := resolve(op.ChannelID)
		if err != nil {
			return err
		}
		return a.api.ReorderChannelStreams(ctx, id, op.StreamIDs)

	case OpBulkAssignChannelNumbers:
		assignments := make([]upstream.NumberAssignment, len(op.Assignments))
		for i, as := range op.Assignments {
			id, err := resolve(as.ChannelID)
			if err != nil {
				return err
			}
			assignments[i] = upstream.NumberAssignment{ChannelID: id, ChannelNumber: as.ChannelNumber}
		}
		return a.api.BulkAssignChannelNumbers(ctx, assignments)

	case OpCreateGroup:
		if g := findGroupByName(pre, op.Name); g != nil {
			res.GroupIDMap[op.Name] = g.ID
			return nil
		}
		g, err := a.api.CreateChannelGroup(ctx, op.Name)
		if err != nil {
			return err
		}
		pre.groups[g.ID] = *g
		res.GroupIDMap[op.Name] = g.ID
		return nil

	case OpDeleteChannelGroup:
		return a.api.DeleteChannelGroup(ctx, op.GroupID)

	case OpRenameChannelGroup:
		return a.api.RenameChannelGroup(ctx, op.GroupID, op.Name)
	}
	return fmt.Errorf("unknown operation type %q", op.Type)
}

func findGroupByName(pre *prefetched, name string) *upstream.ChannelGroup {
	for _, g := range pre.groups {
		if strings.EqualFold(g.Name, name) {
			cp := g
			return &cp
		}
	}
	return nil
}

func isAlreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "conflict") ||
		strings.Contains(msg, "409")
}

// DecodeRequest parses a commit batch from JSON.
func DecodeRequest(raw json.RawMessage) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("invalid bulk request: %w", err)
	}
	if len(req.Operations) == 0 {
		return Request{}, fmt.Errorf("operations must not be empty")
	}
	return req, nil
}
