package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/snarg/ecm/internal/m3u"
	"github.com/snarg/ecm/internal/probe"
	"github.com/snarg/ecm/internal/store"
	"github.com/snarg/ecm/internal/upstream"
)

// Builtin task ids.
const (
	TaskStreamProbe = "stream_probe"
	TaskM3URefresh  = "m3u_refresh"
	TaskEPGRefresh  = "epg_refresh"
	TaskDigest      = "m3u_digest"
	TaskCleanup     = "cleanup"
)

// UpstreamOps is the upstream slice the builtin tasks drive.
type UpstreamOps interface {
	ListM3UAccounts(ctx context.Context) ([]upstream.M3UAccount, error)
	ListStreams(ctx context.Context, accountIDs []int64) ([]upstream.Stream, error)
	GetStreamsByIDs(ctx context.Context, ids []int64) ([]upstream.Stream, error)
	TriggerM3URefresh(ctx context.Context, accountID int64) error
	TriggerEPGRefresh(ctx context.Context) error
}

// ProbeRunner runs bulk probes. *probe.Engine satisfies it.
type ProbeRunner interface {
	RunBulk(ctx context.Context, targets []probe.Target, force bool, progress probe.ProgressFunc) (*probe.Summary, error)
}

// ChangeDetector snapshots an account. *m3u.Detector satisfies it.
type ChangeDetector interface {
	Detect(ctx context.Context, accountID int64) (*m3u.ChangeSet, error)
}

// DigestSender dispatches digests. *digest.Dispatcher satisfies it.
type DigestSender interface {
	Run(ctx context.Context) error
	Immediate(ctx context.Context, changes []store.M3UChangeLog) error
}

// AutoCreator runs post-refresh auto-creation. *autocreate.Engine
// satisfies it.
type AutoCreator interface {
	RunOnRefresh(ctx context.Context, accountIDs []int64) error
}

// Maintenance is the cleanup task's store surface. *store.DB satisfies it.
type Maintenance interface {
	PurgeOlderThan(ctx context.Context, table, timeColumn string, retention time.Duration) (int64, error)
	PurgeReadNotifications(ctx context.Context, retention time.Duration) (int64, error)
	PurgeOldSnapshots(ctx context.Context, retention time.Duration) (int64, error)
}

// Retention bundles the cleanup task's windows.
type Retention struct {
	TaskRuns      time.Duration
	ChangeLogs    time.Duration
	Snapshots     time.Duration
	Notifications time.Duration
}

// BuiltinDeps wires the shipped tasks to the engines they drive. Nil
// members disable the corresponding post-steps.
type BuiltinDeps struct {
	API        UpstreamOps
	Probe      ProbeRunner
	Detector   ChangeDetector
	Digest     DigestSender
	AutoCreate AutoCreator
	DB         Maintenance
	Retention  Retention
}

// RegisterBuiltins registers the shipped task set on the engine.
func RegisterBuiltins(e *Engine, d BuiltinDeps) error {
	regs := []struct {
		def Definition
		fn  RunFunc
	}{
		{streamProbeDef(), d.streamProbe},
		{m3uRefreshDef(), d.m3uRefresh},
		{epgRefreshDef(), d.epgRefresh},
		{digestDef(), d.sendDigest},
		{cleanupDef(), d.cleanup},
	}
	for _, r := range regs {
		if err := e.Register(r.def, r.fn); err != nil {
			return err
		}
	}
	return nil
}

func streamProbeDef() Definition {
	one := float64(1)
	return Definition{
		TaskID:      TaskStreamProbe,
		TaskName:    "Stream probe",
		Description: "Probe stream health, resolution, bitrate, and codecs",
		Parameters: []Param{
			{Name: "stream_ids", Type: ParamNumberArray, Label: "Stream IDs",
				Description: "Specific streams to probe; empty probes everything in scope"},
			{Name: "m3u_account_ids", Type: ParamNumberArray, Label: "M3U accounts",
				Description: "Restrict probing to these accounts", Source: "m3u_accounts"},
			{Name: "force", Type: ParamBoolean, Label: "Force",
				Description: "Probe streams even when recently probed", Default: false},
			{Name: "retry_count", Type: ParamNumber, Label: "Retries", Min: &one},
		},
	}
}

type streamProbeParams struct {
	StreamIDs     []int64 `json:"stream_ids"`
	M3UAccountIDs []int64 `json:"m3u_account_ids"`
	Force         bool    `json:"force"`
}

func (d BuiltinDeps) streamProbe(ctx context.Context, rc *RunContext) (Result, error) {
	var p streamProbeParams
	if len(rc.Params) > 0 {
		if err := json.Unmarshal(rc.Params, &p); err != nil {
			return Result{}, fmt.Errorf("invalid parameters: %w", err)
		}
	}

	var streams []upstream.Stream
	var err error
	if len(p.StreamIDs) > 0 {
		streams, err = d.API.GetStreamsByIDs(ctx, p.StreamIDs)
	} else {
		streams, err = d.API.ListStreams(ctx, p.M3UAccountIDs)
	}
	if err != nil {
		return Result{}, fmt.Errorf("listing streams: %w", err)
	}

	targets := make([]probe.Target, len(streams))
	for i, s := range streams {
		targets[i] = probe.Target{StreamID: s.ID, URL: s.URL, Name: s.Name}
	}

	sum, err := d.Probe.RunBulk(ctx, targets, p.Force, func(pp probe.Progress) {
		rc.Publish(Progress{
			Status:       "probing",
			Total:        &pp.Total,
			SuccessCount: &pp.SuccessCount,
			ErrorCount:   &pp.ErrorCount,
			CurrentItem:  pp.CurrentItem,
		})
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Status:  store.RunSuccess,
		Message: fmt.Sprintf("probed %d streams, %d failed, %d skipped", sum.Probed, sum.Failed, sum.Skipped),
		Total:   &sum.Total,
		Success: &sum.Succeeded,
		Errors:  &sum.Failed,
	}
	if sum.Failed > 0 {
		res.Status = store.RunWarning
	}
	return res, nil
}

func m3uRefreshDef() Definition {
	return Definition{
		TaskID:      TaskM3URefresh,
		TaskName:    "M3U refresh",
		Description: "Refresh playlists upstream, detect changes, and run auto-creation",
		Parameters: []Param{
			{Name: "account_ids", Type: ParamNumberArray, Label: "M3U accounts",
				Description: "Accounts to refresh; empty refreshes all enabled", Source: "m3u_accounts"},
		},
	}
}

type m3uRefreshParams struct {
	AccountIDs []int64 `json:"account_ids"`
}

func (d BuiltinDeps) m3uRefresh(ctx context.Context, rc *RunContext) (Result, error) {
	var p m3uRefreshParams
	if len(rc.Params) > 0 {
		if err := json.Unmarshal(rc.Params, &p); err != nil {
			return Result{}, fmt.Errorf("invalid parameters: %w", err)
		}
	}

	ids := p.AccountIDs
	if len(ids) == 0 {
		accounts, err := d.API.ListM3UAccounts(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("listing accounts: %w", err)
		}
		for _, a := range accounts {
			if a.Enabled {
				ids = append(ids, a.ID)
			}
		}
	}

	var failures []string
	var allChanges []store.M3UChangeLog
	var refreshed []int64
	for i, id := range ids {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		done := i
		total := len(ids)
		rc.Publish(Progress{Status: "refreshing", Total: &total, SuccessCount: &done,
			CurrentItem: fmt.Sprintf("account %d", id)})

		if err := d.API.TriggerM3URefresh(ctx, id); err != nil {
			failures = append(failures, fmt.Sprintf("account %d: %v", id, err))
			continue
		}
		refreshed = append(refreshed, id)

		if d.Detector != nil {
			cs, err := d.Detector.Detect(ctx, id)
			if err != nil {
				failures = append(failures, fmt.Sprintf("account %d detect: %v", id, err))
				continue
			}
			allChanges = append(allChanges, cs.Changes...)
		}
	}

	if d.AutoCreate != nil && len(refreshed) > 0 {
		if err := d.AutoCreate.RunOnRefresh(ctx, refreshed); err != nil {
			failures = append(failures, fmt.Sprintf("auto-creation: %v", err))
		}
	}
	if d.Digest != nil && len(allChanges) > 0 {
		if err := d.Digest.Immediate(ctx, allChanges); err != nil {
			failures = append(failures, fmt.Sprintf("digest: %v", err))
		}
	}

	total := len(ids)
	ok := len(refreshed)
	nerr := len(failures)
	res := Result{
		Status:  store.RunSuccess,
		Message: fmt.Sprintf("refreshed %d account(s), %d change(s) detected", ok, len(allChanges)),
		Total:   &total,
		Success: &ok,
		Errors:  &nerr,
	}
	if nerr > 0 {
		res.Status = store.RunWarning
		res.Message = strings.Join(failures, "; ")
	}
	return res, nil
}

func epgRefreshDef() Definition {
	return Definition{
		TaskID:      TaskEPGRefresh,
		TaskName:    "EPG refresh",
		Description: "Trigger an upstream guide data refresh",
	}
}

func (d BuiltinDeps) epgRefresh(ctx context.Context, _ *RunContext) (Result, error) {
	if err := d.API.TriggerEPGRefresh(ctx); err != nil {
		return Result{}, fmt.Errorf("epg refresh: %w", err)
	}
	return Result{Status: store.RunSuccess, Message: "EPG refresh triggered"}, nil
}

func digestDef() Definition {
	return Definition{
		TaskID:      TaskDigest,
		TaskName:    "Change digest",
		Description: "Send the pending playlist-change digest over the configured channels",
	}
}

// sendDigest drives the hourly/daily/weekly digest cadence. The dispatcher
// itself checks the enabled flag and the minimum-changes threshold.
func (d BuiltinDeps) sendDigest(ctx context.Context, _ *RunContext) (Result, error) {
	if d.Digest == nil {
		return Result{Status: store.RunSuccess, Message: "digest dispatcher not configured"}, nil
	}
	if err := d.Digest.Run(ctx); err != nil {
		return Result{}, fmt.Errorf("digest dispatch: %w", err)
	}
	return Result{Status: store.RunSuccess, Message: "digest dispatched"}, nil
}

func cleanupDef() Definition {
	return Definition{
		TaskID:      TaskCleanup,
		TaskName:    "Cleanup",
		Description: "Purge old task runs, change logs, snapshots, and read notifications",
	}
}

func (d BuiltinDeps) cleanup(ctx context.Context, _ *RunContext) (Result, error) {
	type purge struct {
		what string
		run  func() (int64, error)
	}
	purges := []purge{
		{"task_runs", func() (int64, error) {
			return d.DB.PurgeOlderThan(ctx, "task_runs", "started_at", d.Retention.TaskRuns)
		}},
		{"change_logs", func() (int64, error) {
			return d.DB.PurgeOlderThan(ctx, "m3u_change_logs", "change_time", d.Retention.ChangeLogs)
		}},
		{"executions", func() (int64, error) {
			return d.DB.PurgeOlderThan(ctx, "autocreate_executions", "started_at", d.Retention.TaskRuns)
		}},
		{"snapshots", func() (int64, error) {
			return d.DB.PurgeOldSnapshots(ctx, d.Retention.Snapshots)
		}},
		{"notifications", func() (int64, error) {
			return d.DB.PurgeReadNotifications(ctx, d.Retention.Notifications)
		}},
	}

	var total int64
	parts := make([]string, 0, len(purges))
	for _, p := range purges {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		n, err := p.run()
		if err != nil {
			return Result{}, fmt.Errorf("purging %s: %w", p.what, err)
		}
		total += n
		parts = append(parts, fmt.Sprintf("%s=%d", p.what, n))
	}
	return Result{
		Status:  store.RunSuccess,
		Message: fmt.Sprintf("purged %d row(s): %s", total, strings.Join(parts, " ")),
	}, nil
}
