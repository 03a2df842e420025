package probe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/snarg/ecm/internal/store"
	"github.com/snarg/ecm/internal/upstream"
)

// Store is the stats persistence the engine writes through. *store.DB
// satisfies it.
type Store interface {
	RecordProbeSuccess(ctx context.Context, streamID int64, name, resolution string, bitrateKbps int, videoCodec, audioCodec string) error
	RecordProbeFailure(ctx context.Context, streamID int64, name string) error
	StatsForStreams(ctx context.Context, streamIDs []int64) (map[int64]store.StreamStats, error)
	StruckOutStreams(ctx context.Context, threshold int) ([]store.StreamStats, error)
	ResetFailureCounters(ctx context.Context, streamIDs []int64) error
}

// ChannelAPI is the upstream slice used to detach struck-out streams.
type ChannelAPI interface {
	ListChannels(ctx context.Context) ([]upstream.Channel, error)
	RemoveStreamFromChannel(ctx context.Context, channelID, streamID int64) error
}

// Target is one stream to probe.
type Target struct {
	StreamID int64
	URL      string
	Name     string
}

// Progress is the engine's published state during a bulk run.
type Progress struct {
	Total        int    `json:"total"`
	Completed    int    `json:"completed"`
	SuccessCount int    `json:"success_count"`
	ErrorCount   int    `json:"error_count"`
	CurrentItem  string `json:"current_item,omitempty"`
}

// ProgressFunc receives throttled progress updates during a bulk run.
type ProgressFunc func(Progress)

// Options configures the probe engine.
type Options struct {
	Prober                  Prober
	DB                      Store
	Workers                 int
	RetryCount              int
	RetryDelay              time.Duration
	SkipRecentlyProbedHours int
	StrikeThreshold         int
	Log                     zerolog.Logger
}

// Engine runs bulk probes over a worker pool and owns all StreamStats
// mutations.
type Engine struct {
	prober Prober
	db     Store
	opts   Options
	log    zerolog.Logger
}

func NewEngine(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Engine{
		prober: opts.Prober,
		db:     opts.DB,
		opts:   opts,
		log:    opts.Log.With().Str("component", "probe").Logger(),
	}
}

// Summary is the terminal state of a bulk run.
type Summary struct {
	Total     int `json:"total"`
	Probed    int `json:"probed"`
	Skipped   int `json:"skipped"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// RunBulk probes the targets over the worker pool. Cancellation is observed
// at each worker's pull; in-flight probes run to completion or their own
// timeout. Progress updates are throttled to at most one per second, with
// the terminal update always delivered. force bypasses skip-recently-probed.
func (e *Engine) RunBulk(ctx context.Context, targets []Target, force bool, progress ProgressFunc) (*Summary, error) {
	sum := &Summary{Total: len(targets)}

	work := targets
	if !force && e.opts.SkipRecentlyProbedHours > 0 {
		var err error
		work, err = e.filterRecent(ctx, targets)
		if err != nil {
			return nil, err
		}
		sum.Skipped = len(targets) - len(work)
	}
	if len(work) == 0 {
		if progress != nil {
			progress(Progress{Total: sum.Total, Completed: sum.Total})
		}
		return sum, nil
	}

	jobs := make(chan Target)
	var (
		wg        sync.WaitGroup
		completed atomic.Int64
		succeeded atomic.Int64
		failed    atomic.Int64
		limiter   = rate.NewLimiter(rate.Every(time.Second), 1)
		currentMu sync.Mutex
		current   string
	)

	publish := func(final bool) {
		if progress == nil {
			return
		}
		if !final && !limiter.Allow() {
			return
		}
		currentMu.Lock()
		item := current
		currentMu.Unlock()
		if final {
			item = ""
		}
		progress(Progress{
			Total:        sum.Total,
			Completed:    sum.Skipped + int(completed.Load()),
			SuccessCount: int(succeeded.Load()),
			ErrorCount:   int(failed.Load()),
			CurrentItem:  item,
		})
	}

	for i := 0; i < e.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t, ok := <-jobs:
					if !ok {
						return
					}
					currentMu.Lock()
					current = t.Name
					currentMu.Unlock()
					if e.probeOne(ctx, t) {
						succeeded.Add(1)
					} else {
						failed.Add(1)
					}
					completed.Add(1)
					publish(false)
				}
			}
		}()
	}

feed:
	for _, t := range work {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- t:
		}
	}
	close(jobs)
	wg.Wait()

	sum.Probed = int(completed.Load())
	sum.Succeeded = int(succeeded.Load())
	sum.Failed = int(failed.Load())
	publish(true)

	e.log.Info().
		Int("total", sum.Total).
		Int("skipped", sum.Skipped).
		Int("succeeded", sum.Succeeded).
		Int("failed", sum.Failed).
		Msg("bulk probe finished")
	return sum, ctx.Err()
}

// probeOne runs a single probe with retries and records the outcome.
// Returns true on success.
func (e *Engine) probeOne(ctx context.Context, t Target) bool {
	var lastErr error
	for attempt := 0; attempt <= e.opts.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
			case <-time.After(e.opts.RetryDelay):
			}
			if ctx.Err() != nil {
				break
			}
		}
		res, err := e.prober.Probe(ctx, t.URL)
		if err == nil {
			if err := e.db.RecordProbeSuccess(ctx, t.StreamID, t.Name,
				res.Resolution, res.BitrateKbps, res.VideoCodec, res.AudioCodec); err != nil {
				e.log.Error().Err(err).Int64("stream_id", t.StreamID).Msg("recording probe success")
			}
			return true
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	e.log.Debug().Err(lastErr).Int64("stream_id", t.StreamID).Str("name", t.Name).Msg("probe failed")
	if err := e.db.RecordProbeFailure(ctx, t.StreamID, t.Name); err != nil {
		e.log.Error().Err(err).Int64("stream_id", t.StreamID).Msg("recording probe failure")
	}
	return false
}

func (e *Engine) filterRecent(ctx context.Context, targets []Target) ([]Target, error) {
	ids := make([]int64, len(targets))
	for i, t := range targets {
		ids[i] = t.StreamID
	}
	stats, err := e.db.StatsForStreams(ctx, ids)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-time.Duration(e.opts.SkipRecentlyProbedHours) * time.Hour)
	var out []Target
	for _, t := range targets {
		if s, ok := stats[t.StreamID]; ok && s.LastProbedAt != nil && s.LastProbedAt.After(cutoff) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// StruckOut lists the streams at or past the strike threshold. Threshold 0
// disables the feature.
func (e *Engine) StruckOut(ctx context.Context) ([]store.StreamStats, error) {
	return e.db.StruckOutStreams(ctx, e.opts.StrikeThreshold)
}

// RemoveStruckOut detaches every struck-out stream from all channels that
// carry it, then resets the failure counters so the streams get a fresh
// start. Returns the number of detachments made.
func (e *Engine) RemoveStruckOut(ctx context.Context, api ChannelAPI) (int, error) {
	struck, err := e.StruckOut(ctx)
	if err != nil {
		return 0, err
	}
	if len(struck) == 0 {
		return 0, nil
	}
	struckSet := make(map[int64]bool, len(struck))
	ids := make([]int64, 0, len(struck))
	for _, s := range struck {
		struckSet[s.StreamID] = true
		ids = append(ids, s.StreamID)
	}

	channels, err := api.ListChannels(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, ch := range channels {
		for _, sid := range ch.StreamIDs {
			if !struckSet[sid] {
				continue
			}
			if err := api.RemoveStreamFromChannel(ctx, ch.ID, sid); err != nil {
				e.log.Warn().Err(err).Int64("channel_id", ch.ID).Int64("stream_id", sid).
					Msg("detaching struck-out stream failed")
				continue
			}
			removed++
		}
	}

	if err := e.db.ResetFailureCounters(ctx, ids); err != nil {
		return removed, err
	}
	return removed, nil
}
