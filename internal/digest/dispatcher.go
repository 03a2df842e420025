// Package digest renders M3U change logs into operator digests and sends
// them over the configured channels.
package digest

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/snarg/ecm/internal/notify"
	"github.com/snarg/ecm/internal/store"
	"github.com/snarg/ecm/internal/upstream"
)

// Store is the digest's persistence surface. *store.DB satisfies it.
type Store interface {
	GetDigestSettings(ctx context.Context) (store.DigestSettings, error)
	UndigestedChanges(ctx context.Context) ([]store.M3UChangeLog, error)
	MarkChangesDigested(ctx context.Context, ids []int64) error
}

// AccountNamer resolves account display names for rendering. Optional.
type AccountNamer interface {
	ListM3UAccounts(ctx context.Context) ([]upstream.M3UAccount, error)
}

// EmailFactory builds an email sender for the digest's own recipient list.
type EmailFactory func(recipients []string) notify.Sender

// Dispatcher filters, renders, and sends change digests.
type Dispatcher struct {
	db       Store
	accounts AccountNamer
	email    EmailFactory
	discord  notify.Sender
	log      zerolog.Logger
}

func NewDispatcher(db Store, accounts AccountNamer, email EmailFactory, discord notify.Sender, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		db:       db,
		accounts: accounts,
		email:    email,
		discord:  discord,
		log:      log.With().Str("component", "digest").Logger(),
	}
}

// Run pulls undigested changes, applies the exclude filters, and sends a
// digest when the threshold is met. Changes dropped by a filter are marked
// digested immediately so they never resurface; kept changes are marked
// only after a dispatch attempt.
func (d *Dispatcher) Run(ctx context.Context) error {
	settings, err := d.db.GetDigestSettings(ctx)
	if err != nil {
		return err
	}
	if !settings.Enabled {
		return nil
	}

	changes, err := d.db.UndigestedChanges(ctx)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}
	return d.dispatch(ctx, settings, changes)
}

// Immediate sends a digest for a just-detected change set, used when the
// frequency is immediate.
func (d *Dispatcher) Immediate(ctx context.Context, changes []store.M3UChangeLog) error {
	settings, err := d.db.GetDigestSettings(ctx)
	if err != nil {
		return err
	}
	if !settings.Enabled || settings.Frequency != store.DigestImmediate || len(changes) == 0 {
		return nil
	}
	return d.dispatch(ctx, settings, changes)
}

func (d *Dispatcher) dispatch(ctx context.Context, settings store.DigestSettings, changes []store.M3UChangeLog) error {
	kept, droppedIDs := Filter(changes, settings)

	if len(droppedIDs) > 0 {
		if err := d.db.MarkChangesDigested(ctx, droppedIDs); err != nil {
			return err
		}
	}
	if len(kept) < settings.MinChangesThreshold {
		d.log.Debug().Int("changes", len(kept)).Int("threshold", settings.MinChangesThreshold).
			Msg("below digest threshold, holding")
		return nil
	}

	body := d.Render(ctx, kept, settings)
	title := fmt.Sprintf("Playlist digest: %d change(s)", len(kept))
	msg := notify.Message{Title: title, Body: body, Level: store.NotifyInfo}

	sent := 0
	if len(settings.EmailRecipients) > 0 && d.email != nil {
		if err := d.email(settings.EmailRecipients).Send(ctx, msg); err != nil {
			d.log.Warn().Err(err).Msg("digest email dispatch failed")
		} else {
			sent++
		}
	}
	if settings.SendToDiscord && d.discord != nil {
		if err := d.discord.Send(ctx, msg); err != nil {
			d.log.Warn().Err(err).Msg("digest discord dispatch failed")
		} else {
			sent++
		}
	}

	ids := make([]int64, 0, len(kept))
	for _, c := range kept {
		if c.ID != 0 {
			ids = append(ids, c.ID)
		}
	}
	if err := d.db.MarkChangesDigested(ctx, ids); err != nil {
		return err
	}
	d.log.Info().Int("changes", len(kept)).Int("channels", sent).Msg("digest dispatched")
	return nil
}

// Filter applies the digest's include flags and exclude patterns. It returns
// the surviving changes (stream-name lists filtered, counts adjusted) and the
// ids of changes dropped entirely. Invalid patterns are skipped.
func Filter(changes []store.M3UChangeLog, settings store.DigestSettings) (kept []store.M3UChangeLog, droppedIDs []int64) {
	groupRes := compilePatterns(settings.ExcludeGroupPatterns)
	streamRes := compilePatterns(settings.ExcludeStreamPatterns)

	for _, c := range changes {
		if !includeType(c.ChangeType, settings) {
			droppedIDs = append(droppedIDs, c.ID)
			continue
		}
		if matchesAny(groupRes, c.GroupName) {
			droppedIDs = append(droppedIDs, c.ID)
			continue
		}
		if (c.ChangeType == store.ChangeStreamsAdded || c.ChangeType == store.ChangeStreamsRemoved) && len(streamRes) > 0 {
			var names []string
			for _, n := range c.StreamNames {
				if !matchesAny(streamRes, n) {
					names = append(names, n)
				}
			}
			if len(names) == 0 {
				droppedIDs = append(droppedIDs, c.ID)
				continue
			}
			if len(names) < len(c.StreamNames) {
				// Value copy acting as a filtered view of the original row.
				c.StreamNames = names
				c.Count = len(names)
			}
		}
		kept = append(kept, c)
	}
	return kept, droppedIDs
}

// Render formats the digest body: one section per account, changes grouped
// by type with counts, sampled names included when the detailed list is on.
func (d *Dispatcher) Render(ctx context.Context, changes []store.M3UChangeLog, settings store.DigestSettings) string {
	names := d.accountNames(ctx)

	byAccount := map[int64][]store.M3UChangeLog{}
	var accountIDs []int64
	for _, c := range changes {
		if _, seen := byAccount[c.M3UAccountID]; !seen {
			accountIDs = append(accountIDs, c.M3UAccountID)
		}
		byAccount[c.M3UAccountID] = append(byAccount[c.M3UAccountID], c)
	}
	sort.Slice(accountIDs, func(i, j int) bool { return accountIDs[i] < accountIDs[j] })

	var b strings.Builder
	for _, id := range accountIDs {
		name, ok := names[id]
		if !ok {
			name = fmt.Sprintf("Account %d", id)
		}
		fmt.Fprintf(&b, "## %s\n", name)

		byType := map[string][]store.M3UChangeLog{}
		for _, c := range byAccount[id] {
			byType[c.ChangeType] = append(byType[c.ChangeType], c)
		}
		for _, ct := range []string{
			store.ChangeGroupAdded, store.ChangeGroupRemoved,
			store.ChangeGroupEnabled, store.ChangeGroupDisabled,
			store.ChangeStreamsAdded, store.ChangeStreamsRemoved,
		} {
			group := byType[ct]
			if len(group) == 0 {
				continue
			}
			fmt.Fprintf(&b, "\n%s:\n", changeTypeLabel(ct))
			for _, c := range group {
				if c.GroupName != "" {
					fmt.Fprintf(&b, "- %s", c.GroupName)
				} else {
					b.WriteString("- (no group)")
				}
				if c.Count > 0 {
					fmt.Fprintf(&b, " (%d)", c.Count)
				}
				b.WriteString("\n")
				if settings.ShowDetailedList {
					for _, n := range c.StreamNames {
						fmt.Fprintf(&b, "    - %s\n", n)
					}
				}
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func (d *Dispatcher) accountNames(ctx context.Context) map[int64]string {
	out := map[int64]string{}
	if d.accounts == nil {
		return out
	}
	accounts, err := d.accounts.ListM3UAccounts(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("listing accounts for digest")
		return out
	}
	for _, a := range accounts {
		out[a.ID] = a.Name
	}
	return out
}

func changeTypeLabel(ct string) string {
	switch ct {
	case store.ChangeGroupAdded:
		return "Groups added"
	case store.ChangeGroupRemoved:
		return "Groups removed"
	case store.ChangeGroupEnabled:
		return "Groups enabled"
	case store.ChangeGroupDisabled:
		return "Groups disabled"
	case store.ChangeStreamsAdded:
		return "Streams added"
	case store.ChangeStreamsRemoved:
		return "Streams removed"
	}
	return ct
}

func includeType(ct string, settings store.DigestSettings) bool {
	switch ct {
	case store.ChangeStreamsAdded, store.ChangeStreamsRemoved:
		return settings.IncludeStreamChanges
	default:
		return settings.IncludeGroupChanges
	}
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	var out []*regexp.Regexp
	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			continue
		}
		out = append(out, re)
	}
	return out
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
