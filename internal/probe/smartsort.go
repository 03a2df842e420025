package probe

import (
	"sort"
	"strconv"
	"strings"

	"github.com/snarg/ecm/internal/store"
)

// Smart sort keys.
const (
	KeyResolution      = "resolution"
	KeyBitrate         = "bitrate"
	KeyAccountPriority = "m3u_account_priority"
	KeyCodec           = "codec"
)

// SortConfig drives SortStreams. Keys are evaluated in order; within each
// key, unknown values sort after known ones.
type SortConfig struct {
	Keys               []string
	CodecPreference    []string
	DeprioritizeFailed bool
	// AccountPriority maps an M3U account id to its configured priority
	// number, lower first.
	AccountPriority map[int64]int
}

// DefaultSortKeys is the shipped key order.
var DefaultSortKeys = []string{KeyResolution, KeyBitrate, KeyAccountPriority, KeyCodec}

// SortStreams produces a stable quality ordering of a channel's streams.
// accountOf maps stream id to its M3U account id. Streams with no stats row
// sort last within every key. With DeprioritizeFailed set, failed streams
// form a hard partition at the end regardless of other keys.
func SortStreams(streamIDs []int64, stats map[int64]store.StreamStats, accountOf map[int64]int64, cfg SortConfig) []int64 {
	keys := cfg.Keys
	if len(keys) == 0 {
		keys = DefaultSortKeys
	}
	out := make([]int64, len(streamIDs))
	copy(out, streamIDs)

	sort.SliceStable(out, func(i, j int) bool {
		a, aok := stats[out[i]]
		b, bok := stats[out[j]]

		if cfg.DeprioritizeFailed {
			af := aok && a.ProbeStatus == store.ProbeFailed
			bf := bok && b.ProbeStatus == store.ProbeFailed
			if af != bf {
				return bf
			}
		}

		for _, key := range keys {
			switch key {
			case KeyResolution:
				if c := compareDesc(resolutionPixels(a, aok), resolutionPixels(b, bok)); c != 0 {
					return c < 0
				}
			case KeyBitrate:
				av, bv := 0, 0
				if aok {
					av = a.BitrateKbps
				}
				if bok {
					bv = b.BitrateKbps
				}
				if c := compareDesc(av, bv); c != 0 {
					return c < 0
				}
			case KeyAccountPriority:
				if c := compareAsc(accountPriority(out[i], accountOf, cfg.AccountPriority),
					accountPriority(out[j], accountOf, cfg.AccountPriority)); c != 0 {
					return c < 0
				}
			case KeyCodec:
				if c := compareAsc(codecRank(a, aok, cfg.CodecPreference),
					codecRank(b, bok, cfg.CodecPreference)); c != 0 {
					return c < 0
				}
			}
		}
		return false
	})
	return out
}

const unknownRank = 1 << 30

// compareDesc orders higher values first, zero (unknown) last.
func compareDesc(a, b int) int {
	if a == b {
		return 0
	}
	if a == 0 {
		return 1
	}
	if b == 0 {
		return -1
	}
	if a > b {
		return -1
	}
	return 1
}

// compareAsc orders lower ranks first.
func compareAsc(a, b int) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func resolutionPixels(s store.StreamStats, ok bool) int {
	if !ok || s.Resolution == "" {
		return 0
	}
	w, h, found := strings.Cut(s.Resolution, "x")
	if !found {
		return 0
	}
	wi, err1 := strconv.Atoi(w)
	hi, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil {
		return 0
	}
	return wi * hi
}

func accountPriority(streamID int64, accountOf map[int64]int64, priorities map[int64]int) int {
	acct, ok := accountOf[streamID]
	if !ok {
		return unknownRank
	}
	p, ok := priorities[acct]
	if !ok {
		return unknownRank
	}
	return p
}

func codecRank(s store.StreamStats, ok bool, preference []string) int {
	if !ok || s.VideoCodec == "" {
		return unknownRank
	}
	for i, c := range preference {
		if strings.EqualFold(c, s.VideoCodec) {
			return i
		}
	}
	return unknownRank - 1
}
