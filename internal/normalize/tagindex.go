package normalize

import (
	"context"
	"strings"
	"sync"

	"github.com/snarg/ecm/internal/store"
)

// Tag match positions.
const (
	MatchPrefix   = "prefix"
	MatchSuffix   = "suffix"
	MatchContains = "contains"
)

// TagSource loads the enabled tags of a tag group. *store.DB satisfies it.
type TagSource interface {
	TagsForGroup(ctx context.Context, groupID int64) ([]store.Tag, error)
}

type groupIndex struct {
	// Values pre-lowered for the case-insensitive path.
	sensitive   []string
	insensitive []string
}

// TagIndex is the substring matcher behind tag_group rule conditions.
// Invalidation flips a flag; each group rebuilds lazily on next use under
// the mutex.
type TagIndex struct {
	src TagSource

	mu     sync.Mutex
	groups map[int64]*groupIndex
}

func NewTagIndex(src TagSource) *TagIndex {
	return &TagIndex{src: src, groups: map[int64]*groupIndex{}}
}

// Invalidate drops all built group indexes. Called whenever any tag or tag
// group mutates.
func (ti *TagIndex) Invalidate() {
	ti.mu.Lock()
	ti.groups = map[int64]*groupIndex{}
	ti.mu.Unlock()
}

func (ti *TagIndex) group(ctx context.Context, groupID int64) (*groupIndex, error) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	if g, ok := ti.groups[groupID]; ok {
		return g, nil
	}
	tags, err := ti.src.TagsForGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	g := &groupIndex{}
	for _, t := range tags {
		if t.CaseSensitive {
			g.sensitive = append(g.sensitive, t.Value)
		} else {
			g.insensitive = append(g.insensitive, strings.ToLower(t.Value))
		}
	}
	ti.groups[groupID] = g
	return g, nil
}

// Match reports whether any tag of the group matches s at the given
// position (prefix, suffix, or anywhere).
func (ti *TagIndex) Match(ctx context.Context, groupID int64, s, position string) (bool, error) {
	g, err := ti.group(ctx, groupID)
	if err != nil {
		return false, err
	}
	lower := strings.ToLower(s)
	for _, v := range g.sensitive {
		if matchAt(s, v, position) {
			return true, nil
		}
	}
	for _, v := range g.insensitive {
		if matchAt(lower, v, position) {
			return true, nil
		}
	}
	return false, nil
}

func matchAt(s, sub, position string) bool {
	switch position {
	case MatchPrefix:
		return strings.HasPrefix(s, sub)
	case MatchSuffix:
		return strings.HasSuffix(s, sub)
	default:
		return strings.Contains(s, sub)
	}
}
