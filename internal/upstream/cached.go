package upstream

import (
	"context"

	"github.com/snarg/ecm/internal/cache"
)

// Cache keys for the hot list endpoints. Everything lives under one prefix
// so a full upstream resync can drop the lot in one call.
const (
	cachePrefix      = "upstream:"
	cacheKeyChannels = cachePrefix + "channels"
	cacheKeyGroups   = cachePrefix + "groups"
	cacheKeyAccounts = cachePrefix + "accounts"
	cacheKeyLogos    = cachePrefix + "logos"
)

// Cached fronts the client's hot list endpoints with the process cache.
// Reads serve from cache within the TTL; every mutation writes through to
// the upstream and drops the affected keys, so the next read refetches.
// Stream listings stay uncached: they are large and every consumer wants
// the post-refresh state.
type Cached struct {
	*Client
	cache *cache.Cache
}

func NewCached(c *Client, store *cache.Cache) *Cached {
	return &Cached{Client: c, cache: store}
}

func (c *Cached) ListChannels(ctx context.Context) ([]Channel, error) {
	if v, ok := c.cache.Get(cacheKeyChannels); ok {
		return v.([]Channel), nil
	}
	channels, err := c.Client.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Set(cacheKeyChannels, channels)
	return channels, nil
}

func (c *Cached) ListChannelGroups(ctx context.Context) ([]ChannelGroup, error) {
	if v, ok := c.cache.Get(cacheKeyGroups); ok {
		return v.([]ChannelGroup), nil
	}
	groups, err := c.Client.ListChannelGroups(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Set(cacheKeyGroups, groups)
	return groups, nil
}

func (c *Cached) ListM3UAccounts(ctx context.Context) ([]M3UAccount, error) {
	if v, ok := c.cache.Get(cacheKeyAccounts); ok {
		return v.([]M3UAccount), nil
	}
	accounts, err := c.Client.ListM3UAccounts(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Set(cacheKeyAccounts, accounts)
	return accounts, nil
}

func (c *Cached) ListLogos(ctx context.Context) ([]Logo, error) {
	if v, ok := c.cache.Get(cacheKeyLogos); ok {
		return v.([]Logo), nil
	}
	logos, err := c.Client.ListLogos(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Set(cacheKeyLogos, logos)
	return logos, nil
}

// Channel mutations.

func (c *Cached) CreateChannel(ctx context.Context, in ChannelCreate) (*Channel, error) {
	ch, err := c.Client.CreateChannel(ctx, in)
	if err != nil {
		return nil, err
	}
	c.cache.Delete(cacheKeyChannels)
	return ch, nil
}

func (c *Cached) UpdateChannel(ctx context.Context, id int64, in ChannelUpdate) (*Channel, error) {
	ch, err := c.Client.UpdateChannel(ctx, id, in)
	if err != nil {
		return nil, err
	}
	c.cache.Delete(cacheKeyChannels)
	return ch, nil
}

func (c *Cached) DeleteChannel(ctx context.Context, id int64) error {
	if err := c.Client.DeleteChannel(ctx, id); err != nil {
		return err
	}
	c.cache.Delete(cacheKeyChannels)
	return nil
}

func (c *Cached) AddStreamToChannel(ctx context.Context, channelID, streamID int64) error {
	if err := c.Client.AddStreamToChannel(ctx, channelID, streamID); err != nil {
		return err
	}
	c.cache.Delete(cacheKeyChannels)
	return nil
}

func (c *Cached) RemoveStreamFromChannel(ctx context.Context, channelID, streamID int64) error {
	if err := c.Client.RemoveStreamFromChannel(ctx, channelID, streamID); err != nil {
		return err
	}
	c.cache.Delete(cacheKeyChannels)
	return nil
}

func (c *Cached) ReorderChannelStreams(ctx context.Context, channelID int64, streamIDs []int64) error {
	if err := c.Client.ReorderChannelStreams(ctx, channelID, streamIDs); err != nil {
		return err
	}
	c.cache.Delete(cacheKeyChannels)
	return nil
}

func (c *Cached) BulkAssignChannelNumbers(ctx context.Context, assignments []NumberAssignment) error {
	if err := c.Client.BulkAssignChannelNumbers(ctx, assignments); err != nil {
		return err
	}
	c.cache.Delete(cacheKeyChannels)
	return nil
}

// Group mutations drop channels too: channels carry their group id.

func (c *Cached) CreateChannelGroup(ctx context.Context, name string) (*ChannelGroup, error) {
	g, err := c.Client.CreateChannelGroup(ctx, name)
	if err != nil {
		return nil, err
	}
	c.cache.Delete(cacheKeyGroups)
	return g, nil
}

func (c *Cached) RenameChannelGroup(ctx context.Context, id int64, name string) error {
	if err := c.Client.RenameChannelGroup(ctx, id, name); err != nil {
		return err
	}
	c.cache.Delete(cacheKeyGroups)
	return nil
}

func (c *Cached) DeleteChannelGroup(ctx context.Context, id int64) error {
	if err := c.Client.DeleteChannelGroup(ctx, id); err != nil {
		return err
	}
	c.cache.Delete(cacheKeyGroups)
	c.cache.Delete(cacheKeyChannels)
	return nil
}

func (c *Cached) HideChannelGroup(ctx context.Context, id int64) error {
	if err := c.Client.HideChannelGroup(ctx, id); err != nil {
		return err
	}
	c.cache.Delete(cacheKeyGroups)
	return nil
}

// TriggerM3URefresh invalidates the whole prefix: a refresh can change the
// lineup, the groups, and the accounts' metadata at once.
func (c *Cached) TriggerM3URefresh(ctx context.Context, accountID int64) error {
	if err := c.Client.TriggerM3URefresh(ctx, accountID); err != nil {
		return err
	}
	c.cache.InvalidatePrefix(cachePrefix)
	return nil
}
