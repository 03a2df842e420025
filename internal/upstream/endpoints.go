package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Channels

func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	return listAll[Channel](ctx, c, "/api/channels/channels/", nil)
}

func (c *Client) GetChannel(ctx context.Context, id int64) (*Channel, error) {
	var ch Channel
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/channels/channels/%d/", id), nil, nil, &ch)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *Client) CreateChannel(ctx context.Context, in ChannelCreate) (*Channel, error) {
	var ch Channel
	err := c.do(ctx, http.MethodPost, "/api/channels/channels/", nil, in, &ch)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *Client) UpdateChannel(ctx context.Context, id int64, in ChannelUpdate) (*Channel, error) {
	var ch Channel
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/channels/channels/%d/", id), nil, in, &ch)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *Client) DeleteChannel(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/channels/channels/%d/", id), nil, nil, nil)
}

func (c *Client) AddStreamToChannel(ctx context.Context, channelID, streamID int64) error {
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/channels/channels/%d/streams/", channelID), nil,
		map[string]int64{"stream_id": streamID}, nil)
}

func (c *Client) RemoveStreamFromChannel(ctx context.Context, channelID, streamID int64) error {
	return c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/api/channels/channels/%d/streams/%d/", channelID, streamID), nil, nil, nil)
}

func (c *Client) ReorderChannelStreams(ctx context.Context, channelID int64, streamIDs []int64) error {
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/channels/channels/%d/streams/reorder/", channelID), nil,
		map[string][]int64{"stream_ids": streamIDs}, nil)
}

// BulkAssignChannelNumbers sets channel numbers in one upstream call.
func (c *Client) BulkAssignChannelNumbers(ctx context.Context, assignments []NumberAssignment) error {
	return c.do(ctx, http.MethodPost, "/api/channels/channels/assign-numbers/", nil,
		map[string][]NumberAssignment{"assignments": assignments}, nil)
}

// Channel groups

func (c *Client) ListChannelGroups(ctx context.Context) ([]ChannelGroup, error) {
	return listAll[ChannelGroup](ctx, c, "/api/channels/groups/", nil)
}

func (c *Client) CreateChannelGroup(ctx context.Context, name string) (*ChannelGroup, error) {
	var g ChannelGroup
	err := c.do(ctx, http.MethodPost, "/api/channels/groups/", nil,
		map[string]string{"name": name}, &g)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) RenameChannelGroup(ctx context.Context, id int64, name string) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/channels/groups/%d/", id), nil,
		map[string]string{"name": name}, nil)
}

func (c *Client) DeleteChannelGroup(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/channels/groups/%d/", id), nil, nil, nil)
}

// HideChannelGroup disables a group without deleting it. Used instead of
// delete when an M3U account still references the group.
func (c *Client) HideChannelGroup(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/channels/groups/%d/", id), nil,
		map[string]bool{"enabled": false}, nil)
}

// Streams

func (c *Client) ListStreams(ctx context.Context, accountIDs []int64) ([]Stream, error) {
	q := url.Values{}
	if len(accountIDs) > 0 {
		parts := make([]string, len(accountIDs))
		for i, id := range accountIDs {
			parts[i] = strconv.FormatInt(id, 10)
		}
		q.Set("m3u_account", strings.Join(parts, ","))
	}
	return listAll[Stream](ctx, c, "/api/channels/streams/", q)
}

// GetStreamsByIDs bulk-fetches streams by id.
func (c *Client) GetStreamsByIDs(ctx context.Context, ids []int64) ([]Stream, error) {
	var out struct {
		Results []Stream `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, "/api/channels/streams/bulk/", nil,
		map[string][]int64{"ids": ids}, &out)
	if err != nil {
		return nil, err
	}
	return out.Results, nil
}

// M3U accounts / EPG

func (c *Client) ListM3UAccounts(ctx context.Context) ([]M3UAccount, error) {
	return listAll[M3UAccount](ctx, c, "/api/m3u/accounts/", nil)
}

func (c *Client) TriggerM3URefresh(ctx context.Context, accountID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/m3u/accounts/%d/refresh/", accountID), nil, nil, nil)
}

func (c *Client) TriggerEPGRefresh(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/epg/refresh/", nil, nil, nil)
}

func (c *Client) ListLogos(ctx context.Context) ([]Logo, error) {
	return listAll[Logo](ctx, c, "/api/channels/logos/", nil)
}
