package upstream

// Types mirror the upstream API's wire shapes. The upstream's data model is
// authoritative for channels, streams, groups, and logos; nothing here is
// persisted locally.

type Channel struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	ChannelNumber  float64 `json:"channel_number,omitempty"`
	ChannelGroupID *int64  `json:"channel_group_id,omitempty"`
	TvgID          string  `json:"tvg_id,omitempty"`
	GracenoteID    string  `json:"gracenote_id,omitempty"`
	LogoURL        string  `json:"logo_url,omitempty"`
	StreamIDs      []int64 `json:"stream_ids,omitempty"`
	AutoCreated    bool    `json:"auto_created,omitempty"`
	Enabled        bool    `json:"enabled"`
}

type ChannelGroup struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	Enabled       bool    `json:"enabled"`
	M3UAccountIDs []int64 `json:"m3u_account_ids,omitempty"`
}

type Stream struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	GroupName    string `json:"group_name,omitempty"`
	M3UAccountID int64  `json:"m3u_account_id,omitempty"`
	TvgID        string `json:"tvg_id,omitempty"`
	LogoURL      string `json:"logo_url,omitempty"`
}

type M3UAccount struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Priority int    `json:"priority,omitempty"`
}

type Logo struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
}

// ChannelCreate is the payload for creating a channel.
type ChannelCreate struct {
	Name           string   `json:"name"`
	ChannelNumber  *float64 `json:"channel_number,omitempty"`
	ChannelGroupID *int64   `json:"channel_group_id,omitempty"`
	TvgID          string   `json:"tvg_id,omitempty"`
	GracenoteID    string   `json:"gracenote_id,omitempty"`
	LogoURL        string   `json:"logo_url,omitempty"`
	AutoCreated    bool     `json:"auto_created,omitempty"`
}

// ChannelUpdate is a partial update; nil fields are left untouched.
type ChannelUpdate struct {
	Name           *string  `json:"name,omitempty"`
	ChannelNumber  *float64 `json:"channel_number,omitempty"`
	ChannelGroupID *int64   `json:"channel_group_id,omitempty"`
	TvgID          *string  `json:"tvg_id,omitempty"`
	GracenoteID    *string  `json:"gracenote_id,omitempty"`
	LogoURL        *string  `json:"logo_url,omitempty"`
	Enabled        *bool    `json:"enabled,omitempty"`
}

// NumberAssignment maps a channel to its new channel number for the bulk
// assign endpoint.
type NumberAssignment struct {
	ChannelID     int64   `json:"channel_id"`
	ChannelNumber float64 `json:"channel_number"`
}
