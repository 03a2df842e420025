package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/ecm/internal/channelcsv"
	"github.com/snarg/ecm/internal/upstream"
)

// CSVAPI is the upstream slice used by CSV import and export.
// *upstream.Cached satisfies it.
type CSVAPI interface {
	ListChannels(ctx context.Context) ([]upstream.Channel, error)
	ListChannelGroups(ctx context.Context) ([]upstream.ChannelGroup, error)
	CreateChannelGroup(ctx context.Context, name string) (*upstream.ChannelGroup, error)
	CreateChannel(ctx context.Context, in upstream.ChannelCreate) (*upstream.Channel, error)
	AddStreamToChannel(ctx context.Context, channelID, streamID int64) error
	GetStreamsByIDs(ctx context.Context, ids []int64) ([]upstream.Stream, error)
	ListStreams(ctx context.Context, accountIDs []int64) ([]upstream.Stream, error)
}

type CSVHandler struct {
	api CSVAPI
}

func NewCSVHandler(api CSVAPI) *CSVHandler {
	return &CSVHandler{api: api}
}

func (h *CSVHandler) Routes(r chi.Router) {
	r.Get("/channels/export.csv", h.Export)
	r.Post("/channels/import", h.Import)
}

// Export streams the manually curated channel lineup as CSV. Auto-created
// channels are excluded so a later import does not duplicate them.
func (h *CSVHandler) Export(w http.ResponseWriter, r *http.Request) {
	channels, err := h.api.ListChannels(r.Context())
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	groups, err := h.api.ListChannelGroups(r.Context())
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	groupNames := make(map[int64]string, len(groups))
	for _, g := range groups {
		groupNames[g.ID] = g.Name
	}

	var allStreamIDs []int64
	seen := map[int64]bool{}
	for _, ch := range channels {
		if ch.AutoCreated {
			continue
		}
		for _, sid := range ch.StreamIDs {
			if !seen[sid] {
				seen[sid] = true
				allStreamIDs = append(allStreamIDs, sid)
			}
		}
	}
	urlOf := map[int64]string{}
	if len(allStreamIDs) > 0 {
		streams, err := h.api.GetStreamsByIDs(r.Context(), allStreamIDs)
		if err != nil {
			WriteError(w, http.StatusBadGateway, err.Error())
			return
		}
		for _, s := range streams {
			urlOf[s.ID] = s.URL
		}
	}
	streamURLs := make(map[int64][]string, len(channels))
	for _, ch := range channels {
		for _, sid := range ch.StreamIDs {
			if u := urlOf[sid]; u != "" {
				streamURLs[ch.ID] = append(streamURLs[ch.ID], u)
			}
		}
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="channels.csv"`)
	if err := channelcsv.Export(w, channels, groupNames, streamURLs); err != nil {
		// Headers are already out; all we can do is log via the access log.
		return
	}
}

// Import parses a CSV body and creates the listed channels upstream.
// Row-level validation errors are reported per line; valid rows are still
// applied.
func (h *CSVHandler) Import(w http.ResponseWriter, r *http.Request) {
	parsed, err := channelcsv.Parse(r.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(parsed.Rows) == 0 && len(parsed.Errors) > 0 {
		WriteJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"created": 0,
			"errors":  parsed.Errors,
		})
		return
	}

	groupID, err := h.groupResolver(r.Context())
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	streamID, err := h.streamResolver(r.Context(), parsed.Rows)
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}

	created := 0
	importErrors := parsed.Errors
	for _, row := range parsed.Rows {
		in := upstream.ChannelCreate{
			Name:          row.Name,
			ChannelNumber: row.ChannelNumber,
			TvgID:         row.TvgID,
			GracenoteID:   row.GracenoteID,
			LogoURL:       row.LogoURL,
		}
		if row.GroupName != "" {
			gid, err := groupID(row.GroupName)
			if err != nil {
				importErrors = append(importErrors, channelcsv.RowError{
					Field: "group_name", Message: err.Error(),
				})
				continue
			}
			in.ChannelGroupID = &gid
		}

		ch, err := h.api.CreateChannel(r.Context(), in)
		if err != nil {
			importErrors = append(importErrors, channelcsv.RowError{
				Field: "name", Message: fmt.Sprintf("creating %q: %v", row.Name, err),
			})
			continue
		}
		created++

		for _, u := range row.StreamURLs {
			sid, ok := streamID[u]
			if !ok {
				importErrors = append(importErrors, channelcsv.RowError{
					Field: "stream_urls", Message: fmt.Sprintf("%q: no matching stream", u),
				})
				continue
			}
			if err := h.api.AddStreamToChannel(r.Context(), ch.ID, sid); err != nil {
				importErrors = append(importErrors, channelcsv.RowError{
					Field: "stream_urls", Message: fmt.Sprintf("attaching %q: %v", u, err),
				})
			}
		}
	}

	status := http.StatusOK
	if created == 0 && len(importErrors) > 0 {
		status = http.StatusUnprocessableEntity
	}
	WriteJSON(w, status, map[string]any{
		"created": created,
		"errors":  importErrors,
	})
}

// groupResolver returns a lookup that resolves group names to ids, creating
// missing groups on first use. Matching is case-insensitive.
func (h *CSVHandler) groupResolver(ctx context.Context) (func(name string) (int64, error), error) {
	groups, err := h.api.ListChannelGroups(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]int64, len(groups))
	for _, g := range groups {
		byName[strings.ToLower(g.Name)] = g.ID
	}
	return func(name string) (int64, error) {
		key := strings.ToLower(name)
		if id, ok := byName[key]; ok {
			return id, nil
		}
		g, err := h.api.CreateChannelGroup(ctx, name)
		if err != nil {
			return 0, err
		}
		byName[key] = g.ID
		return g.ID, nil
	}, nil
}

// streamResolver maps stream URLs referenced in the import to stream ids.
// Loads the full stream list only when at least one row carries URLs.
func (h *CSVHandler) streamResolver(ctx context.Context, rows []channelcsv.Row) (map[string]int64, error) {
	needed := false
	for _, row := range rows {
		if len(row.StreamURLs) > 0 {
			needed = true
			break
		}
	}
	out := map[string]int64{}
	if !needed {
		return out, nil
	}
	streams, err := h.api.ListStreams(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, s := range streams {
		out[s.URL] = s.ID
	}
	return out, nil
}
