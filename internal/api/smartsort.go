package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/ecm/internal/probe"
	"github.com/snarg/ecm/internal/store"
	"github.com/snarg/ecm/internal/upstream"
)

// SmartSortAPI is the upstream slice needed to reorder a channel's streams.
// *upstream.Cached satisfies it.
type SmartSortAPI interface {
	GetChannel(ctx context.Context, id int64) (*upstream.Channel, error)
	GetStreamsByIDs(ctx context.Context, ids []int64) ([]upstream.Stream, error)
	ListM3UAccounts(ctx context.Context) ([]upstream.M3UAccount, error)
	ReorderChannelStreams(ctx context.Context, channelID int64, streamIDs []int64) error
}

// SmartSortStore reads the stats that drive the ordering. *store.DB
// satisfies it.
type SmartSortStore interface {
	StatsForStreams(ctx context.Context, streamIDs []int64) (map[int64]store.StreamStats, error)
}

type SmartSortHandler struct {
	api SmartSortAPI
	db  SmartSortStore
	cfg probe.SortConfig
}

func NewSmartSortHandler(api SmartSortAPI, db SmartSortStore, cfg probe.SortConfig) *SmartSortHandler {
	return &SmartSortHandler{api: api, db: db, cfg: cfg}
}

func (h *SmartSortHandler) Routes(r chi.Router) {
	r.Post("/channels/{id}/smart-sort", h.Sort)
}

// Sort reorders a channel's streams by probe quality. With dry_run the new
// order is returned without being applied upstream.
func (h *SmartSortHandler) Sort(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req struct {
		DryRun bool     `json:"dry_run"`
		Keys   []string `json:"keys,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := DecodeJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ch, err := h.api.GetChannel(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	if len(ch.StreamIDs) < 2 {
		WriteJSON(w, http.StatusOK, map[string]any{
			"channel_id": id,
			"order":      ch.StreamIDs,
			"applied":    false,
		})
		return
	}

	stats, err := h.db.StatsForStreams(r.Context(), ch.StreamIDs)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	accountOf, err := h.accountMap(r.Context(), ch.StreamIDs)
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}

	cfg := h.cfg
	if len(req.Keys) > 0 {
		cfg.Keys = req.Keys
	}
	if cfg.AccountPriority == nil {
		cfg.AccountPriority = map[int64]int{}
		accounts, err := h.api.ListM3UAccounts(r.Context())
		if err == nil {
			for _, a := range accounts {
				cfg.AccountPriority[a.ID] = a.Priority
			}
		}
	}

	order := probe.SortStreams(ch.StreamIDs, stats, accountOf, cfg)

	applied := false
	if !req.DryRun && !sameOrder(order, ch.StreamIDs) {
		if err := h.api.ReorderChannelStreams(r.Context(), id, order); err != nil {
			WriteError(w, http.StatusBadGateway, err.Error())
			return
		}
		applied = true
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"channel_id": id,
		"order":      order,
		"applied":    applied,
	})
}

func (h *SmartSortHandler) accountMap(ctx context.Context, streamIDs []int64) (map[int64]int64, error) {
	streams, err := h.api.GetStreamsByIDs(ctx, streamIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]int64, len(streams))
	for _, s := range streams {
		out[s.ID] = s.M3UAccountID
	}
	return out, nil
}

func sameOrder(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
