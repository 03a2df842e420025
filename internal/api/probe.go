package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/ecm/internal/probe"
	"github.com/snarg/ecm/internal/store"
	"github.com/snarg/ecm/internal/tasks"
)

// ProbeStore is the stats surface this handler reads and resets.
// *store.DB satisfies it.
type ProbeStore interface {
	DismissStream(ctx context.Context, streamID int64) error
	ResetFailureCounters(ctx context.Context, streamIDs []int64) error
}

// ProbeEngine is the struck-out slice of the probe engine.
type ProbeEngine interface {
	StruckOut(ctx context.Context) ([]store.StreamStats, error)
	RemoveStruckOut(ctx context.Context, api probe.ChannelAPI) (int, error)
}

// TaskRunner starts background task runs. *tasks.Engine satisfies it.
type TaskRunner interface {
	Run(ctx context.Context, taskID string, scheduleID *int64, params json.RawMessage) (*store.TaskRun, error)
}

type ProbeHandler struct {
	db       ProbeStore
	engine   ProbeEngine
	runner   TaskRunner
	upstream probe.ChannelAPI
}

func NewProbeHandler(db ProbeStore, engine ProbeEngine, runner TaskRunner, up probe.ChannelAPI) *ProbeHandler {
	return &ProbeHandler{db: db, engine: engine, runner: runner, upstream: up}
}

func (h *ProbeHandler) Routes(r chi.Router) {
	r.Post("/probe/run", h.Run)
	r.Get("/probe/struck-out", h.StruckOut)
	r.Post("/probe/struck-out/remove", h.RemoveStruckOut)
	r.Post("/probe/streams/{id}/dismiss", h.Dismiss)
	r.Post("/probe/reset", h.Reset)
}

// Run starts a probe run through the task engine, so manual probes share
// history, progress, and singleton semantics with scheduled ones.
func (h *ProbeHandler) Run(w http.ResponseWriter, r *http.Request) {
	params := json.RawMessage(`{}`)
	if r.ContentLength > 0 {
		var raw json.RawMessage
		if err := DecodeJSON(r, &raw); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		params = raw
	}
	run, err := h.runner.Run(r.Context(), tasks.TaskStreamProbe, nil, params)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusAccepted, run)
}

func (h *ProbeHandler) StruckOut(w http.ResponseWriter, r *http.Request) {
	struck, err := h.engine.StruckOut(r.Context())
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	if struck == nil {
		struck = []store.StreamStats{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"streams": struck, "total": len(struck)})
}

func (h *ProbeHandler) RemoveStruckOut(w http.ResponseWriter, r *http.Request) {
	removed, err := h.engine.RemoveStruckOut(r.Context(), h.upstream)
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (h *ProbeHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.db.DismissStream(r.Context(), id); err != nil {
		WriteStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProbeHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StreamIDs []int64 `json:"stream_ids"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.StreamIDs) == 0 {
		WriteError(w, http.StatusBadRequest, "stream_ids is required")
		return
	}
	if err := h.db.ResetFailureCounters(r.Context(), req.StreamIDs); err != nil {
		WriteStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
