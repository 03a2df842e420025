package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/ecm/internal/bulk"
)

// BulkApplier runs bulk-commit requests. *bulk.Applier satisfies it.
type BulkApplier interface {
	Apply(ctx context.Context, req bulk.Request) (*bulk.Result, error)
}

type BulkHandler struct {
	applier BulkApplier
}

func NewBulkHandler(applier BulkApplier) *BulkHandler {
	return &BulkHandler{applier: applier}
}

func (h *BulkHandler) Routes(r chi.Router) {
	r.Post("/bulk/commit", h.Commit)
}

// Commit applies a batch of channel operations atomically-ish: validation
// first, group creation second, then ordered application. The response body
// always carries the full result, including per-operation errors.
func (h *BulkHandler) Commit(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := DecodeJSON(r, &raw); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := bulk.DecodeRequest(raw)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.applier.Apply(r.Context(), req)
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	WriteJSON(w, status, res)
}
