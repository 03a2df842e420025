package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/ecm/internal/store"
	"github.com/snarg/ecm/internal/tasks"
)

// ChangeStore is the change-history surface. *store.DB satisfies it.
type ChangeStore interface {
	ListChangeLogs(ctx context.Context, accountID int64, limit, offset int) ([]store.M3UChangeLog, error)
	LatestSnapshot(ctx context.Context, accountID int64) (*store.M3USnapshot, error)
	GetDigestSettings(ctx context.Context) (store.DigestSettings, error)
	SaveDigestSettings(ctx context.Context, s store.DigestSettings) error
}

// DigestRunner forces a digest dispatch. *digest.Dispatcher satisfies it.
type DigestRunner interface {
	Run(ctx context.Context) error
}

// ScheduleWaker pokes the task scheduler after schedule edits. *tasks.Engine
// satisfies it.
type ScheduleWaker interface {
	Wake()
}

type ChangesHandler struct {
	db        ChangeStore
	digest    DigestRunner
	schedules tasks.ScheduleCRUD
	waker     ScheduleWaker
}

func NewChangesHandler(db ChangeStore, digest DigestRunner, schedules tasks.ScheduleCRUD, waker ScheduleWaker) *ChangesHandler {
	return &ChangesHandler{db: db, digest: digest, schedules: schedules, waker: waker}
}

func (h *ChangesHandler) Routes(r chi.Router) {
	r.Get("/changes", h.ListChanges)
	r.Get("/m3u/{accountID}/snapshot", h.LatestSnapshot)
	r.Get("/digest/settings", h.GetDigestSettings)
	r.Put("/digest/settings", h.UpdateDigestSettings)
	r.Post("/digest/send", h.SendDigest)
}

func (h *ChangesHandler) ListChanges(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)
	accountID, _ := QueryInt64(r, "account_id")
	changes, err := h.db.ListChangeLogs(r.Context(), accountID, p.Limit, p.Offset)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	if changes == nil {
		changes = []store.M3UChangeLog{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"changes": changes,
		"limit":   p.Limit,
		"offset":  p.Offset,
	})
}

func (h *ChangesHandler) LatestSnapshot(w http.ResponseWriter, r *http.Request) {
	accountID, err := PathInt64(r, "accountID")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	snap, err := h.db.LatestSnapshot(r.Context(), accountID)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

func (h *ChangesHandler) GetDigestSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.db.GetDigestSettings(r.Context())
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, settings)
}

func (h *ChangesHandler) UpdateDigestSettings(w http.ResponseWriter, r *http.Request) {
	var settings store.DigestSettings
	if err := DecodeJSON(r, &settings); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := settings.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.SaveDigestSettings(r.Context(), settings); err != nil {
		WriteStoreError(w, err)
		return
	}
	if h.schedules != nil {
		if err := tasks.SyncDigestSchedule(r.Context(), h.schedules, settings.Frequency); err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if h.waker != nil {
			h.waker.Wake()
		}
	}
	WriteJSON(w, http.StatusOK, settings)
}

// SendDigest dispatches all pending undigested changes right now,
// regardless of the configured frequency.
func (h *ChangesHandler) SendDigest(w http.ResponseWriter, r *http.Request) {
	if err := h.digest.Run(r.Context()); err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"sent": true})
}
