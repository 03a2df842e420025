package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/ecm/internal/store"
)

// NotificationStore is the notification persistence surface. *store.DB
// satisfies it.
type NotificationStore interface {
	ListNotifications(ctx context.Context, unreadOnly bool, limit, offset int) ([]store.Notification, error)
	MarkNotificationRead(ctx context.Context, id int64, read bool) error
	MarkAllNotificationsRead(ctx context.Context) (int64, error)
	DeleteNotification(ctx context.Context, id int64) error
}

type NotificationsHandler struct {
	db NotificationStore
}

func NewNotificationsHandler(db NotificationStore) *NotificationsHandler {
	return &NotificationsHandler{db: db}
}

func (h *NotificationsHandler) Routes(r chi.Router) {
	r.Get("/notifications", h.List)
	r.Post("/notifications/read-all", h.MarkAllRead)
	r.Post("/notifications/{id}/read", h.MarkRead)
	r.Post("/notifications/{id}/unread", h.MarkUnread)
	r.Delete("/notifications/{id}", h.Delete)
}

func (h *NotificationsHandler) List(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)
	unreadOnly, _ := QueryBool(r, "unread")
	notes, err := h.db.ListNotifications(r.Context(), unreadOnly, p.Limit, p.Offset)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	if notes == nil {
		notes = []store.Notification{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"notifications": notes,
		"limit":         p.Limit,
		"offset":        p.Offset,
	})
}

func (h *NotificationsHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.setRead(w, r, true)
}

func (h *NotificationsHandler) MarkUnread(w http.ResponseWriter, r *http.Request) {
	h.setRead(w, r, false)
}

func (h *NotificationsHandler) setRead(w http.ResponseWriter, r *http.Request, read bool) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.db.MarkNotificationRead(r.Context(), id, read); err != nil {
		WriteStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *NotificationsHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.db.MarkAllNotificationsRead(r.Context())
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"marked_read": n})
}

func (h *NotificationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.db.DeleteNotification(r.Context(), id); err != nil {
		WriteStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
