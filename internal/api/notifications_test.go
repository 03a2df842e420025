package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/ecm/internal/store"
)

type fakeNotificationStore struct {
	notes   []store.Notification
	deleted []int64
}

func (f *fakeNotificationStore) ListNotifications(_ context.Context, unreadOnly bool, limit, offset int) ([]store.Notification, error) {
	var out []store.Notification
	for _, n := range f.notes {
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeNotificationStore) MarkNotificationRead(_ context.Context, id int64, read bool) error {
	for i := range f.notes {
		if f.notes[i].ID == id {
			f.notes[i].Read = read
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeNotificationStore) MarkAllNotificationsRead(_ context.Context) (int64, error) {
	var n int64
	for i := range f.notes {
		if !f.notes[i].Read {
			f.notes[i].Read = true
			n++
		}
	}
	return n, nil
}

func (f *fakeNotificationStore) DeleteNotification(_ context.Context, id int64) error {
	for i := range f.notes {
		if f.notes[i].ID == id {
			f.deleted = append(f.deleted, id)
			f.notes = append(f.notes[:i], f.notes[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func notificationRouter(db NotificationStore) *chi.Mux {
	r := chi.NewRouter()
	NewNotificationsHandler(db).Routes(r)
	return r
}

func TestNotificationsList(t *testing.T) {
	db := &fakeNotificationStore{notes: []store.Notification{
		{ID: 1, Type: store.NotifyError, Message: "probe failed", Read: false},
		{ID: 2, Type: store.NotifyInfo, Message: "done", Read: true},
	}}
	r := notificationRouter(db)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/notifications?unread=true", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Notifications []store.Notification `json:"notifications"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Notifications) != 1 || body.Notifications[0].ID != 1 {
		t.Errorf("unread list = %+v", body.Notifications)
	}
}

func TestNotificationsMarkReadAndDelete(t *testing.T) {
	db := &fakeNotificationStore{notes: []store.Notification{
		{ID: 1, Message: "a"},
		{ID: 2, Message: "b"},
	}}
	r := notificationRouter(db)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/notifications/1/read", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("mark read status = %d", rec.Code)
	}
	if !db.notes[0].Read {
		t.Error("notification 1 not marked read")
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("DELETE", "/notifications/2", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if len(db.deleted) != 1 || db.deleted[0] != 2 {
		t.Errorf("deleted = %v", db.deleted)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("DELETE", "/notifications/99", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing delete status = %d", rec.Code)
	}
}

func TestNotificationsMarkAllRead(t *testing.T) {
	db := &fakeNotificationStore{notes: []store.Notification{
		{ID: 1}, {ID: 2}, {ID: 3, Read: true},
	}}
	r := notificationRouter(db)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/notifications/read-all", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["marked_read"] != 2 {
		t.Errorf("marked_read = %d, want 2", body["marked_read"])
	}
}
