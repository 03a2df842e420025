package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/ecm/internal/store"
	"github.com/snarg/ecm/internal/tasks"
)

// TaskEngine is the engine surface this handler drives. *tasks.Engine
// satisfies it.
type TaskEngine interface {
	ListTasks() []tasks.Definition
	GetStatus(taskID string) (*tasks.Status, error)
	Run(ctx context.Context, taskID string, scheduleID *int64, params json.RawMessage) (*store.TaskRun, error)
	Cancel(taskID string) error
	History(ctx context.Context, taskID string, limit, offset int) ([]store.TaskRun, error)
	EngineStatus() tasks.EngineStatus
	Wake()
}

// ScheduleStore persists schedules and per-task flags. *store.DB satisfies it.
type ScheduleStore interface {
	ListSchedules(ctx context.Context) ([]store.TaskSchedule, error)
	CreateSchedule(ctx context.Context, s *store.TaskSchedule) error
	UpdateSchedule(ctx context.Context, s *store.TaskSchedule) error
	DeleteSchedule(ctx context.Context, id int64) error
	GetScheduledTask(ctx context.Context, taskID string) (*store.ScheduledTask, error)
	UpsertScheduledTask(ctx context.Context, t *store.ScheduledTask) error
}

type TasksHandler struct {
	engine TaskEngine
	db     ScheduleStore
}

func NewTasksHandler(engine TaskEngine, db ScheduleStore) *TasksHandler {
	return &TasksHandler{engine: engine, db: db}
}

func (h *TasksHandler) Routes(r chi.Router) {
	r.Get("/tasks", h.ListTasks)
	r.Get("/tasks/status", h.EngineStatus)
	r.Get("/tasks/history", h.History)
	r.Get("/tasks/{taskID}/status", h.TaskStatus)
	r.Post("/tasks/{taskID}/run", h.RunTask)
	r.Post("/tasks/{taskID}/cancel", h.CancelTask)
	r.Get("/tasks/{taskID}/settings", h.GetTaskSettings)
	r.Put("/tasks/{taskID}/settings", h.UpdateTaskSettings)

	r.Get("/tasks/schedules", h.ListSchedules)
	r.Post("/tasks/schedules", h.CreateSchedule)
	r.Put("/tasks/schedules/{id}", h.UpdateSchedule)
	r.Delete("/tasks/schedules/{id}", h.DeleteSchedule)
	r.Post("/tasks/cron/preview", h.CronPreview)
}

func (h *TasksHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	defs := h.engine.ListTasks()
	WriteJSON(w, http.StatusOK, map[string]any{"tasks": defs, "total": len(defs)})
}

func (h *TasksHandler) EngineStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.engine.EngineStatus())
}

func (h *TasksHandler) TaskStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.GetStatus(chi.URLParam(r, "taskID"))
	if err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

func (h *TasksHandler) RunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	params := json.RawMessage(`{}`)
	if r.ContentLength > 0 {
		var raw json.RawMessage
		if err := DecodeJSON(r, &raw); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		params = raw
	}
	run, err := h.engine.Run(r.Context(), taskID, nil, params)
	if err != nil {
		if _, statusErr := h.engine.GetStatus(taskID); statusErr != nil {
			WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusAccepted, run)
}

func (h *TasksHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Cancel(chi.URLParam(r, "taskID")); err != nil {
		WriteError(w, http.StatusConflict, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (h *TasksHandler) History(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)
	taskID, _ := QueryString(r, "task_id")
	runs, err := h.engine.History(r.Context(), taskID, p.Limit, p.Offset)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	if runs == nil {
		runs = []store.TaskRun{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"runs":   runs,
		"limit":  p.Limit,
		"offset": p.Offset,
	})
}

func (h *TasksHandler) GetTaskSettings(w http.ResponseWriter, r *http.Request) {
	st, err := h.db.GetScheduledTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

func (h *TasksHandler) UpdateTaskSettings(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := h.engine.GetStatus(taskID); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	var st store.ScheduledTask
	if err := DecodeJSON(r, &st); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	st.TaskID = taskID
	if err := h.db.UpsertScheduledTask(r.Context(), &st); err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

func (h *TasksHandler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.db.ListSchedules(r.Context())
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	if schedules == nil {
		schedules = []store.TaskSchedule{}
	}

	// Annotate each schedule with its computed next fire time.
	type scheduleWithNext struct {
		store.TaskSchedule
		NextFireAt *time.Time `json:"next_fire_at,omitempty"`
	}
	now := time.Now()
	out := make([]scheduleWithNext, 0, len(schedules))
	for _, s := range schedules {
		sn := scheduleWithNext{TaskSchedule: s}
		if s.Enabled {
			if fire, err := tasks.NextFire(s, now); err == nil {
				sn.NextFireAt = &fire
			}
		}
		out = append(out, sn)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"schedules": out, "total": len(out)})
}

func (h *TasksHandler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var s store.TaskSchedule
	if err := DecodeJSON(r, &s); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.engine.GetStatus(s.TaskID); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := tasks.ValidateSchedule(&s); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.CreateSchedule(r.Context(), &s); err != nil {
		WriteStoreError(w, err)
		return
	}
	h.engine.Wake()
	WriteJSON(w, http.StatusCreated, s)
}

func (h *TasksHandler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var s store.TaskSchedule
	if err := DecodeJSON(r, &s); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.ID = id
	if err := tasks.ValidateSchedule(&s); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.UpdateSchedule(r.Context(), &s); err != nil {
		WriteStoreError(w, err)
		return
	}
	h.engine.Wake()
	WriteJSON(w, http.StatusOK, s)
}

func (h *TasksHandler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.db.DeleteSchedule(r.Context(), id); err != nil {
		WriteStoreError(w, err)
		return
	}
	h.engine.Wake()
	w.WriteHeader(http.StatusNoContent)
}

// CronPreview validates a cron expression and returns its next fire times
// plus a human-readable description.
func (h *TasksHandler) CronPreview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Expression string `json:"expression"`
		Count      int    `json:"count"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Count <= 0 || req.Count > 20 {
		req.Count = 5
	}
	next, err := tasks.CronPreview(req.Expression, time.Now(), req.Count)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	desc, _ := tasks.DescribeCron(req.Expression)
	WriteJSON(w, http.StatusOK, map[string]any{
		"expression":  req.Expression,
		"description": desc,
		"next_fires":  next,
	})
}
