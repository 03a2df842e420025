package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/ecm/internal/notify"
	"github.com/snarg/ecm/internal/store"
)

// Store is the engine's persistence surface. *store.DB satisfies it.
type Store interface {
	GetScheduledTask(ctx context.Context, taskID string) (*store.ScheduledTask, error)
	EnsureScheduledTask(ctx context.Context, taskID string) error
	ListSchedules(ctx context.Context) ([]store.TaskSchedule, error)
	InsertTaskRun(ctx context.Context, r *store.TaskRun) error
	FinishTaskRun(ctx context.Context, r *store.TaskRun) error
	TaskHistory(ctx context.Context, taskID string, limit, offset int) ([]store.TaskRun, error)
}

// Alerter raises notifications after terminal runs. *notify.Notifier
// satisfies it.
type Alerter interface {
	Notify(ctx context.Context, n *store.Notification, d notify.Dispatch) error
}

type registered struct {
	def Definition
	fn  RunFunc
}

type activeRun struct {
	run    store.TaskRun
	cancel context.CancelFunc

	mu       sync.Mutex
	progress Progress
}

func (a *activeRun) publish(p Progress) {
	a.mu.Lock()
	a.progress = p
	a.mu.Unlock()
}

func (a *activeRun) snapshot() Progress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.progress
}

// Engine owns the scheduler loop and all active task runs. A task is
// singleton per task id: a fire while the task still runs is recorded in
// history as skipped.
type Engine struct {
	db      Store
	alerter Alerter
	log     zerolog.Logger

	mu      sync.Mutex
	tasks   map[string]registered
	running map[string]*activeRun
	started bool

	wake      chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lastFired map[int64]time.Time
}

func NewEngine(db Store, alerter Alerter, log zerolog.Logger) *Engine {
	return &Engine{
		db:        db,
		alerter:   alerter,
		log:       log.With().Str("component", "tasks").Logger(),
		tasks:     map[string]registered{},
		running:   map[string]*activeRun{},
		wake:      make(chan struct{}, 1),
		lastFired: map[int64]time.Time{},
	}
}

// Register adds a task definition. Must be called before Start.
func (e *Engine) Register(def Definition, fn RunFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.tasks[def.TaskID]; dup {
		return fmt.Errorf("task %q already registered", def.TaskID)
	}
	e.tasks[def.TaskID] = registered{def: def, fn: fn}
	return nil
}

// ListTasks returns all registered definitions sorted by task id.
func (e *Engine) ListTasks() []Definition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Definition, 0, len(e.tasks))
	for _, r := range e.tasks {
		out = append(out, r.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Status reports whether a task is running and its latest progress.
type Status struct {
	TaskID   string    `json:"task_id"`
	Running  bool      `json:"running"`
	RunID    int64     `json:"run_id,omitempty"`
	Progress *Progress `json:"progress,omitempty"`
}

func (e *Engine) GetStatus(taskID string) (*Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tasks[taskID]; !ok {
		return nil, fmt.Errorf("unknown task %q", taskID)
	}
	st := &Status{TaskID: taskID}
	if a, ok := e.running[taskID]; ok {
		st.Running = true
		st.RunID = a.run.RunID
		p := a.snapshot()
		st.Progress = &p
	}
	return st, nil
}

// EngineStatus is the scheduler-level view.
type EngineStatus struct {
	Started      bool     `json:"started"`
	Registered   int      `json:"registered_tasks"`
	RunningTasks []string `json:"running_tasks"`
}

func (e *Engine) EngineStatus() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := EngineStatus{Started: e.started, Registered: len(e.tasks)}
	for id := range e.running {
		st.RunningTasks = append(st.RunningTasks, id)
	}
	sort.Strings(st.RunningTasks)
	return st
}

// RunningCount reports how many task runs are executing right now.
func (e *Engine) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Start launches the scheduler loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.started = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.loop(ctx)
	e.log.Info().Int("tasks", len(e.tasks)).Msg("task engine started")
}

// Stop cancels the scheduler and all active runs, then waits for them.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	for _, a := range e.running {
		a.cancel()
	}
	e.started = false
	e.mu.Unlock()
	e.wg.Wait()
	e.log.Info().Msg("task engine stopped")
}

// Wake recomputes fire times immediately, called after schedule edits.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// loop sleeps until the earliest next_fire_at, a wake signal, or shutdown.
func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	const idleWait = time.Minute

	for {
		wait := idleWait
		now := time.Now()
		due, next := e.collectDue(ctx, now)
		for _, s := range due {
			e.fire(ctx, s)
		}
		if !next.IsZero() {
			if d := time.Until(next); d < wait {
				wait = d
			}
			if wait < time.Second {
				wait = time.Second
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// collectDue splits enabled schedules into those due now (ascending
// schedule id) and the earliest future fire time.
func (e *Engine) collectDue(ctx context.Context, now time.Time) ([]store.TaskSchedule, time.Time) {
	schedules, err := e.db.ListSchedules(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Error().Err(err).Msg("listing schedules")
		}
		return nil, time.Time{}
	}

	// Drop dedupe state for schedules that no longer exist.
	current := make(map[int64]bool, len(schedules))
	for _, s := range schedules {
		current[s.ID] = true
	}
	for id := range e.lastFired {
		if !current[id] {
			delete(e.lastFired, id)
		}
	}

	var due []store.TaskSchedule
	var next time.Time
	for _, s := range schedules {
		if !s.Enabled {
			continue
		}
		e.mu.Lock()
		_, known := e.tasks[s.TaskID]
		e.mu.Unlock()
		if !known {
			continue
		}
		fire, err := NextFire(s, now.Add(-time.Second))
		if err != nil {
			e.log.Warn().Err(err).Int64("schedule_id", s.ID).Msg("schedule is unschedulable")
			continue
		}
		if !fire.After(now) {
			// One fire per computed occurrence, even when the loop wakes
			// twice within the same second.
			if last, seen := e.lastFired[s.ID]; !seen || !last.Equal(fire) {
				e.lastFired[s.ID] = fire
				due = append(due, s)
			}
			continue
		}
		if next.IsZero() || fire.Before(next) {
			next = fire
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, next
}

func (e *Engine) fire(ctx context.Context, s store.TaskSchedule) {
	sid := s.ID
	if _, err := e.launch(ctx, s.TaskID, &sid, s.Parameters); err != nil {
		e.log.Warn().Err(err).Str("task_id", s.TaskID).Int64("schedule_id", s.ID).Msg("scheduled fire failed")
	}
}

// Run starts a task manually. Returns the recorded run, which for a
// coalesced fire is the "skipped, already running" history row.
func (e *Engine) Run(ctx context.Context, taskID string, scheduleID *int64, params json.RawMessage) (*store.TaskRun, error) {
	return e.launch(ctx, taskID, scheduleID, params)
}

func (e *Engine) launch(ctx context.Context, taskID string, scheduleID *int64, params json.RawMessage) (*store.TaskRun, error) {
	e.mu.Lock()
	reg, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("unknown task %q", taskID)
	}
	if _, busy := e.running[taskID]; busy {
		e.mu.Unlock()
		skipped := &store.TaskRun{
			TaskID:     taskID,
			ScheduleID: scheduleID,
			Status:     store.RunWarning,
			Message:    "skipped, already running",
		}
		if err := e.db.InsertTaskRun(ctx, skipped); err != nil {
			return nil, err
		}
		if err := e.db.FinishTaskRun(ctx, skipped); err != nil {
			return nil, err
		}
		return skipped, nil
	}

	run := &store.TaskRun{TaskID: taskID, ScheduleID: scheduleID, Status: store.RunRunning}
	if err := e.db.InsertTaskRun(ctx, run); err != nil {
		e.mu.Unlock()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	active := &activeRun{run: *run, cancel: cancel}
	e.running[taskID] = active
	e.wg.Add(1)
	e.mu.Unlock()

	go e.execute(runCtx, reg, active, params)
	return run, nil
}

// execute runs the task body and persists the terminal state.
func (e *Engine) execute(ctx context.Context, reg registered, active *activeRun, params json.RawMessage) {
	defer e.wg.Done()
	run := active.run
	log := e.log.With().Str("task_id", run.TaskID).Int64("run_id", run.RunID).Logger()
	log.Info().Msg("task started")

	rc := &RunContext{Params: params, Publish: active.publish}
	res, err := reg.fn(ctx, rc)

	switch {
	case ctx.Err() != nil:
		run.Status = store.RunCancelled
		run.Message = "cancelled"
		if res.Message != "" {
			run.Message = res.Message
		}
	case err != nil:
		run.Status = store.RunError
		run.Message = err.Error()
	default:
		run.Status = res.Status
		if run.Status == "" {
			run.Status = store.RunSuccess
		}
		run.Message = res.Message
	}
	run.Details = res.Details
	run.TotalItems = res.Total
	run.SuccessCount = res.Success
	run.ErrorCount = res.Errors

	finishCtx, cancelFinish := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelFinish()
	if err := e.db.FinishTaskRun(finishCtx, &run); err != nil {
		log.Error().Err(err).Msg("persisting task result")
	}

	e.mu.Lock()
	delete(e.running, run.TaskID)
	e.mu.Unlock()
	active.cancel()

	log.Info().Str("status", run.Status).Str("message", run.Message).Msg("task finished")
	e.alert(finishCtx, reg.def, run)
	e.Wake()
}

// Cancel requests cancellation of a running task. Cooperative tasks observe
// it at their next suspension point.
func (e *Engine) Cancel(taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.running[taskID]
	if !ok {
		return fmt.Errorf("task %q is not running", taskID)
	}
	a.cancel()
	return nil
}

// History returns run history, newest first. Empty taskID covers all tasks.
func (e *Engine) History(ctx context.Context, taskID string, limit, offset int) ([]store.TaskRun, error) {
	return e.db.TaskHistory(ctx, taskID, limit, offset)
}

// alert applies the per-task alerting policy. Alert failures never change
// the task's own outcome.
func (e *Engine) alert(ctx context.Context, def Definition, run store.TaskRun) {
	if e.alerter == nil {
		return
	}
	st, err := e.db.GetScheduledTask(ctx, run.TaskID)
	if err != nil {
		if err != store.ErrNotFound {
			e.log.Warn().Err(err).Str("task_id", run.TaskID).Msg("loading alert flags")
		}
		return
	}
	if !st.SendAlerts || !alertWanted(st, run.Status) {
		return
	}

	level := store.NotifyInfo
	switch run.Status {
	case store.RunSuccess:
		level = store.NotifySuccess
	case store.RunWarning:
		level = store.NotifyWarning
	case store.RunError:
		level = store.NotifyError
	}
	note := &store.Notification{
		Type:     level,
		Title:    fmt.Sprintf("%s: %s", def.TaskName, run.Status),
		Message:  run.Message,
		Source:   "task",
		SourceID: run.TaskID,
	}
	err = e.alerter.Notify(ctx, note, notify.Dispatch{
		Email:    st.SendToEmail,
		Discord:  st.SendToDiscord,
		Telegram: st.SendToTelegram,
	})
	if err != nil {
		e.log.Warn().Err(err).Str("task_id", run.TaskID).Msg("task alert failed")
	}
}

func alertWanted(st *store.ScheduledTask, status string) bool {
	switch status {
	case store.RunSuccess:
		return st.AlertOnSuccess
	case store.RunWarning:
		return st.AlertOnWarning
	case store.RunError:
		return st.AlertOnError
	default:
		return st.AlertOnInfo
	}
}
