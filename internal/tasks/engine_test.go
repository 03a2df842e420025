package tasks

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/ecm/internal/notify"
	"github.com/snarg/ecm/internal/store"
)

type memTaskStore struct {
	mu        sync.Mutex
	nextID    int64
	runs      []*store.TaskRun
	schedules []store.TaskSchedule
	flags     map[string]*store.ScheduledTask
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{flags: map[string]*store.ScheduledTask{}}
}

func (m *memTaskStore) GetScheduledTask(_ context.Context, taskID string) (*store.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.flags[taskID]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (m *memTaskStore) EnsureScheduledTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flags[taskID]; !ok {
		m.flags[taskID] = &store.ScheduledTask{TaskID: taskID, Enabled: true}
	}
	return nil
}

func (m *memTaskStore) ListSchedules(context.Context) ([]store.TaskSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.TaskSchedule(nil), m.schedules...), nil
}

func (m *memTaskStore) InsertTaskRun(_ context.Context, r *store.TaskRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.RunID = m.nextID
	r.StartedAt = time.Now().UTC()
	cp := *r
	m.runs = append(m.runs, &cp)
	return nil
}

func (m *memTaskStore) FinishTaskRun(_ context.Context, r *store.TaskRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	r.FinishedAt = &now
	for i, existing := range m.runs {
		if existing.RunID == r.RunID {
			cp := *r
			m.runs[i] = &cp
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memTaskStore) TaskHistory(_ context.Context, taskID string, limit, offset int) ([]store.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.TaskRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		if taskID == "" || m.runs[i].TaskID == taskID {
			out = append(out, *m.runs[i])
		}
	}
	return out, nil
}

func (m *memTaskStore) statuses(taskID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.runs {
		if r.TaskID == taskID {
			out = append(out, r.Status)
		}
	}
	return out
}

type recordingAlerter struct {
	mu    sync.Mutex
	notes []store.Notification
	disp  []notify.Dispatch
}

func (r *recordingAlerter) Notify(_ context.Context, n *store.Notification, d notify.Dispatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, *n)
	r.disp = append(r.disp, d)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func (m *memTaskStore) finishedRun(runID int64) func() bool {
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, r := range m.runs {
			if r.RunID == runID {
				return r.FinishedAt != nil
			}
		}
		return false
	}
}

func TestRunRecordsResult(t *testing.T) {
	db := newMemTaskStore()
	e := NewEngine(db, nil, zerolog.Nop())
	err := e.Register(Definition{TaskID: "demo", TaskName: "Demo"},
		func(ctx context.Context, rc *RunContext) (Result, error) {
			n := 3
			return Result{Message: "done", Total: &n}, nil
		})
	if err != nil {
		t.Fatal(err)
	}

	run, err := e.Run(context.Background(), "demo", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, db.finishedRun(run.RunID))

	hist, err := e.History(context.Background(), "demo", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 {
		t.Fatalf("history = %d rows, want 1", len(hist))
	}
	got := hist[0]
	if got.Status != store.RunSuccess || got.Message != "done" {
		t.Errorf("run = %q/%q", got.Status, got.Message)
	}
	if got.TotalItems == nil || *got.TotalItems != 3 {
		t.Errorf("total_items = %v", got.TotalItems)
	}
}

func TestRunUnknownTask(t *testing.T) {
	e := NewEngine(newMemTaskStore(), nil, zerolog.Nop())
	if _, err := e.Run(context.Background(), "missing", nil, nil); err == nil {
		t.Fatal("expected error for unknown task")
	}
}

// A second start while the task still runs does not launch it again; it is
// recorded in history as a warning row.
func TestRunSingletonSkip(t *testing.T) {
	db := newMemTaskStore()
	e := NewEngine(db, nil, zerolog.Nop())

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	err := e.Register(Definition{TaskID: "slow", TaskName: "Slow"},
		func(ctx context.Context, rc *RunContext) (Result, error) {
			once.Do(func() { close(started) })
			<-release
			return Result{}, nil
		})
	if err != nil {
		t.Fatal(err)
	}

	first, err := e.Run(context.Background(), "slow", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	<-started

	second, err := e.Run(context.Background(), "slow", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if second.RunID == first.RunID {
		t.Fatal("skip did not record its own history row")
	}
	if second.Status != store.RunWarning || second.Message != "skipped, already running" {
		t.Errorf("skip row = %q/%q", second.Status, second.Message)
	}

	close(release)
	waitFor(t, db.finishedRun(first.RunID))
	if got := db.statuses("slow"); len(got) != 2 {
		t.Errorf("runs = %v, want exactly one real run and one skip", got)
	}
}

func TestCancelMarksRunCancelled(t *testing.T) {
	db := newMemTaskStore()
	e := NewEngine(db, nil, zerolog.Nop())

	started := make(chan struct{})
	err := e.Register(Definition{TaskID: "forever", TaskName: "Forever"},
		func(ctx context.Context, rc *RunContext) (Result, error) {
			close(started)
			<-ctx.Done()
			return Result{}, ctx.Err()
		})
	if err != nil {
		t.Fatal(err)
	}

	run, err := e.Run(context.Background(), "forever", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if err := e.Cancel("forever"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, db.finishedRun(run.RunID))

	hist, _ := e.History(context.Background(), "forever", 1, 0)
	if hist[0].Status != store.RunCancelled {
		t.Errorf("status = %q, want cancelled", hist[0].Status)
	}

	if err := e.Cancel("forever"); err == nil {
		t.Error("cancelling an idle task must fail")
	}
}

func TestGetStatusExposesProgress(t *testing.T) {
	db := newMemTaskStore()
	e := NewEngine(db, nil, zerolog.Nop())

	published := make(chan struct{})
	release := make(chan struct{})
	err := e.Register(Definition{TaskID: "progress", TaskName: "Progress"},
		func(ctx context.Context, rc *RunContext) (Result, error) {
			n := 10
			done := 4
			rc.Publish(Progress{Status: "working", Total: &n, SuccessCount: &done, CurrentItem: "item 5"})
			close(published)
			<-release
			return Result{}, nil
		})
	if err != nil {
		t.Fatal(err)
	}

	run, err := e.Run(context.Background(), "progress", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	<-published

	st, err := e.GetStatus("progress")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Running || st.RunID != run.RunID {
		t.Fatalf("status = %+v", st)
	}
	if st.Progress == nil || st.Progress.CurrentItem != "item 5" || *st.Progress.SuccessCount != 4 {
		t.Errorf("progress = %+v", st.Progress)
	}

	close(release)
	waitFor(t, db.finishedRun(run.RunID))

	st, err = e.GetStatus("progress")
	if err != nil {
		t.Fatal(err)
	}
	if st.Running {
		t.Error("still reported running after finish")
	}
}

func TestSchedulerFiresIntervalSchedule(t *testing.T) {
	db := newMemTaskStore()
	db.schedules = []store.TaskSchedule{{
		ID:              1,
		TaskID:          "tick",
		Enabled:         true,
		ScheduleType:    store.ScheduleInterval,
		IntervalSeconds: intp(1),
	}}

	e := NewEngine(db, nil, zerolog.Nop())
	fired := make(chan int64, 8)
	err := e.Register(Definition{TaskID: "tick", TaskName: "Tick"},
		func(ctx context.Context, rc *RunContext) (Result, error) {
			fired <- 1
			return Result{}, nil
		})
	if err != nil {
		t.Fatal(err)
	}

	e.Start(context.Background())
	defer e.Stop()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("schedule never fired")
	}

	hist, _ := e.History(context.Background(), "tick", 1, 0)
	if len(hist) == 0 {
		t.Fatal("no history for scheduled run")
	}
	if hist[0].ScheduleID == nil || *hist[0].ScheduleID != 1 {
		t.Errorf("schedule_id = %v, want 1", hist[0].ScheduleID)
	}
}

func TestDeletedScheduleDropsDedupeState(t *testing.T) {
	db := newMemTaskStore()
	db.schedules = []store.TaskSchedule{{
		ID:              1,
		TaskID:          "tick",
		Enabled:         true,
		ScheduleType:    store.ScheduleInterval,
		IntervalSeconds: intp(3600),
	}}

	e := NewEngine(db, nil, zerolog.Nop())
	err := e.Register(Definition{TaskID: "tick", TaskName: "Tick"},
		func(ctx context.Context, rc *RunContext) (Result, error) {
			return Result{}, nil
		})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	e.lastFired[1] = now
	e.lastFired[99] = now // schedule 99 was deleted

	e.collectDue(context.Background(), now)

	if _, ok := e.lastFired[99]; ok {
		t.Error("deleted schedule kept its dedupe entry")
	}
	if _, ok := e.lastFired[1]; !ok {
		t.Error("live schedule lost its dedupe entry")
	}
}

func TestDisabledScheduleNeverFires(t *testing.T) {
	db := newMemTaskStore()
	db.schedules = []store.TaskSchedule{{
		ID:              1,
		TaskID:          "tick",
		Enabled:         false,
		ScheduleType:    store.ScheduleInterval,
		IntervalSeconds: intp(1),
	}}

	e := NewEngine(db, nil, zerolog.Nop())
	err := e.Register(Definition{TaskID: "tick", TaskName: "Tick"},
		func(ctx context.Context, rc *RunContext) (Result, error) {
			return Result{}, nil
		})
	if err != nil {
		t.Fatal(err)
	}

	e.Start(context.Background())
	time.Sleep(1500 * time.Millisecond)
	e.Stop()

	if got := db.statuses("tick"); len(got) != 0 {
		t.Errorf("runs = %v, want none", got)
	}
}

func TestAlertPolicy(t *testing.T) {
	db := newMemTaskStore()
	db.flags["noisy"] = &store.ScheduledTask{
		TaskID:         "noisy",
		SendAlerts:     true,
		AlertOnError:   true,
		SendToDiscord:  true,
		SendToTelegram: false,
	}
	alerter := &recordingAlerter{}
	e := NewEngine(db, alerter, zerolog.Nop())

	var fail bool
	err := e.Register(Definition{TaskID: "noisy", TaskName: "Noisy"},
		func(ctx context.Context, rc *RunContext) (Result, error) {
			if fail {
				return Result{}, context.DeadlineExceeded
			}
			return Result{}, nil
		})
	if err != nil {
		t.Fatal(err)
	}

	// Success with alert_on_success unset stays quiet.
	run, err := e.Run(context.Background(), "noisy", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, db.finishedRun(run.RunID))
	alerter.mu.Lock()
	quiet := len(alerter.notes) == 0
	alerter.mu.Unlock()
	if !quiet {
		t.Fatal("alerted on success despite policy")
	}

	fail = true
	run, err = e.Run(context.Background(), "noisy", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, db.finishedRun(run.RunID))
	waitFor(t, func() bool {
		alerter.mu.Lock()
		defer alerter.mu.Unlock()
		return len(alerter.notes) == 1
	})

	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	note := alerter.notes[0]
	if note.Type != store.NotifyError || note.Source != "task" || note.SourceID != "noisy" {
		t.Errorf("notification = %+v", note)
	}
	if !alerter.disp[0].Discord || alerter.disp[0].Telegram {
		t.Errorf("dispatch = %+v", alerter.disp[0])
	}
}

func TestRegisterDuplicate(t *testing.T) {
	e := NewEngine(newMemTaskStore(), nil, zerolog.Nop())
	fn := func(ctx context.Context, rc *RunContext) (Result, error) { return Result{}, nil }
	if err := e.Register(Definition{TaskID: "dup"}, fn); err != nil {
		t.Fatal(err)
	}
	if err := e.Register(Definition{TaskID: "dup"}, fn); err == nil {
		t.Error("duplicate registration accepted")
	}
}

func TestListTasksSorted(t *testing.T) {
	e := NewEngine(newMemTaskStore(), nil, zerolog.Nop())
	fn := func(ctx context.Context, rc *RunContext) (Result, error) { return Result{}, nil }
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := e.Register(Definition{TaskID: id}, fn); err != nil {
			t.Fatal(err)
		}
	}
	defs := e.ListTasks()
	want := []string{"alpha", "mid", "zeta"}
	for i, d := range defs {
		if d.TaskID != want[i] {
			t.Fatalf("order = %v", defs)
		}
	}
}

func TestBuiltinParameterSchemas(t *testing.T) {
	e := NewEngine(newMemTaskStore(), nil, zerolog.Nop())
	if err := RegisterBuiltins(e, BuiltinDeps{}); err != nil {
		t.Fatal(err)
	}

	defs := e.ListTasks()
	byID := map[string]Definition{}
	for _, d := range defs {
		byID[d.TaskID] = d
	}
	for _, id := range []string{TaskStreamProbe, TaskM3URefresh, TaskEPGRefresh, TaskCleanup} {
		if _, ok := byID[id]; !ok {
			t.Errorf("builtin %q not registered", id)
		}
	}

	probe := byID[TaskStreamProbe]
	raw, err := json.Marshal(probe)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Schema []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"parameter_schema"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	types := map[string]string{}
	for _, p := range decoded.Schema {
		types[p.Name] = p.Type
	}
	if types["stream_ids"] != ParamNumberArray || types["force"] != ParamBoolean {
		t.Errorf("parameter types = %v", types)
	}
}
