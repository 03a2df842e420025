package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// Task run statuses.
const (
	RunRunning   = "running"
	RunSuccess   = "success"
	RunWarning   = "warning"
	RunError     = "error"
	RunCancelled = "cancelled"
)

// Schedule types.
const (
	ScheduleInterval = "interval"
	ScheduleDaily    = "daily"
	ScheduleWeekly   = "weekly"
	ScheduleBiweekly = "biweekly"
	ScheduleMonthly  = "monthly"
	ScheduleCron     = "cron"
)

// ScheduledTask holds per-task alerting and visibility flags.
type ScheduledTask struct {
	TaskID            string `json:"task_id"`
	Enabled           bool   `json:"enabled"`
	SendAlerts        bool   `json:"send_alerts"`
	AlertOnSuccess    bool   `json:"alert_on_success"`
	AlertOnWarning    bool   `json:"alert_on_warning"`
	AlertOnError      bool   `json:"alert_on_error"`
	AlertOnInfo       bool   `json:"alert_on_info"`
	SendToEmail       bool   `json:"send_to_email"`
	SendToDiscord     bool   `json:"send_to_discord"`
	SendToTelegram    bool   `json:"send_to_telegram"`
	ShowNotifications bool   `json:"show_notifications"`
}

// TaskSchedule is one fire-time rule for a task.
type TaskSchedule struct {
	ID              int64           `json:"id"`
	TaskID          string          `json:"task_id"`
	Name            string          `json:"name,omitempty"`
	Enabled         bool            `json:"enabled"`
	ScheduleType    string          `json:"schedule_type"`
	IntervalSeconds *int            `json:"interval_seconds,omitempty"`
	ScheduleTime    string          `json:"schedule_time,omitempty"` // HH:MM
	Timezone        string          `json:"timezone"`
	DaysOfWeek      []int           `json:"days_of_week,omitempty"` // 0=Sunday
	DayOfMonth      *int            `json:"day_of_month,omitempty"` // 1..31 or -1 for last
	CronExpression  string          `json:"cron_expression,omitempty"`
	Parameters      json.RawMessage `json:"parameters,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// TaskRun is one execution of a task.
type TaskRun struct {
	RunID        int64           `json:"run_id"`
	TaskID       string          `json:"task_id"`
	ScheduleID   *int64          `json:"schedule_id,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Status       string          `json:"status"`
	Message      string          `json:"message"`
	Details      json.RawMessage `json:"details,omitempty"`
	TotalItems   *int            `json:"total_items,omitempty"`
	SuccessCount *int            `json:"success_count,omitempty"`
	ErrorCount   *int            `json:"error_count,omitempty"`
}

func (db *DB) GetScheduledTask(ctx context.Context, taskID string) (*ScheduledTask, error) {
	var t ScheduledTask
	err := db.Pool.QueryRow(ctx, `
		SELECT task_id, enabled, send_alerts, alert_on_success, alert_on_warning, alert_on_error,
		       alert_on_info, send_to_email, send_to_discord, send_to_telegram, show_notifications
		FROM scheduled_tasks WHERE task_id = $1`, taskID,
	).Scan(&t.TaskID, &t.Enabled, &t.SendAlerts, &t.AlertOnSuccess, &t.AlertOnWarning,
		&t.AlertOnError, &t.AlertOnInfo, &t.SendToEmail, &t.SendToDiscord, &t.SendToTelegram,
		&t.ShowNotifications)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertScheduledTask creates or updates the flags row for a task.
func (db *DB) UpsertScheduledTask(ctx context.Context, t *ScheduledTask) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO scheduled_tasks (task_id, enabled, send_alerts, alert_on_success, alert_on_warning,
		                             alert_on_error, alert_on_info, send_to_email, send_to_discord,
		                             send_to_telegram, show_notifications)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (task_id) DO UPDATE SET
			enabled = $2, send_alerts = $3, alert_on_success = $4, alert_on_warning = $5,
			alert_on_error = $6, alert_on_info = $7, send_to_email = $8, send_to_discord = $9,
			send_to_telegram = $10, show_notifications = $11`,
		t.TaskID, t.Enabled, t.SendAlerts, t.AlertOnSuccess, t.AlertOnWarning,
		t.AlertOnError, t.AlertOnInfo, t.SendToEmail, t.SendToDiscord, t.SendToTelegram,
		t.ShowNotifications)
	return err
}

// EnsureScheduledTask inserts a default flags row if none exists.
func (db *DB) EnsureScheduledTask(ctx context.Context, taskID string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO scheduled_tasks (task_id) VALUES ($1) ON CONFLICT DO NOTHING`, taskID)
	return err
}

func (db *DB) ListSchedules(ctx context.Context) ([]TaskSchedule, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, task_id, name, enabled, schedule_type, interval_seconds, schedule_time,
		       timezone, days_of_week, day_of_month, cron_expression, parameters, created_at
		FROM task_schedules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []TaskSchedule
	for rows.Next() {
		var s TaskSchedule
		if err := rows.Scan(&s.ID, &s.TaskID, &s.Name, &s.Enabled, &s.ScheduleType,
			&s.IntervalSeconds, &s.ScheduleTime, &s.Timezone, &s.DaysOfWeek, &s.DayOfMonth,
			&s.CronExpression, &s.Parameters, &s.CreatedAt); err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (db *DB) CreateSchedule(ctx context.Context, s *TaskSchedule) error {
	params := s.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	return db.Pool.QueryRow(ctx, `
		INSERT INTO task_schedules (task_id, name, enabled, schedule_type, interval_seconds,
		                            schedule_time, timezone, days_of_week, day_of_month,
		                            cron_expression, parameters)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at`,
		s.TaskID, s.Name, s.Enabled, s.ScheduleType, s.IntervalSeconds, s.ScheduleTime,
		s.Timezone, orEmptyInts(s.DaysOfWeek), s.DayOfMonth, s.CronExpression, params,
	).Scan(&s.ID, &s.CreatedAt)
}

func (db *DB) UpdateSchedule(ctx context.Context, s *TaskSchedule) error {
	params := s.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE task_schedules SET name = $2, enabled = $3, schedule_type = $4, interval_seconds = $5,
		       schedule_time = $6, timezone = $7, days_of_week = $8, day_of_month = $9,
		       cron_expression = $10, parameters = $11
		WHERE id = $1`,
		s.ID, s.Name, s.Enabled, s.ScheduleType, s.IntervalSeconds, s.ScheduleTime,
		s.Timezone, orEmptyInts(s.DaysOfWeek), s.DayOfMonth, s.CronExpression, params)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) DeleteSchedule(ctx context.Context, id int64) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM task_schedules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertTaskRun records a starting run and fills in its id and start time.
func (db *DB) InsertTaskRun(ctx context.Context, r *TaskRun) error {
	return db.Pool.QueryRow(ctx, `
		INSERT INTO task_runs (task_id, schedule_id, status, message)
		VALUES ($1, $2, $3, $4) RETURNING run_id, started_at`,
		r.TaskID, r.ScheduleID, r.Status, r.Message,
	).Scan(&r.RunID, &r.StartedAt)
}

// FinishTaskRun writes the terminal state of a run.
func (db *DB) FinishTaskRun(ctx context.Context, r *TaskRun) error {
	details := r.Details
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	r.FinishedAt = &now
	_, err := db.Pool.Exec(ctx, `
		UPDATE task_runs SET finished_at = $2, status = $3, message = $4, details = $5,
		       total_items = $6, success_count = $7, error_count = $8
		WHERE run_id = $1`,
		r.RunID, now, r.Status, r.Message, details, r.TotalItems, r.SuccessCount, r.ErrorCount)
	return err
}

// TaskHistory returns finished and running task runs, newest first. Empty
// taskID means all tasks.
func (db *DB) TaskHistory(ctx context.Context, taskID string, limit, offset int) ([]TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT run_id, task_id, schedule_id, started_at, finished_at, status, message,
		       details, total_items, success_count, error_count
		FROM task_runs
		WHERE ($1 = '' OR task_id = $1)
		ORDER BY started_at DESC LIMIT $2 OFFSET $3`, taskID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []TaskRun
	for rows.Next() {
		var r TaskRun
		if err := rows.Scan(&r.RunID, &r.TaskID, &r.ScheduleID, &r.StartedAt, &r.FinishedAt,
			&r.Status, &r.Message, &r.Details, &r.TotalItems, &r.SuccessCount, &r.ErrorCount); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func orEmptyInts(s []int) []int {
	if s == nil {
		return []int{}
	}
	return s
}
