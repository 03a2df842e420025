package tasks

import (
	"context"
	"fmt"

	"github.com/snarg/ecm/internal/store"
)

// digestScheduleName marks the schedule row this package manages for the
// digest task. Operator-created schedules for the same task are left alone.
const digestScheduleName = "digest-frequency"

// ScheduleCRUD is the slice of the store needed to keep the managed digest
// schedule in line with the digest settings. *store.DB satisfies it.
type ScheduleCRUD interface {
	ListSchedules(ctx context.Context) ([]store.TaskSchedule, error)
	CreateSchedule(ctx context.Context, s *store.TaskSchedule) error
	UpdateSchedule(ctx context.Context, s *store.TaskSchedule) error
	DeleteSchedule(ctx context.Context, id int64) error
	EnsureScheduledTask(ctx context.Context, taskID string) error
}

// SyncDigestSchedule reconciles the managed digest schedule with the
// configured frequency: hourly runs on an interval, daily and weekly at
// 08:00 UTC, and immediate removes the schedule since dispatch happens
// inline with change detection.
func SyncDigestSchedule(ctx context.Context, db ScheduleCRUD, frequency string) error {
	schedules, err := db.ListSchedules(ctx)
	if err != nil {
		return err
	}
	var existing *store.TaskSchedule
	for i := range schedules {
		if schedules[i].TaskID == TaskDigest && schedules[i].Name == digestScheduleName {
			existing = &schedules[i]
			break
		}
	}

	if frequency == store.DigestImmediate {
		if existing != nil {
			return db.DeleteSchedule(ctx, existing.ID)
		}
		return nil
	}

	want := store.TaskSchedule{
		TaskID:   TaskDigest,
		Name:     digestScheduleName,
		Enabled:  true,
		Timezone: "UTC",
	}
	switch frequency {
	case store.DigestHourly:
		secs := 3600
		want.ScheduleType = store.ScheduleInterval
		want.IntervalSeconds = &secs
	case store.DigestDaily:
		want.ScheduleType = store.ScheduleDaily
		want.ScheduleTime = "08:00"
	case store.DigestWeekly:
		want.ScheduleType = store.ScheduleWeekly
		want.ScheduleTime = "08:00"
		want.DaysOfWeek = []int{0}
	default:
		return fmt.Errorf("unknown digest frequency %q", frequency)
	}

	if err := db.EnsureScheduledTask(ctx, TaskDigest); err != nil {
		return err
	}
	if existing != nil {
		want.ID = existing.ID
		want.CreatedAt = existing.CreatedAt
		return db.UpdateSchedule(ctx, &want)
	}
	return db.CreateSchedule(ctx, &want)
}
