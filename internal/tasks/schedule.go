// Package tasks runs registered background tasks on operator-defined
// schedules, records run history, and applies the alerting policy.
package tasks

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/snarg/ecm/internal/store"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule rejects malformed schedules before they are stored.
func ValidateSchedule(s *store.TaskSchedule) error {
	if _, err := scheduleLocation(s); err != nil {
		return err
	}
	switch s.ScheduleType {
	case store.ScheduleInterval:
		if s.IntervalSeconds == nil || *s.IntervalSeconds < 1 {
			return errors.New("interval_seconds must be >= 1")
		}
	case store.ScheduleDaily:
		if _, _, err := parseHHMM(s.ScheduleTime); err != nil {
			return err
		}
	case store.ScheduleWeekly, store.ScheduleBiweekly:
		if _, _, err := parseHHMM(s.ScheduleTime); err != nil {
			return err
		}
		if len(s.DaysOfWeek) == 0 {
			return errors.New("days_of_week must not be empty")
		}
		for _, d := range s.DaysOfWeek {
			if d < 0 || d > 6 {
				return fmt.Errorf("day_of_week %d out of range 0..6", d)
			}
		}
	case store.ScheduleMonthly:
		if _, _, err := parseHHMM(s.ScheduleTime); err != nil {
			return err
		}
		if s.DayOfMonth == nil || (*s.DayOfMonth != -1 && (*s.DayOfMonth < 1 || *s.DayOfMonth > 31)) {
			return errors.New("day_of_month must be 1..31 or -1 for last day")
		}
	case store.ScheduleCron:
		if _, err := cronParser.Parse(s.CronExpression); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	default:
		return fmt.Errorf("unknown schedule type %q", s.ScheduleType)
	}
	return nil
}

// NextFire computes the next UTC fire time at or after now.
func NextFire(s store.TaskSchedule, now time.Time) (time.Time, error) {
	loc, err := scheduleLocation(&s)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)

	switch s.ScheduleType {
	case store.ScheduleInterval:
		if s.IntervalSeconds == nil || *s.IntervalSeconds < 1 {
			return time.Time{}, errors.New("interval_seconds must be >= 1")
		}
		iv := int64(*s.IntervalSeconds)
		next := (now.Unix()/iv)*iv + iv
		return time.Unix(next, 0).UTC(), nil

	case store.ScheduleDaily:
		hh, mm, err := parseHHMM(s.ScheduleTime)
		if err != nil {
			return time.Time{}, err
		}
		cand := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, loc)
		if cand.Before(local) {
			cand = cand.AddDate(0, 0, 1)
		}
		return cand.UTC(), nil

	case store.ScheduleWeekly:
		return nextWeekly(s, local, loc, false)

	case store.ScheduleBiweekly:
		return nextWeekly(s, local, loc, true)

	case store.ScheduleMonthly:
		hh, mm, err := parseHHMM(s.ScheduleTime)
		if err != nil {
			return time.Time{}, err
		}
		if s.DayOfMonth == nil {
			return time.Time{}, errors.New("day_of_month is required")
		}
		want := *s.DayOfMonth
		for i := 0; i < 48; i++ {
			y, m, _ := local.AddDate(0, i, -local.Day()+1).Date()
			day := want
			last := daysInMonth(y, m)
			if day == -1 {
				day = last
			} else if day > last {
				// Month has no such day, e.g. Feb 31. Skip it.
				continue
			}
			cand := time.Date(y, m, day, hh, mm, 0, 0, loc)
			if !cand.Before(local) {
				return cand.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("no valid month for day_of_month %d", want)

	case store.ScheduleCron:
		sched, err := cronParser.Parse(s.CronExpression)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
		}
		return sched.Next(local).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule type %q", s.ScheduleType)
}

// nextWeekly scans forward day by day. Biweekly schedules additionally
// require the candidate's week to be an even number of weeks from the
// anchor, which is the Monday of the ISO week the schedule was created in.
func nextWeekly(s store.TaskSchedule, local time.Time, loc *time.Location, biweekly bool) (time.Time, error) {
	hh, mm, err := parseHHMM(s.ScheduleTime)
	if err != nil {
		return time.Time{}, err
	}
	if len(s.DaysOfWeek) == 0 {
		return time.Time{}, errors.New("days_of_week must not be empty")
	}
	days := map[int]bool{}
	for _, d := range s.DaysOfWeek {
		days[d] = true
	}

	var anchor time.Time
	if biweekly {
		anchor = isoWeekStart(s.CreatedAt.In(loc))
	}

	// Two weeks of lookahead always contains a biweekly occurrence.
	for i := 0; i < 15; i++ {
		day := local.AddDate(0, 0, i)
		if !days[int(day.Weekday())] {
			continue
		}
		if biweekly {
			weeks := weeksBetween(anchor, isoWeekStart(day))
			if weeks%2 != 0 {
				continue
			}
		}
		cand := time.Date(day.Year(), day.Month(), day.Day(), hh, mm, 0, 0, loc)
		if !cand.Before(local) {
			return cand.UTC(), nil
		}
	}
	return time.Time{}, errors.New("no weekly occurrence found")
}

// CronPreview returns the next n fire times of a cron expression.
func CronPreview(expr string, now time.Time, n int) ([]time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	out := make([]time.Time, 0, n)
	t := now
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		out = append(out, t.UTC())
	}
	return out, nil
}

// DescribeCron produces a short human description of a cron expression.
func DescribeCron(expr string) (string, error) {
	if _, err := cronParser.Parse(expr); err != nil {
		return "", fmt.Errorf("invalid cron expression: %w", err)
	}
	switch expr {
	case "@hourly":
		return "every hour on the hour", nil
	case "@daily", "@midnight":
		return "every day at midnight", nil
	case "@weekly":
		return "every Sunday at midnight", nil
	case "@monthly":
		return "on the first of every month at midnight", nil
	case "@yearly", "@annually":
		return "on January 1st at midnight", nil
	}
	if strings.HasPrefix(expr, "@every ") {
		return "every " + strings.TrimPrefix(expr, "@every "), nil
	}
	fields := strings.Fields(expr)
	if len(fields) == 5 && fields[0] != "*" && fields[1] == "*" &&
		fields[2] == "*" && fields[3] == "*" && fields[4] == "*" {
		return "every hour at minute " + fields[0], nil
	}
	return "cron schedule " + expr, nil
}

func scheduleLocation(s *store.TaskSchedule) (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

func parseHHMM(s string) (int, int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("schedule_time %q is not HH:MM", s)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("schedule_time %q is not HH:MM", s)
	}
	return h, m, nil
}

// isoWeekStart returns midnight on the Monday of t's ISO week.
func isoWeekStart(t time.Time) time.Time {
	dow := int(t.Weekday())
	if dow == 0 { // Sunday belongs to the week that started 6 days earlier
		dow = 7
	}
	d := t.AddDate(0, 0, -(dow - 1))
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, t.Location())
}

// weeksBetween counts whole weeks between two week-start dates, DST-safe by
// comparing calendar days in UTC.
func weeksBetween(a, b time.Time) int {
	au := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bu := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	days := int(bu.Sub(au).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days / 7
}

func daysInMonth(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
