package scheduler

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskd/internal/persistence"
)

// MinInterval is the shortest recurrence accepted for interval and @every
// schedules.
const MinInterval = time.Minute

// cronParser accepts standard 5-field expressions and descriptors such as
// @daily and @every 1h.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ValidationError rejects a malformed task before it is persisted.
type ValidationError struct {
	Field string
	Rule  string
	Input string
}

func (e *ValidationError) Error() string {
	if e.Input == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Rule)
	}
	return fmt.Sprintf("invalid %s: %s (got %q)", e.Field, e.Rule, e.Input)
}

// Validate checks a schedule without evaluating it against a clock.
func Validate(s persistence.Schedule) error {
	switch s.Kind {
	case persistence.ScheduleCron:
		_, err := parseCron(s)
		return err
	case persistence.ScheduleInterval:
		if time.Duration(s.EverySeconds)*time.Second < MinInterval {
			return &ValidationError{Field: "schedule.every_seconds", Rule: "must be at least 60", Input: fmt.Sprint(s.EverySeconds)}
		}
	case persistence.ScheduleOnce:
		if s.RunAt == nil || s.RunAt.IsZero() {
			return &ValidationError{Field: "schedule.run_at", Rule: "required for once schedules"}
		}
	case persistence.ScheduleManual, persistence.ScheduleWebhook:
	default:
		return &ValidationError{Field: "schedule.kind", Rule: "must be one of cron, interval, once, manual, webhook", Input: string(s.Kind)}
	}
	return nil
}

func parseCron(s persistence.Schedule) (cronlib.Schedule, error) {
	expr := strings.TrimSpace(s.Expression)
	if expr == "" {
		return nil, &ValidationError{Field: "schedule.expression", Rule: "required for cron schedules"}
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, &ValidationError{Field: "schedule.expression", Rule: "set the timezone field instead of a TZ prefix", Input: expr}
	}
	spec := expr
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return nil, &ValidationError{Field: "schedule.timezone", Rule: "must be an IANA time zone", Input: s.Timezone}
		}
		spec = "CRON_TZ=" + s.Timezone + " " + expr
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, &ValidationError{Field: "schedule.expression", Rule: err.Error(), Input: expr}
	}
	if every, ok := sched.(cronlib.ConstantDelaySchedule); ok && every.Delay < MinInterval {
		return nil, &ValidationError{Field: "schedule.expression", Rule: "@every must be at least 1m", Input: expr}
	}
	return sched, nil
}

// Next returns the first run strictly after `after`, or nil when the
// schedule never fires on its own. A once schedule always reports its
// RunAt, so a past RunAt is due immediately; the scheduler retires it after
// its run.
func Next(s persistence.Schedule, after time.Time) (*time.Time, error) {
	switch s.Kind {
	case persistence.ScheduleCron:
		sched, err := parseCron(s)
		if err != nil {
			return nil, err
		}
		next := sched.Next(after)
		if next.IsZero() {
			return nil, nil
		}
		next = next.UTC()
		return &next, nil
	case persistence.ScheduleInterval:
		every := time.Duration(s.EverySeconds) * time.Second
		if every < MinInterval {
			return nil, Validate(s)
		}
		next := after.Add(every)
		if s.StartAt != nil {
			next = *s.StartAt
			if !next.After(after) {
				n := after.Sub(next)/every + 1
				next = next.Add(n * every)
			}
		}
		next = next.UTC()
		return &next, nil
	case persistence.ScheduleOnce:
		if err := Validate(s); err != nil {
			return nil, err
		}
		at := s.RunAt.UTC()
		return &at, nil
	case persistence.ScheduleManual, persistence.ScheduleWebhook:
		return nil, nil
	}
	return nil, Validate(s)
}

// FirstRun is the first run of a newly created task. Cron schedules that fire
// at most about once a day never fire on the calendar day the task was
// created: a "0 9 * * *" task created Monday 08:00 first runs Tuesday 09:00.
// Later runs use Next.
func FirstRun(s persistence.Schedule, created time.Time) (*time.Time, error) {
	next, err := Next(s, created)
	if err != nil || next == nil || s.Kind != persistence.ScheduleCron {
		return next, err
	}
	following, err := Next(s, *next)
	if err != nil || following == nil {
		return next, err
	}
	// 23h tolerates a daily slot across a DST change.
	if following.Sub(*next) < 23*time.Hour {
		return next, nil
	}
	loc := time.UTC
	if s.Timezone != "" {
		if l, err := time.LoadLocation(s.Timezone); err == nil {
			loc = l
		}
	}
	ny, nm, nd := next.In(loc).Date()
	cy, cm, cd := created.In(loc).Date()
	if ny == cy && nm == cm && nd == cd {
		return following, nil
	}
	return next, nil
}

// recurring reports whether the schedule fires repeatedly on its own.
func recurring(kind persistence.ScheduleKind) bool {
	return kind == persistence.ScheduleCron || kind == persistence.ScheduleInterval
}
