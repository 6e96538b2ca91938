package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Task status values.
const (
	StatusScheduled = "Scheduled"
	StatusRunning   = "Running"
	StatusCompleted = "Completed"
	StatusFailed    = "Failed"
)

// Schedule kinds.
const (
	KindOnce     = "once"
	KindDaily    = "daily"
	KindInterval = "interval"
)

// Schedule is a tagged variant describing when a task fires.
// Once uses FireAt; Daily uses Hour/Minute; Interval uses all three
// of EveryDays, Hour and Minute.
type Schedule struct {
	Kind      string
	FireAt    time.Time
	Hour      int
	Minute    int
	EveryDays int
}

type Task struct {
	ID         string
	Name       string
	Status     string
	Schedule   Schedule
	PayloadRef string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HistoryRecord is one execution attempt. Inserted with status Running
// and a nil EndTime, finalized exactly once, never touched after that.
type HistoryRecord struct {
	ID        int64
	TaskID    string
	TaskName  string
	StartTime time.Time
	EndTime   *time.Time
	Status    string
	Output    string
	Error     string
}

// ValidationError reports malformed schedule parameters or other bad
// caller input. No state is mutated when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (s Schedule) Validate() error {
	switch s.Kind {
	case KindOnce:
		if s.FireAt.IsZero() {
			return &ValidationError{Field: "fire_at", Reason: "required for once schedules"}
		}
	case KindDaily:
		return validateClock(s.Hour, s.Minute)
	case KindInterval:
		if s.EveryDays < 1 {
			return &ValidationError{Field: "every_days", Reason: "must be at least 1"}
		}
		return validateClock(s.Hour, s.Minute)
	default:
		return &ValidationError{Field: "schedule_kind", Reason: fmt.Sprintf("unknown kind %q", s.Kind)}
	}
	return nil
}

func validateClock(hour, minute int) error {
	if hour < 0 || hour > 23 {
		return &ValidationError{Field: "hour", Reason: "must be in [0,23]"}
	}
	if minute < 0 || minute > 59 {
		return &ValidationError{Field: "minute", Reason: "must be in [0,59]"}
	}
	return nil
}

// Describe renders the schedule for listings and logs, e.g.
// "Daily at 09:30" or "Every 2 days at 09:30".
func (s Schedule) Describe() string {
	switch s.Kind {
	case KindOnce:
		return s.FireAt.Format("2006-01-02 15:04")
	case KindDaily:
		return "Daily at " + FormatHHMM(s.Hour, s.Minute)
	case KindInterval:
		return fmt.Sprintf("Every %d days at %s", s.EveryDays, FormatHHMM(s.Hour, s.Minute))
	}
	return s.Kind
}

// ParseHHMM parses a wall-clock "HH:MM" string.
func ParseHHMM(v string) (hour, minute int, err error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, 0, &ValidationError{Field: "time", Reason: fmt.Sprintf("%q is not HH:MM", v)}
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, &ValidationError{Field: "time", Reason: fmt.Sprintf("%q is not HH:MM", v)}
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, &ValidationError{Field: "time", Reason: fmt.Sprintf("%q is not HH:MM", v)}
	}
	if err := validateClock(hour, minute); err != nil {
		return 0, 0, err
	}
	return hour, minute, nil
}

func FormatHHMM(hour, minute int) string {
	return fmt.Sprintf("%02d:%02d", hour, minute)
}
