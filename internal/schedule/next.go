package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"tasklane/internal/domain"
)

// NextFire computes the first moment s should fire at or after now.
//
// Once fires at its stored time even when that is already in the past:
// the timing loop then dispatches it immediately, once. Daily resolves
// through the standard cron parser. Interval anchors on the first
// occurrence of HH:MM at or after now; subsequent fires are derived
// with Rearm.
func NextFire(s domain.Schedule, now time.Time) (time.Time, error) {
	switch s.Kind {
	case domain.KindOnce:
		return s.FireAt, nil
	case domain.KindDaily:
		spec, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", s.Minute, s.Hour))
		if err != nil {
			return time.Time{}, err
		}
		return spec.Next(now), nil
	case domain.KindInterval:
		first := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, now.Location())
		if first.Before(now) {
			first = first.AddDate(0, 0, 1)
		}
		return first, nil
	}
	return time.Time{}, &domain.ValidationError{Field: "schedule_kind", Reason: fmt.Sprintf("unknown kind %q", s.Kind)}
}

// Rearm advances a Daily/Interval schedule past a fire that just
// happened at prev. Occurrences the process slept through are skipped,
// never replayed: the result is always strictly after now while
// keeping the HH:MM phase of prev.
func Rearm(s domain.Schedule, prev, now time.Time) time.Time {
	step := 1
	if s.Kind == domain.KindInterval {
		step = s.EveryDays
	}
	next := prev.AddDate(0, 0, step)
	for !next.After(now) {
		next = next.AddDate(0, 0, step)
	}
	return next
}
