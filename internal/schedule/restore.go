package schedule

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"tasklane/internal/domain"
	"tasklane/internal/store"
)

// Restore re-registers every task's schedule from the task table. It
// runs once at process start, before the engine begins firing.
//
// Once schedules whose fire time is not strictly in the future are
// skipped: their single opportunity has passed and the task keeps
// whatever terminal status it had. Daily and Interval schedules are
// always re-registered. A failure on one task never aborts the rest.
func Restore(ctx context.Context, repo store.Repository, eng *Engine, now time.Time) int {
	tasks, err := repo.ListTasks(ctx)
	if err != nil {
		log.Error().Err(err).Msg("restore: listing tasks failed")
		return 0
	}

	restored := 0
	for _, t := range tasks {
		if t.Schedule.Kind == domain.KindOnce && !t.Schedule.FireAt.After(now) {
			log.Info().Str("task_id", t.ID).Time("fire_at", t.Schedule.FireAt).
				Msg("restore: once schedule already expired, not re-registering")
			continue
		}
		if err := eng.Register(t.ID, t.Schedule); err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("restore: registration failed")
			continue
		}
		restored++
	}
	log.Info().Int("restored", restored).Int("total", len(tasks)).Msg("schedules restored")
	return restored
}
