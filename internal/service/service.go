// Package service wires the task store, payload store, schedule engine
// and executor into one explicit object. Everything the outer surfaces
// (HTTP, CLI) can do goes through here; there is no ambient global
// scheduler state.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tasklane/internal/domain"
	"tasklane/internal/executor"
	"tasklane/internal/payload"
	"tasklane/internal/schedule"
	"tasklane/internal/store"
)

// RetentionDays is the fixed history retention window.
const RetentionDays = 30

// DefaultHistoryLimit caps GetHistory when the caller passes no limit.
const DefaultHistoryLimit = 100

type Service struct {
	repo     store.Repository
	payloads *payload.Store
	engine   *schedule.Engine
	exec     *executor.Executor
}

func New(repo store.Repository, payloads *payload.Store, engine *schedule.Engine, exec *executor.Executor) *Service {
	return &Service{repo: repo, payloads: payloads, engine: engine, exec: exec}
}

// CreateTask persists the payload, inserts the task row and registers
// the schedule. Returns the new task id.
func (s *Service) CreateTask(ctx context.Context, name string, sched domain.Schedule, code string) (string, error) {
	if name == "" {
		return "", &domain.ValidationError{Field: "name", Reason: "required"}
	}
	if err := sched.Validate(); err != nil {
		return "", err
	}

	id := "tsk_" + uuid.NewString()
	ref, err := s.payloads.Write(id, code)
	if err != nil {
		return "", err
	}

	t := domain.Task{
		ID:         id,
		Name:       name,
		Status:     domain.StatusScheduled,
		Schedule:   sched,
		PayloadRef: ref,
	}
	if err := s.repo.CreateTask(ctx, t); err != nil {
		return "", err
	}
	if err := s.engine.Register(id, sched); err != nil {
		return "", err
	}
	log.Info().Str("task_id", id).Str("name", name).Str("schedule", sched.Describe()).Msg("task scheduled")
	return id, nil
}

// EditTask replaces the task's name, schedule and payload. The engine
// entry is atomically swapped by unregister-then-register; a missing
// registration is tolerated.
func (s *Service) EditTask(ctx context.Context, id, name string, sched domain.Schedule, code string) error {
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if name == "" {
		return &domain.ValidationError{Field: "name", Reason: "required"}
	}
	if err := sched.Validate(); err != nil {
		return err
	}

	if _, err := s.payloads.Write(id, code); err != nil {
		return err
	}

	if err := s.engine.Unregister(id); err != nil {
		log.Warn().Str("task_id", id).Msg("edit: no live registration to remove")
	}

	t.Name = name
	t.Schedule = sched
	if err := s.repo.UpdateTask(ctx, t); err != nil {
		return err
	}
	if err := s.engine.Register(id, sched); err != nil {
		return err
	}
	log.Info().Str("task_id", id).Str("name", name).Str("schedule", sched.Describe()).Msg("task rescheduled")
	return nil
}

// DeleteTask unregisters, removes the payload, and deletes the task
// row together with all of its history. It is idempotent: deleting an
// id that is already gone succeeds.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	if err := s.engine.Unregister(id); err != nil {
		log.Warn().Str("task_id", id).Msg("delete: no live registration to remove")
	}

	if t, err := s.repo.GetTask(ctx, id); err == nil {
		if err := s.payloads.Remove(t.PayloadRef); err != nil {
			log.Warn().Err(err).Str("task_id", id).Msg("delete: payload removal failed")
		}
	}

	if err := s.repo.DeleteTask(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Str("task_id", id).Msg("delete: task row already gone")
			return nil
		}
		return err
	}
	log.Info().Str("task_id", id).Msg("task deleted")
	return nil
}

// RunNow dispatches an immediate execution. It may race with a
// scheduled fire for the same id; both runs produce independent
// history rows.
func (s *Service) RunNow(ctx context.Context, id string) error {
	if _, err := s.repo.GetTask(ctx, id); err != nil {
		return err
	}
	go s.exec.Execute(context.WithoutCancel(ctx), id)
	return nil
}

func (s *Service) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return s.repo.GetTask(ctx, id)
}

func (s *Service) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return s.repo.ListTasks(ctx)
}

// GetHistory returns the task's executions, most recent first.
func (s *Service) GetHistory(ctx context.Context, id string, limit int) ([]domain.HistoryRecord, error) {
	if _, err := s.repo.GetTask(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return s.repo.ListHistory(ctx, id, limit)
}

// Restore rebuilds the engine's registrations from the task table.
func (s *Service) Restore(ctx context.Context) int {
	return schedule.Restore(ctx, s.repo, s.engine, time.Now())
}

// Prune deletes history older than the retention window as of now.
// Safe to call repeatedly.
func (s *Service) Prune(ctx context.Context, now time.Time) (int64, error) {
	return s.repo.PruneHistory(ctx, now.AddDate(0, 0, -RetentionDays))
}

// RunCleaner prunes on a fixed period until ctx is canceled.
func (s *Service) RunCleaner(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := s.Prune(ctx, now)
			if err != nil {
				log.Error().Err(err).Msg("history prune failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("deleted", n).Msg("pruned old history")
			}
		}
	}
}
