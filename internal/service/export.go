package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"tasklane/internal/domain"
	"tasklane/internal/store"
)

// ExportEntry is one task with its payload inlined, the unit of
// export/import exchange.
type ExportEntry struct {
	ID       string
	Name     string
	Status   string
	Schedule domain.Schedule
	Code     string
}

// ExportAll returns every task with its payload content inlined. A
// task whose payload cannot be read is skipped with a warning rather
// than failing the whole export.
func (s *Service) ExportAll(ctx context.Context) ([]ExportEntry, error) {
	tasks, err := s.repo.ListTasks(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]ExportEntry, 0, len(tasks))
	for _, t := range tasks {
		code, err := s.payloads.Read(t.PayloadRef)
		if err != nil {
			log.Warn().Err(err).Str("task_id", t.ID).Msg("export: payload unreadable, skipping")
			continue
		}
		entries = append(entries, ExportEntry{
			ID:       t.ID,
			Name:     t.Name,
			Status:   t.Status,
			Schedule: t.Schedule,
			Code:     code,
		})
	}
	return entries, nil
}

// ImportAll creates a task per entry. Each entry is validated on its
// own; invalid or conflicting entries are skipped so one bad entry
// never blocks the rest. Returns the number imported.
func (s *Service) ImportAll(ctx context.Context, entries []ExportEntry) int {
	imported := 0
	for _, e := range entries {
		if err := s.importOne(ctx, e); err != nil {
			log.Warn().Err(err).Str("task_id", e.ID).Str("name", e.Name).Msg("import: entry skipped")
			continue
		}
		imported++
	}
	log.Info().Int("imported", imported).Int("total", len(entries)).Msg("tasks imported")
	return imported
}

func (s *Service) importOne(ctx context.Context, e ExportEntry) error {
	if e.Name == "" {
		return &domain.ValidationError{Field: "name", Reason: "required"}
	}
	if err := e.Schedule.Validate(); err != nil {
		return err
	}

	id := e.ID
	if id == "" {
		_, err := s.CreateTask(ctx, e.Name, e.Schedule, e.Code)
		return err
	}

	// The id must be free before anything is written: a colliding entry
	// is skipped without touching the existing task's payload.
	if _, err := s.repo.GetTask(ctx, id); err == nil {
		return &domain.ValidationError{Field: "id", Reason: "already exists: " + id}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	ref, err := s.payloads.Write(id, e.Code)
	if err != nil {
		return err
	}
	status := e.Status
	if status == "" {
		status = domain.StatusScheduled
	}
	t := domain.Task{
		ID:         id,
		Name:       e.Name,
		Status:     status,
		Schedule:   e.Schedule,
		PayloadRef: ref,
	}
	if err := s.repo.CreateTask(ctx, t); err != nil {
		if rerr := s.payloads.Remove(ref); rerr != nil {
			log.Warn().Err(rerr).Str("task_id", id).Msg("import: payload cleanup failed")
		}
		return err
	}
	// Expired single-shot entries are kept for the record but not
	// registered, matching restore semantics.
	if e.Schedule.Kind == domain.KindOnce && !e.Schedule.FireAt.After(time.Now()) {
		return nil
	}
	return s.engine.Register(id, e.Schedule)
}
