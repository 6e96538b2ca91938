package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"tasklane/internal/domain"
	"tasklane/internal/payload"
	"tasklane/internal/sandbox"
	"tasklane/internal/store"
)

// Executor runs a task's payload and records the outcome. Scheduled
// fires and on-demand run-now requests share this one implementation.
type Executor struct {
	repo     store.Repository
	payloads *payload.Store
	runner   sandbox.Runner
}

func New(repo store.Repository, payloads *payload.Store, runner sandbox.Runner) *Executor {
	return &Executor{repo: repo, payloads: payloads, runner: runner}
}

// Execute runs the payload of taskID once. All failure modes are
// absorbed here: they end up in the history row and the log, never in
// the caller. Side effects are limited to the task row and the one
// history row this call creates.
func (e *Executor) Execute(ctx context.Context, taskID string) {
	t, err := e.repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Deleted between fire and execution; nothing to run.
			log.Error().Str("task_id", taskID).Msg("execute: task not found")
			return
		}
		log.Error().Err(err).Str("task_id", taskID).Msg("execute: task lookup failed")
		return
	}

	start := time.Now()
	histID, err := e.repo.InsertHistory(ctx, domain.HistoryRecord{
		TaskID:    taskID,
		TaskName:  t.Name,
		StartTime: start,
		Status:    domain.StatusRunning,
	})
	if err != nil {
		// Without the Running row there is nothing to finalize against.
		log.Error().Err(err).Str("task_id", taskID).Msg("execute: history insert failed")
		return
	}

	if err := e.repo.SetTaskStatus(ctx, taskID, domain.StatusRunning); err != nil {
		log.Warn().Err(err).Str("task_id", taskID).Msg("execute: setting running status failed")
	}

	status := domain.StatusCompleted
	output, errText := "", ""

	if _, err := e.payloads.Read(t.PayloadRef); err != nil {
		status = domain.StatusFailed
		errText = err.Error()
		log.Error().Err(err).Str("task_id", taskID).Msg("execute: payload unreadable")
	} else {
		out, runErr := e.run(ctx, t.PayloadRef)
		output = out
		if runErr != nil {
			status = domain.StatusFailed
			errText = runErr.Error()
			log.Error().Str("task_id", taskID).Str("name", t.Name).Str("error", errText).Msg("task failed")
		} else {
			log.Info().Str("task_id", taskID).Str("name", t.Name).Msg("task completed")
		}
	}

	if err := e.repo.FinalizeRun(ctx, taskID, histID, status, output, errText, time.Now()); err != nil {
		// Fatal for this execution only; no retry.
		log.Error().Err(err).Str("task_id", taskID).Int64("history_id", histID).
			Msg("execute: outcome commit failed")
	}
}

// run shields the scheduler from a misbehaving Runner implementation:
// a panic inside the sandbox boundary becomes an ordinary failure.
func (e *Executor) run(ctx context.Context, ref string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in payload runner: %v", r)
			log.Error().Str("stack", string(debug.Stack())).Msg("payload runner panicked")
		}
	}()
	return e.runner.Run(ctx, ref)
}
