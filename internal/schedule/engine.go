package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tasklane/internal/domain"
)

var (
	// ErrAlreadyRegistered is returned by Register when the task id
	// already has a live registration; callers must Unregister first.
	ErrAlreadyRegistered = errors.New("task already registered")
	// ErrNotRegistered is the engine's soft not-found: the desired end
	// state (no registration) already holds.
	ErrNotRegistered = errors.New("task not registered")
)

// FireFunc is invoked on its own goroutine for every due registration,
// so a long-running execution never blocks the timing loop.
type FireFunc func(taskID string)

type entry struct {
	sched domain.Schedule
	next  time.Time
}

// Engine keeps the task id -> next-fire-time table and drives it with a
// single polling loop. Registrations live in memory only: the task
// table is the sole durable source of truth and Restore rebuilds the
// table at startup.
type Engine struct {
	mu      sync.Mutex
	entries map[string]entry

	fire FireFunc
	poll time.Duration
	now  func() time.Time
	stop chan struct{}
}

func NewEngine(fire FireFunc, poll time.Duration) *Engine {
	if poll <= 0 {
		poll = time.Second
	}
	return &Engine{
		entries: make(map[string]entry),
		fire:    fire,
		poll:    poll,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// Register validates s, computes its next fire time from wall-clock
// now and stores the registration. At most one registration may exist
// per task id.
func (e *Engine) Register(taskID string, s domain.Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	next, err := NextFire(s, e.now())
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.entries[taskID]; ok {
		return ErrAlreadyRegistered
	}
	e.entries[taskID] = entry{sched: s, next: next}
	return nil
}

func (e *Engine) Unregister(taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.entries[taskID]; !ok {
		return ErrNotRegistered
	}
	delete(e.entries, taskID)
	return nil
}

// Registered reports whether taskID has a live registration.
func (e *Engine) Registered(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.entries[taskID]
	return ok
}

// NextFireTime returns the pending fire time for taskID, if any.
func (e *Engine) NextFireTime(taskID string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[taskID]
	return en.next, ok
}

// Run drives the timing loop until ctx is canceled or Stop is called.
func (e *Engine) Run(ctx context.Context) {
	t := time.NewTicker(e.poll)
	defer t.Stop()

	log.Info().Dur("poll", e.poll).Msg("schedule engine started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-t.C:
			e.tick(e.now())
		}
	}
}

func (e *Engine) Stop() { close(e.stop) }

// tick fires every due registration exactly once. A registration whose
// next fire time fell into the past while the process could not poll
// fires immediately on the next tick; it is never fired repeatedly to
// catch up. The dispatch goroutine is started before the entry is
// re-armed, so successive fires of one task id stay ordered, but the
// loop never waits for an execution to finish.
func (e *Engine) tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, en := range e.entries {
		if en.next.After(now) {
			continue
		}
		go e.fire(id)
		if en.sched.Kind == domain.KindOnce {
			delete(e.entries, id)
			continue
		}
		en.next = Rearm(en.sched, en.next, now)
		e.entries[id] = en
	}
}
