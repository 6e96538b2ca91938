package service

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"tasklane/internal/domain"
	"tasklane/internal/executor"
	"tasklane/internal/payload"
	"tasklane/internal/sandbox"
	"tasklane/internal/schedule"
	"tasklane/internal/store"
)

type fixture struct {
	svc      *Service
	repo     store.Repository
	payloads *payload.Store
	engine   *schedule.Engine
}

func newFixture(t *testing.T, poll time.Duration) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	repo := store.NewSQLiteRepo(db)

	payloads, err := payload.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("payload store: %v", err)
	}

	exec := executor.New(repo, payloads, sandbox.Subprocess{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	engine := schedule.NewEngine(func(id string) { exec.Execute(ctx, id) }, poll)

	return &fixture{
		svc:      New(repo, payloads, engine, exec),
		repo:     repo,
		payloads: payloads,
		engine:   engine,
	}
}

func waitForStatus(t *testing.T, f *fixture, id, want string) domain.HistoryRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		recs, err := f.svc.GetHistory(context.Background(), id, 1)
		if err == nil && len(recs) == 1 && recs[0].Status == want {
			return recs[0]
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %s never reached history status %s", id, want)
	return domain.HistoryRecord{}
}

func TestOnceTaskRunsToCompletion(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.engine.Run(ctx)

	id, err := f.svc.CreateTask(ctx, "hello job",
		domain.Schedule{Kind: domain.KindOnce, FireAt: time.Now().Add(200 * time.Millisecond)},
		"echo hello")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	rec := waitForStatus(t, f, id, domain.StatusCompleted)
	if rec.Output != "hello\n" {
		t.Fatalf("output = %q", rec.Output)
	}
	if rec.EndTime == nil || rec.EndTime.Before(rec.StartTime) {
		t.Fatalf("record times invalid: %+v", rec)
	}

	task, err := f.svc.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != domain.StatusCompleted {
		t.Fatalf("task status = %s, want Completed", task.Status)
	}
	// single-shot registration is gone after firing
	if f.engine.Registered(id) {
		t.Fatal("once task still registered after firing")
	}
}

func TestFailingTaskRecordsError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 20*time.Millisecond)
	ctx := context.Background()

	id, err := f.svc.CreateTask(ctx, "broken job",
		domain.Schedule{Kind: domain.KindDaily, Hour: 3, Minute: 0},
		"echo oops >&2; exit 1")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := f.svc.RunNow(ctx, id); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	rec := waitForStatus(t, f, id, domain.StatusFailed)
	if rec.Error == "" {
		t.Fatal("failed run must capture error text")
	}
	task, _ := f.svc.GetTask(ctx, id)
	if task.Status != domain.StatusFailed {
		t.Fatalf("task status = %s, want Failed", task.Status)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second)
	ctx := context.Background()

	var verr *domain.ValidationError
	if _, err := f.svc.CreateTask(ctx, "", domain.Schedule{Kind: domain.KindDaily, Hour: 9}, "x"); !errors.As(err, &verr) {
		t.Fatalf("missing name: err = %v, want ValidationError", err)
	}
	if _, err := f.svc.CreateTask(ctx, "n", domain.Schedule{Kind: domain.KindInterval, EveryDays: 0, Hour: 9}, "x"); !errors.As(err, &verr) {
		t.Fatalf("bad interval: err = %v, want ValidationError", err)
	}
	tasks, _ := f.svc.ListTasks(ctx)
	if len(tasks) != 0 {
		t.Fatalf("rejected creates must not persist rows, got %d", len(tasks))
	}
}

func TestDeleteTaskIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second)
	ctx := context.Background()

	id, err := f.svc.CreateTask(ctx, "job", domain.Schedule{Kind: domain.KindDaily, Hour: 9, Minute: 0}, "echo hi")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := f.svc.RunNow(ctx, id); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	waitForStatus(t, f, id, domain.StatusCompleted)

	if err := f.svc.DeleteTask(ctx, id); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if f.engine.Registered(id) {
		t.Fatal("registration must be removed on delete")
	}
	if _, err := f.svc.GetTask(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetTask after delete = %v, want ErrNotFound", err)
	}

	// deleting again, with no row and no registration, still succeeds
	if err := f.svc.DeleteTask(ctx, id); err != nil {
		t.Fatalf("second DeleteTask: %v", err)
	}
	recs, err := f.repo.ListHistory(ctx, id, 10)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("history rows left after delete: %d", len(recs))
	}
}

func TestEditSwapsRegistration(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second)
	ctx := context.Background()

	id, err := f.svc.CreateTask(ctx, "job", domain.Schedule{Kind: domain.KindDaily, Hour: 9, Minute: 0}, "echo v1")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	newSched := domain.Schedule{Kind: domain.KindInterval, EveryDays: 5, Hour: 6, Minute: 30}
	if err := f.svc.EditTask(ctx, id, "renamed", newSched, "echo v2"); err != nil {
		t.Fatalf("EditTask: %v", err)
	}

	task, err := f.svc.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Name != "renamed" || task.Schedule.Kind != domain.KindInterval || task.Schedule.EveryDays != 5 {
		t.Fatalf("task after edit = %+v", task)
	}
	if !f.engine.Registered(id) {
		t.Fatal("edit must leave a live registration")
	}
	code, err := f.payloads.Read(task.PayloadRef)
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if code != "echo v2" {
		t.Fatalf("payload = %q, want replacement", code)
	}

	if err := f.svc.EditTask(ctx, "ghost", "n", newSched, "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("EditTask(ghost) = %v, want ErrNotFound", err)
	}
}

// Editing to a Once schedule whose time already passed leaves the task
// unscheduled after a restart: the restorer skips expired single shots.
func TestEditToPastOnceNotRestoredAfterRestart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second)
	ctx := context.Background()

	id, err := f.svc.CreateTask(ctx, "job", domain.Schedule{Kind: domain.KindDaily, Hour: 9, Minute: 0}, "echo hi")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	past := domain.Schedule{Kind: domain.KindOnce, FireAt: time.Now().Add(-time.Hour)}
	if err := f.svc.EditTask(ctx, id, "job", past, "echo hi"); err != nil {
		t.Fatalf("EditTask: %v", err)
	}

	// restart: fresh engine, registrations re-derived from the task table
	restarted := schedule.NewEngine(func(string) {}, time.Second)
	restored := schedule.Restore(ctx, f.repo, restarted, time.Now())
	if restored != 0 {
		t.Fatalf("restored %d registrations, want 0", restored)
	}
	if restarted.Registered(id) {
		t.Fatal("expired once schedule must not survive a restart")
	}
}

func TestRestartRestoresRecurringTasks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second)
	ctx := context.Background()

	daily, err := f.svc.CreateTask(ctx, "daily", domain.Schedule{Kind: domain.KindDaily, Hour: 9, Minute: 0}, "echo d")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	interval, err := f.svc.CreateTask(ctx, "interval", domain.Schedule{Kind: domain.KindInterval, EveryDays: 2, Hour: 9, Minute: 0}, "echo i")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	restarted := schedule.NewEngine(func(string) {}, time.Second)
	if restored := schedule.Restore(ctx, f.repo, restarted, time.Now()); restored != 2 {
		t.Fatalf("restored %d registrations, want 2", restored)
	}
	if !restarted.Registered(daily) || !restarted.Registered(interval) {
		t.Fatal("recurring tasks must be re-registered after restart")
	}
}

func TestRunNowNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second)
	if err := f.svc.RunNow(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("RunNow = %v, want ErrNotFound", err)
	}
}

func TestGetHistoryNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second)
	if _, err := f.svc.GetHistory(context.Background(), "ghost", 5); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetHistory = %v, want ErrNotFound", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second)
	ctx := context.Background()

	a, err := f.svc.CreateTask(ctx, "alpha", domain.Schedule{Kind: domain.KindDaily, Hour: 8, Minute: 15}, "echo a")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	b, err := f.svc.CreateTask(ctx, "beta", domain.Schedule{Kind: domain.KindInterval, EveryDays: 4, Hour: 22, Minute: 0}, "echo b")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	entries, err := f.svc.ExportAll(ctx)
	if err != nil {
		t.Fatalf("ExportAll: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("exported %d entries, want 2", len(entries))
	}

	for _, id := range []string{a, b} {
		if err := f.svc.DeleteTask(ctx, id); err != nil {
			t.Fatalf("DeleteTask: %v", err)
		}
	}

	if n := f.svc.ImportAll(ctx, entries); n != 2 {
		t.Fatalf("imported %d entries, want 2", n)
	}
	task, err := f.svc.GetTask(ctx, a)
	if err != nil {
		t.Fatalf("GetTask after import: %v", err)
	}
	if task.Name != "alpha" || task.Schedule.Kind != domain.KindDaily {
		t.Fatalf("imported task = %+v", task)
	}
	code, err := f.payloads.Read(task.PayloadRef)
	if err != nil || code != "echo a" {
		t.Fatalf("imported payload = %q, %v", code, err)
	}
	if !f.engine.Registered(a) || !f.engine.Registered(b) {
		t.Fatal("imported tasks must be registered")
	}
}

func TestImportPartialSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second)
	ctx := context.Background()

	entries := []ExportEntry{
		{Name: "good", Schedule: domain.Schedule{Kind: domain.KindDaily, Hour: 9, Minute: 0}, Code: "echo ok"},
		{Name: "", Schedule: domain.Schedule{Kind: domain.KindDaily, Hour: 9, Minute: 0}, Code: "echo noname"},
		{Name: "bad sched", Schedule: domain.Schedule{Kind: "weekly"}, Code: "echo bad"},
	}
	if n := f.svc.ImportAll(ctx, entries); n != 1 {
		t.Fatalf("imported %d entries, want 1", n)
	}
	tasks, _ := f.svc.ListTasks(ctx)
	if len(tasks) != 1 || tasks[0].Name != "good" {
		t.Fatalf("tasks after import = %+v", tasks)
	}
}

// An import entry that collides with an existing id is skipped without
// touching the live task's payload or row.
func TestImportDuplicateIDLeavesExistingTaskIntact(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second)
	ctx := context.Background()

	id, err := f.svc.CreateTask(ctx, "victim", domain.Schedule{Kind: domain.KindDaily, Hour: 9, Minute: 0}, "echo original")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	entries := []ExportEntry{{
		ID:       id,
		Name:     "impostor",
		Schedule: domain.Schedule{Kind: domain.KindDaily, Hour: 1, Minute: 0},
		Code:     "echo hijacked",
	}}
	if n := f.svc.ImportAll(ctx, entries); n != 0 {
		t.Fatalf("imported %d entries, want 0", n)
	}

	task, err := f.svc.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Name != "victim" || task.Schedule.Hour != 9 {
		t.Fatalf("task after rejected import = %+v", task)
	}
	code, err := f.payloads.Read(task.PayloadRef)
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if code != "echo original" {
		t.Fatalf("payload = %q, want original untouched", code)
	}
}

func TestPruneDelegatesRetentionWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second)
	ctx := context.Background()

	now := time.Now()
	old := domain.HistoryRecord{TaskID: "t1", TaskName: "n", Status: domain.StatusCompleted,
		StartTime: now.AddDate(0, 0, -RetentionDays-1)}
	fresh := domain.HistoryRecord{TaskID: "t1", TaskName: "n", Status: domain.StatusCompleted,
		StartTime: now.AddDate(0, 0, -RetentionDays+1)}
	if _, err := f.repo.InsertHistory(ctx, old); err != nil {
		t.Fatalf("InsertHistory: %v", err)
	}
	if _, err := f.repo.InsertHistory(ctx, fresh); err != nil {
		t.Fatalf("InsertHistory: %v", err)
	}

	n, err := f.svc.Prune(ctx, now)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
	n, err = f.svc.Prune(ctx, now)
	if err != nil || n != 0 {
		t.Fatalf("second Prune = %d, %v; want 0, nil", n, err)
	}
}
