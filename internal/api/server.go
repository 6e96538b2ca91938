package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"tasklane/internal/domain"
	"tasklane/internal/service"
	"tasklane/internal/store"
)

type Server struct {
	r   *chi.Mux
	svc *service.Service
}

func NewServer(svc *service.Service) http.Handler {
	return NewServerWithDebug(svc, false)
}

func NewServerWithDebug(svc *service.Service, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, svc: svc}

	r.Get("/health", s.health)
	r.Post("/api/tasks", s.createTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Put("/api/tasks/{id}", s.editTask)
	r.Delete("/api/tasks/{id}", s.deleteTask)
	r.Post("/api/tasks/{id}/run", s.runTask)
	r.Get("/api/tasks/{id}/history", s.getHistory)
	r.Get("/api/export", s.exportTasks)
	r.Post("/api/import", s.importTasks)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type scheduleJSON struct {
	Kind      string `json:"kind"`
	FireAt    string `json:"fire_at,omitempty"`
	At        string `json:"at,omitempty"`
	EveryDays int    `json:"every_days,omitempty"`
}

type taskReq struct {
	Name     string       `json:"name"`
	Schedule scheduleJSON `json:"schedule"`
	Code     string       `json:"code"`
}

type taskResp struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Status    string       `json:"status"`
	Schedule  scheduleJSON `json:"schedule"`
	RunTime   string       `json:"run_time"`
	CreatedAt string       `json:"created_at"`
	UpdatedAt string       `json:"updated_at"`
}

type historyResp struct {
	TaskName  string  `json:"task_name"`
	StartTime string  `json:"start_time"`
	EndTime   *string `json:"end_time"`
	Status    string  `json:"status"`
	Output    string  `json:"output,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req taskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	sched, err := parseSchedule(req.Schedule)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	id, err := s.svc.CreateTask(r.Context(), req.Name, sched, req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.svc.ListTasks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]taskResp, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResp(t))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, toTaskResp(t))
}

func (s *Server) editTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req taskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	sched, err := parseSchedule(req.Schedule)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.svc.EditTask(r.Context(), id, req.Name, sched, req.Code); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RunNow(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.svc.GetHistory(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]historyResp, 0, len(recs))
	for _, rec := range recs {
		h := historyResp{
			TaskName:  rec.TaskName,
			StartTime: rec.StartTime.Format("2006-01-02 15:04:05"),
			Status:    rec.Status,
			Output:    rec.Output,
			Error:     rec.Error,
		}
		if rec.EndTime != nil {
			v := rec.EndTime.Format("2006-01-02 15:04:05")
			h.EndTime = &v
		}
		out = append(out, h)
	}
	writeJSON(w, 200, out)
}

type exportJSON struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Status   string       `json:"status"`
	Schedule scheduleJSON `json:"schedule"`
	Code     string       `json:"code"`
}

func (s *Server) exportTasks(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.ExportAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]exportJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, exportJSON{
			ID:       e.ID,
			Name:     e.Name,
			Status:   e.Status,
			Schedule: toScheduleJSON(e.Schedule),
			Code:     e.Code,
		})
	}
	writeJSON(w, 200, out)
}

func (s *Server) importTasks(w http.ResponseWriter, r *http.Request) {
	var in []exportJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	entries := make([]service.ExportEntry, 0, len(in))
	for _, e := range in {
		sched, err := parseSchedule(e.Schedule)
		if err != nil {
			// a malformed schedule skips only this entry
			log.Warn().Err(err).Str("task_id", e.ID).Str("name", e.Name).Msg("import: bad schedule, entry skipped")
			continue
		}
		entries = append(entries, service.ExportEntry{
			ID:       e.ID,
			Name:     e.Name,
			Status:   e.Status,
			Schedule: sched,
			Code:     e.Code,
		})
	}
	n := s.svc.ImportAll(r.Context(), entries)
	writeJSON(w, 200, map[string]int{"imported": n})
}

func parseSchedule(in scheduleJSON) (domain.Schedule, error) {
	s := domain.Schedule{Kind: in.Kind}
	switch in.Kind {
	case domain.KindOnce:
		at, err := parseFireAt(in.FireAt)
		if err != nil {
			return domain.Schedule{}, err
		}
		s.FireAt = at
	case domain.KindDaily:
		h, m, err := domain.ParseHHMM(in.At)
		if err != nil {
			return domain.Schedule{}, err
		}
		s.Hour, s.Minute = h, m
	case domain.KindInterval:
		h, m, err := domain.ParseHHMM(in.At)
		if err != nil {
			return domain.Schedule{}, err
		}
		s.Hour, s.Minute = h, m
		s.EveryDays = in.EveryDays
	}
	return s, s.Validate()
}

// parseFireAt accepts RFC 3339 or the shorter datetime-local form
// browsers produce.
func parseFireAt(v string) (time.Time, error) {
	if at, err := time.Parse(time.RFC3339, v); err == nil {
		return at, nil
	}
	at, err := time.ParseInLocation("2006-01-02T15:04", v, time.Local)
	if err != nil {
		return time.Time{}, &domain.ValidationError{Field: "fire_at", Reason: "not a timestamp: " + v}
	}
	return at, nil
}

func toScheduleJSON(s domain.Schedule) scheduleJSON {
	out := scheduleJSON{Kind: s.Kind}
	switch s.Kind {
	case domain.KindOnce:
		out.FireAt = s.FireAt.Format(time.RFC3339)
	case domain.KindDaily:
		out.At = domain.FormatHHMM(s.Hour, s.Minute)
	case domain.KindInterval:
		out.At = domain.FormatHHMM(s.Hour, s.Minute)
		out.EveryDays = s.EveryDays
	}
	return out
}

func toTaskResp(t domain.Task) taskResp {
	return taskResp{
		ID:        t.ID,
		Name:      t.Name,
		Status:    t.Status,
		Schedule:  toScheduleJSON(t.Schedule),
		RunTime:   t.Schedule.Describe(),
		CreatedAt: t.CreatedAt.Format(time.RFC3339),
		UpdatedAt: t.UpdatedAt.Format(time.RFC3339),
	}
}

func writeError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", 404)
	case errors.As(err, &verr):
		http.Error(w, verr.Error(), 400)
	default:
		http.Error(w, err.Error(), 500)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
