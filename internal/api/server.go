package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskmill/internal/control"
	"taskmill/internal/registry"
	"taskmill/internal/scheduler"
	"taskmill/internal/store"
)

type Server struct {
	r    *chi.Mux
	ctrl *control.Controller
}

func NewServer(ctrl *control.Controller) http.Handler {
	return NewServerWithDebug(ctrl, false)
}

func NewServerWithDebug(ctrl *control.Controller, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, ctrl: ctrl}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/status", s.status)
	r.Get("/logs", s.logs)
	r.Post("/tasks/{id}/run", s.runTask)
	r.Post("/tasks/{id}/pause", s.pauseTask)
	r.Post("/tasks/{id}/resume", s.resumeTask)
	r.Post("/run-all", s.runAll)
	r.Post("/reload", s.reload)

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

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("taskmill_up 1\n"))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.ctrl.Logs(r.Context(), taskID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	force := r.URL.Query().Get("force") == "true"
	out, err := s.ctrl.RunNow(r.Context(), id, force)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusAccepted
	if out.Skipped {
		code = http.StatusOK
	}
	writeJSON(w, code, out)
}

func (s *Server) runAll(w http.ResponseWriter, r *http.Request) {
	ids, err := s.ctrl.RunAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"dispatched": ids})
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctrl.Reload(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func writeError(w http.ResponseWriter, err error) {
	var cfgErr *registry.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, scheduler.ErrUnknownTask):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrStorageUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
