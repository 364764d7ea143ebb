package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/basket/taskd/internal/persistence"
	"github.com/basket/taskd/internal/scheduler"
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := persistence.TaskStatus(r.URL.Query().Get("status"))
	tasks, err := s.cfg.Scheduler.List(r.Context(), status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []persistence.BackgroundTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in scheduler.CreateTask
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	task, err := s.cfg.Scheduler.Create(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Scheduler.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Scheduler.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Scheduler.Pause(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Scheduler.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	exec, err := s.cfg.Scheduler.RunNow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

// handleWebhook starts a webhook task. It sits outside bearer auth; the
// task's own token is the credential, taken from X-Webhook-Token or ?token=.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.Header.Get("X-Webhook-Token"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	exec, err := s.cfg.Scheduler.Trigger(r.Context(), r.PathValue("id"), token)
	if err != nil {
		// An unknown task and a wrong token look the same to the caller.
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusForbidden, scheduler.ErrBadToken.Error())
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Scheduler.Get(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	execs, err := s.cfg.Store.ListExecutions(r.Context(), id, queryInt(r, "limit", defaultListLimit))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if execs == nil {
		execs = []persistence.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.cfg.Store.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exec, err := s.cfg.Store.GetExecution(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if exec.Terminal() || s.cfg.Engine == nil || !s.cfg.Engine.Cancel(id) {
		writeError(w, http.StatusConflict, "execution is not running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": id, "cancelling": true})
}
