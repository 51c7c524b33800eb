package server

import (
	"net/http"

	"github.com/rodrigogalhardo/indexify/internal/state"
	"github.com/rodrigogalhardo/indexify/pkg/errors"
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if err := s.readBarrier(r); err != nil {
		s.writeError(w, err)
		return
	}
	namespace := r.URL.Query().Get("namespace")
	status := state.TaskStatus(r.URL.Query().Get("status"))
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": s.machine.ListTasks(namespace, status),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if err := s.readBarrier(r); err != nil {
		s.writeError(w, err)
		return
	}
	task, ok := s.machine.GetTask(r.PathValue("id"))
	if !ok {
		s.writeError(w, errors.ErrNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

type allocateRequest struct {
	ExecutorID string `json:"executor_id"`
	Max        int    `json:"max"`
}

// handleAllocateTasks hands unassigned tasks to a polling executor. Each
// assignment goes through the log, so a concurrent allocation on another
// leader term can never double-assign: the second assign simply observes
// the task is no longer unassigned.
func (s *Server) handleAllocateTasks(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ExecutorID == "" {
		s.writeError(w, badRequestf("executor_id is required"))
		return
	}
	if req.Max <= 0 {
		req.Max = 1
	}
	if _, ok := s.machine.GetExecutor(req.ExecutorID); !ok {
		s.writeError(w, errors.ErrNotFound)
		return
	}

	var assigned []state.Task
	for _, task := range s.machine.ListTasks("", state.TaskUnassigned) {
		if len(assigned) >= req.Max {
			break
		}
		if _, ok := s.propose(w, r, &state.Command{
			Op:         state.OpAssignTask,
			ID:         task.ID,
			ExecutorID: req.ExecutorID,
		}); !ok {
			return
		}
		if t, ok := s.machine.GetTask(task.ID); ok && t.ExecutorID == req.ExecutorID {
			assigned = append(assigned, t)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": assigned})
}

type outcomeRequest struct {
	Status  string `json:"status"`
	Outcome string `json:"outcome,omitempty"`
}

func (s *Server) handleTaskOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	switch state.TaskStatus(req.Status) {
	case state.TaskInProgress, state.TaskDone, state.TaskFailed:
	default:
		s.writeError(w, badRequestf("invalid task status %q", req.Status))
		return
	}
	result, ok := s.propose(w, r, &state.Command{
		Op:      state.OpUpdateTask,
		ID:      r.PathValue("id"),
		Status:  req.Status,
		Outcome: req.Outcome,
	})
	if !ok {
		return
	}
	s.writeRaw(w, http.StatusOK, result)
}

func (s *Server) handleRegisterExecutor(w http.ResponseWriter, r *http.Request) {
	var executor state.Executor
	if err := decodeBody(r, &executor); err != nil {
		s.writeError(w, err)
		return
	}
	if executor.ID == "" || executor.Addr == "" {
		s.writeError(w, badRequestf("executor id and addr are required"))
		return
	}
	result, ok := s.propose(w, r, &state.Command{Op: state.OpRegisterExecutor, Executor: &executor})
	if !ok {
		return
	}
	s.writeRaw(w, http.StatusCreated, result)
}

func (s *Server) handleHeartbeatExecutor(w http.ResponseWriter, r *http.Request) {
	result, ok := s.propose(w, r, &state.Command{
		Op: state.OpHeartbeatExecutor,
		ID: r.PathValue("id"),
	})
	if !ok {
		return
	}
	s.writeRaw(w, http.StatusOK, result)
}

func (s *Server) handleDeregisterExecutor(w http.ResponseWriter, r *http.Request) {
	result, ok := s.propose(w, r, &state.Command{
		Op: state.OpDeregisterExecutor,
		ID: r.PathValue("id"),
	})
	if !ok {
		return
	}
	s.writeRaw(w, http.StatusOK, result)
}

func (s *Server) handleListExecutors(w http.ResponseWriter, r *http.Request) {
	if err := s.readBarrier(r); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"executors": s.machine.ListExecutors(),
	})
}
