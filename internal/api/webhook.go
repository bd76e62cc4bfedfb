package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/user/vizlearn/internal/delivery"
	"github.com/user/vizlearn/internal/state"
	"github.com/user/vizlearn/internal/types"
)

// namedTaskRequest is the optional JSON body for POST /webhook/{name}.
type namedTaskRequest struct {
	Prompt string `json:"prompt"`
}

// handleNamedTask runs a stored task's prompt as a turn in the task's session.
// The result is returned and also delivered to the session's channel.
func (s *Server) handleNamedTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	task, err := s.tasks.Get(name)
	if err != nil {
		if errors.Is(err, state.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.internalError(w, "get task "+name, err)
		return
	}
	if !task.Enabled {
		writeError(w, http.StatusForbidden, "task is disabled")
		return
	}

	prompt := task.Prompt
	var body namedTaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err == nil && body.Prompt != "" {
		prompt = body.Prompt
	}

	res, err := s.turns.Do(r.Context(), &types.InboundEvent{
		Source:    "webhook",
		SessionID: task.SessionID,
		Text:      prompt,
		Provider:  task.Provider,
	})
	if err != nil {
		s.turnError(w, task.SessionID, err)
		return
	}

	if s.delivery != nil {
		msg := delivery.Message{Text: res.Explanation, Artifact: res.Artifact}
		if err := s.delivery.Deliver(r.Context(), task.SessionID, msg); err != nil {
			s.logger.Warn("webhook delivery failed", "task", name, "session_id", string(task.SessionID), "error", err)
		}
	}
	writeJSON(w, http.StatusOK, res)
}
