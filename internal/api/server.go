// Package api exposes sessions and turns over HTTP: a JSON API, a websocket
// for live UI variables, task webhooks and static artifact files.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/user/vizlearn/internal/delivery"
	"github.com/user/vizlearn/internal/gateway"
	"github.com/user/vizlearn/internal/pipeline"
	"github.com/user/vizlearn/internal/state"
	"github.com/user/vizlearn/internal/types"
)

const maxBodyBytes = 1 << 20

// Turns runs a turn and waits for it. *gateway.Gateway implements it.
type Turns interface {
	Do(ctx context.Context, event *types.InboundEvent) (*pipeline.Result, error)
}

// Deliverer forwards webhook results to the session's channel.
type Deliverer interface {
	Deliver(ctx context.Context, id types.SessionID, msg delivery.Message) error
}

// Config wires the server's collaborators. Tasks, Artifacts and Delivery are
// optional; the routes that need them are skipped or degrade without them.
type Config struct {
	Store     types.ContextStore
	Turns     Turns
	Tasks     *state.TaskStore
	Artifacts *state.ArtifactStore
	Delivery  Deliverer
	Logger    *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	store     types.ContextStore
	turns     Turns
	tasks     *state.TaskStore
	artifacts *state.ArtifactStore
	delivery  Deliverer
	logger    *slog.Logger
	router    chi.Router
}

// NewServer builds the router.
func NewServer(cfg Config) *Server {
	s := &Server{
		store:     cfg.Store,
		turns:     cfg.Turns,
		tasks:     cfg.Tasks,
		artifacts: cfg.Artifacts,
		delivery:  cfg.Delivery,
		logger:    cfg.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(Logger(s.logger))
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Patch("/", s.handlePatchSession)
			r.Delete("/", s.handleDeleteSession)
			r.Post("/messages", s.handleAppendMessage)
			r.Post("/turns", s.handleTurn)
		})
	})
	r.Get("/ws/{id}", s.handleWebSocket)
	if s.tasks != nil {
		r.Post("/webhook/{name}", s.handleNamedTask)
	}
	if s.artifacts != nil {
		prefix := s.artifacts.Prefix()
		r.Handle(prefix+"/*", http.StripPrefix(prefix, http.FileServer(http.Dir(s.artifacts.Dir()))))
	}
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.List(r.Context())
	if err != nil {
		s.internalError(w, "list sessions", err)
		return
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	sort.Strings(out)
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(w, r)
	if !ok {
		return
	}
	sc, err := s.store.GetOrCreate(r.Context(), id)
	if err != nil {
		s.storeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	patch, err := types.DecodePatch(data)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	sc, err := s.store.ApplyUpdate(r.Context(), id, patch)
	if err != nil {
		s.storeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(w, r)
	if !ok {
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.storeError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type appendMessageRequest struct {
	Role     types.Role     `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(w, r)
	if !ok {
		return
	}
	var req appendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sc, err := s.store.AppendMessage(r.Context(), id, req.Role, req.Content, req.Metadata)
	if err != nil {
		s.storeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

type turnRequest struct {
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(w, r)
	if !ok {
		return
	}
	var req turnRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	res, err := s.turns.Do(r.Context(), &types.InboundEvent{
		Source:    "http",
		SessionID: id,
		Text:      req.Message,
		Provider:  req.Provider,
	})
	if err != nil {
		s.turnError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// turnStatus maps a failed turn to an HTTP status.
func turnStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrNoProviderAvailable), errors.Is(err, gateway.ErrQueueStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrProviderTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, gateway.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, types.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrSessionLoad):
		return http.StatusInternalServerError
	}
	var te *pipeline.TurnError
	if errors.As(err, &te) && te.State == pipeline.StateRouting {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) turnError(w http.ResponseWriter, id types.SessionID, err error) {
	status := turnStatus(err)
	body := map[string]string{"error": err.Error()}
	var te *pipeline.TurnError
	if errors.As(err, &te) {
		body["error"] = te.Message
		body["state"] = string(te.State)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("turn failed", "session_id", string(id), "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func (s *Server) storeError(w http.ResponseWriter, id types.SessionID, err error) {
	if errors.Is(err, types.ErrValidation) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.internalError(w, "session "+string(id), err)
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.logger.Error("request failed", "op", what, "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// sessionParam reads and validates the {id} URL parameter.
func sessionParam(w http.ResponseWriter, r *http.Request) (types.SessionID, bool) {
	id := types.SessionID(chi.URLParam(r, "id"))
	if err := id.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}
