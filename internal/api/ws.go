package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/user/vizlearn/internal/pipeline"
	"github.com/user/vizlearn/internal/types"
)

// Websocket message types.
const (
	msgVariableUpdate = "variable_update"
	msgChat           = "chat"
	msgStateSync      = "state_sync"
	msgTurnResult     = "turn_result"
	msgError          = "error"
)

// wsInbound is a client message. Variables is set for variable_update,
// Message and Provider for chat.
type wsInbound struct {
	Type      string         `json:"type"`
	Variables map[string]any `json:"variables,omitempty"`
	Message   string         `json:"message,omitempty"`
	Provider  string         `json:"provider,omitempty"`
}

type wsOutbound struct {
	Type    string                `json:"type"`
	Context *types.SessionContext `json:"context,omitempty"`
	Result  *pipeline.Result      `json:"result,omitempty"`
	Error   string                `json:"error,omitempty"`
	State   string                `json:"state,omitempty"`
}

// handleWebSocket serves the live channel of one session. The current context
// is sent on connect; every message is answered in order.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(w, r)
	if !ok {
		return
	}
	sc, err := s.store.GetOrCreate(r.Context(), id)
	if err != nil {
		s.storeError(w, id, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Error("websocket accept failed", "session_id", string(id), "error", err)
		return
	}
	defer func() {
		if err := ws.Close(websocket.StatusNormalClosure, "session ended"); err != nil {
			s.logger.Debug("websocket close", "session_id", string(id), "error", err)
		}
	}()

	ctx := r.Context()
	if err := wsjson.Write(ctx, ws, wsOutbound{Type: msgStateSync, Context: sc}); err != nil {
		return
	}
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Warn("websocket read failed", "session_id", string(id), "error", err)
			}
			return
		}
		out := wsOutbound{Type: msgError, Error: "invalid JSON"}
		var in wsInbound
		if err := json.Unmarshal(data, &in); err == nil {
			out = s.handleWSMessage(ctx, id, in)
		}
		if err := wsjson.Write(ctx, ws, out); err != nil {
			s.logger.Debug("websocket write failed", "session_id", string(id), "error", err)
			return
		}
	}
}

func (s *Server) handleWSMessage(ctx context.Context, id types.SessionID, in wsInbound) wsOutbound {
	switch in.Type {
	case msgVariableUpdate:
		sc, err := s.store.ApplyUpdate(ctx, id, types.VariablesPatch(in.Variables))
		if err != nil {
			s.logger.Warn("variable update failed", "session_id", string(id), "error", err)
			return wsOutbound{Type: msgError, Error: err.Error()}
		}
		return wsOutbound{Type: msgStateSync, Context: sc}
	case msgChat:
		if in.Message == "" {
			return wsOutbound{Type: msgError, Error: "message is required"}
		}
		res, err := s.turns.Do(ctx, &types.InboundEvent{
			Source:    "ws",
			SessionID: id,
			Text:      in.Message,
			Provider:  in.Provider,
		})
		if err != nil {
			out := wsOutbound{Type: msgError, Error: err.Error()}
			var te *pipeline.TurnError
			if errors.As(err, &te) {
				out.Error, out.State = te.Message, string(te.State)
			}
			return out
		}
		return wsOutbound{Type: msgTurnResult, Result: res}
	default:
		return wsOutbound{Type: msgError, Error: "unknown message type: " + in.Type}
	}
}
