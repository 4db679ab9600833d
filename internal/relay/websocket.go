package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/ideacapture/internal/identity"
	"github.com/ashureev/ideacapture/internal/realtime"
	"github.com/coder/websocket"
)

const (
	wsReadLimit    = 1 << 20
	wsWriteTimeout = 10 * time.Second
)

// WebSocketHandler serves /ws/session.
type WebSocketHandler struct {
	hub           *Hub
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(hub *Hub, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		hub:           hub,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	participant := identity.ParticipantFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	slog.Info("WebSocket connection request", "participant", participant, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if sessionID == "" {
		http.Error(w, `{"error":"session_id is required"}`, http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "participant", participant)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "participant", participant)
		}
	}()
	ws.SetReadLimit(wsReadLimit)

	sub := h.hub.Subscribe(sessionID, participant)
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		h.outputLoop(ctx, ws, sub)
	}()

	h.inputLoop(ctx, ws, sessionID, participant)
	cancel()
	<-done
	slog.Info("Relay session ended", "participant", participant, "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// inputLoop publishes chat frames sent by the client. Session and
// participant always come from the connection, never from the payload.
func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, sessionID, participant string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed by client", "participant", participant)
			} else {
				slog.Warn("WebSocket read error", "error", err, "participant", participant)
			}
			return
		}

		var f realtime.Frame
		if err := json.Unmarshal(message, &f); err != nil {
			slog.Debug("Ignoring malformed client frame", "error", err, "participant", participant)
			continue
		}

		switch f.Type {
		case "ping":
			if err := writeJSON(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		case realtime.FrameChat:
			f.SessionID = sessionID
			f.Participant = participant
			f.Speaker = ""
			if _, err := h.hub.Publish(ctx, f); err != nil {
				slog.Warn("Failed to publish chat frame", "error", err, "session_id", sessionID)
			}
		default:
			slog.Debug("Ignoring client frame", "type", f.Type, "participant", participant)
		}
	}
}

func (h *WebSocketHandler) outputLoop(ctx context.Context, ws *websocket.Conn, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-sub.Frames():
			if !ok {
				return
			}
			if err := writeJSON(ctx, ws, f); err != nil {
				if ctx.Err() == nil {
					slog.Debug("WebSocket write error", "error", err, "participant", sub.Participant)
				}
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
