package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// readLimit bounds a single websocket message.
const readLimit = 1 << 20

var errNotSubscribed = errors.New("not subscribed to session")

// WebSocketConfig configures a WebSocket transport.
type WebSocketConfig struct {
	// BaseURL is the backend root, http(s) or ws(s).
	BaseURL     string
	Participant string
	Header      http.Header
	HTTPClient  *http.Client
}

// WebSocket is a Transport over the relay's /ws/session endpoint.
type WebSocket struct {
	cfg    WebSocketConfig
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// Ensure WebSocket implements Transport.
var _ Transport = (*WebSocket)(nil)

// NewWebSocket creates a WebSocket transport.
func NewWebSocket(cfg WebSocketConfig, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[string]*websocket.Conn),
	}
}

func (w *WebSocket) endpoint(sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(w.cfg.BaseURL, "/") + "/ws/session")
	if err != nil {
		return "", fmt.Errorf("parse realtime URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	if w.cfg.Participant != "" {
		q.Set("participant", w.cfg.Participant)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe dials the relay and streams batches for sessionID. A previous
// subscription to the same session is replaced.
func (w *WebSocket) Subscribe(ctx context.Context, sessionID string) (<-chan Batch, error) {
	target, err := w.endpoint(sessionID)
	if err != nil {
		return nil, err
	}
	ws, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: w.cfg.Header,
		HTTPClient: w.cfg.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("dial realtime relay: %w", err)
	}
	ws.SetReadLimit(readLimit)

	w.mu.Lock()
	if old, ok := w.conns[sessionID]; ok {
		_ = old.Close(websocket.StatusNormalClosure, "subscription replaced")
	}
	w.conns[sessionID] = ws
	w.mu.Unlock()

	w.logger.Info("Realtime subscribed", "session_id", sessionID, "participant", w.cfg.Participant)

	out := make(chan Batch, 16)
	go w.readLoop(ctx, sessionID, ws, out)
	return out, nil
}

func (w *WebSocket) readLoop(ctx context.Context, sessionID string, ws *websocket.Conn, out chan<- Batch) {
	defer close(out)
	defer func() {
		w.mu.Lock()
		if w.conns[sessionID] == ws {
			delete(w.conns, sessionID)
		}
		w.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "subscription ended")
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				w.logger.Debug("Realtime connection closed", "session_id", sessionID)
			} else {
				w.logger.Warn("Realtime read error", "session_id", sessionID, "error", err)
			}
			return
		}

		frames, err := DecodeFrames(data)
		if err != nil {
			w.logger.Warn("Dropping malformed realtime message", "session_id", sessionID, "error", err)
			continue
		}
		batch := toBatch(sessionID, w.cfg.Participant, frames)
		if len(batch.Events) == 0 {
			continue
		}
		select {
		case out <- batch:
		case <-ctx.Done():
			return
		}
	}
}

// SendChat writes a chat frame on the session's connection.
func (w *WebSocket) SendChat(ctx context.Context, sessionID, text string) error {
	w.mu.Lock()
	ws, ok := w.conns[sessionID]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errNotSubscribed, sessionID)
	}

	data, err := json.Marshal(Frame{
		Type:        FrameChat,
		SessionID:   sessionID,
		Participant: w.cfg.Participant,
		Text:        text,
		Timestamp:   time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal chat frame: %w", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write chat frame: %w", err)
	}
	return nil
}

// Close closes every open subscription.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for sid, ws := range w.conns {
		if err := ws.Close(websocket.StatusNormalClosure, "transport closed"); err != nil {
			errs = append(errs, err)
		}
		delete(w.conns, sid)
	}
	return errors.Join(errs...)
}
