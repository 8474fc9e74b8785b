package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type wsClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

type wsServerMessage struct {
	Type     string    `json:"type"` // status, error
	Event    string    `json:"event,omitempty"`
	Code     string    `json:"code,omitempty"`
	Message  string    `json:"message,omitempty"`
	Writable bool      `json:"writable,omitempty"`
	Time     time.Time `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

// admit reserves a client slot. It fails when the cap is reached or a
// --once server already had its client.
func (s *Server) admit() (string, bool) {
	if s.cfg.Once && s.accepted.Load() > 0 {
		return "ONCE_CONSUMED", false
	}
	n := s.clients.Add(1)
	if s.cfg.MaxClients > 0 && int(n) > s.cfg.MaxClients {
		s.clients.Add(-1)
		return "TOO_MANY_CLIENTS", false
	}
	if s.cfg.Once && s.accepted.Add(1) > 1 {
		s.clients.Add(-1)
		return "ONCE_CONSUMED", false
	}
	return "", true
}

func (s *Server) release() {
	s.clients.Add(-1)
	if s.cfg.Once {
		s.finish()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	if code, ok := s.admit(); !ok {
		webLog.Info("client_rejected", slog.String("code", code))
		writeAPIError(w, http.StatusServiceUnavailable, code, "no client slot available")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.release()
		return
	}
	defer conn.Close()
	defer s.release()

	writer := newWSConnWriter(conn)
	bridge, err := newPTYBridge(s.cfg.Command, s.cfg.WorkDir, writer)
	if err != nil {
		webLog.Error("pty_start_failed", slog.String("error", err.Error()))
		_ = writer.WriteJSON(wsServerMessage{
			Type:    "error",
			Code:    "PTY_START_FAILED",
			Message: "failed to start command",
			Time:    time.Now().UTC(),
		})
		return
	}
	defer bridge.Close()

	webLog.Info("client_connected", slog.String("remote", r.RemoteAddr), slog.Int("clients", int(s.clients.Load())))
	_ = writer.WriteJSON(wsServerMessage{
		Type:     "status",
		Event:    "connected",
		Writable: s.cfg.Writable,
		Time:     time.Now().UTC(),
	})

	go func() {
		select {
		case <-bridge.Done():
			_ = writer.WriteClose("command exited")
		case <-s.baseCtx.Done():
			_ = writer.WriteClose("server shutting down")
		}
		_ = conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Debug("websocket_closed", slog.String("error", err.Error()))
			}
			webLog.Info("client_disconnected", slog.String("remote", r.RemoteAddr))
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.replyError(writer, "INVALID_MESSAGE", "invalid json payload")
			continue
		}

		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(wsServerMessage{Type: "status", Event: "pong", Time: time.Now().UTC()})
		case "input":
			if !s.cfg.Writable {
				s.replyError(writer, "READ_ONLY", "input is disabled; start the server with -W")
				continue
			}
			if err := bridge.WriteInput(msg.Data); err != nil {
				s.replyError(writer, "INPUT_WRITE_FAILED", "failed to send input to terminal")
			}
		case "resize":
			if err := bridge.Resize(msg.Cols, msg.Rows); err != nil {
				s.replyError(writer, "RESIZE_FAILED", "failed to resize terminal")
			}
		default:
			s.replyError(writer, "UNSUPPORTED_MESSAGE", "supported message types: ping,input,resize")
		}
	}
}

func (s *Server) replyError(w *wsConnWriter, code, message string) {
	_ = w.WriteJSON(wsServerMessage{
		Type:    "error",
		Code:    code,
		Message: message,
		Time:    time.Now().UTC(),
	})
}
