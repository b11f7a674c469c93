package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Wire shapes shared by both WebSocket endpoints.

type clientCommand struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type wireError struct {
	Message string `json:"message"`
}

type clientResponse struct {
	ID        int64      `json:"id"`
	SessionID string     `json:"sessionId,omitempty"`
	Result    any        `json:"result,omitempty"`
	Error     *wireError `json:"error,omitempty"`
}

type clientEvent struct {
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type forwardPayload struct {
	Method    string `json:"method"`
	SessionID string `json:"sessionId,omitempty"`
	Params    any    `json:"params,omitempty"`
}

type extensionCommand struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params forwardPayload `json:"params"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler returns the relay's HTTP surface: the two WebSocket endpoints plus
// CDP-compatible discovery so off-the-shelf automation tooling can find the
// relay the same way it finds a real browser.
func (r *Relay) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Get("/extension", r.handleExtensionUpgrade)
	mux.Get("/cdp", r.handleClientUpgrade)
	mux.Get("/json/version", r.handleJSONVersion)
	mux.Get("/json/list", r.handleJSONList)
	mux.Get("/json", r.handleJSONList)
	mux.Get("/status", r.handleStatus)
	return mux
}

// handleExtensionUpgrade accepts the single extension connection. A second
// extension is rejected with 409 and the first keeps working.
func (r *Relay) handleExtensionUpgrade(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	occupied := r.extension != nil
	r.mu.Unlock()
	if occupied {
		http.Error(w, "extension already connected", http.StatusConflict)
		return
	}

	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Warn("extension upgrade failed", "error", err)
		return
	}

	gen, err := r.adoptExtension(ws)
	if err != nil {
		// lost the race with another extension between the check and the
		// upgrade
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	slog.Info("extension connected", "remote", req.RemoteAddr)
	go r.pingLoop(gen)
	go r.extensionReadLoop(ws, gen)
}

func (r *Relay) extensionReadLoop(ws *websocket.Conn, gen int) {
	defer r.dropExtension(gen)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		r.handleExtensionMessage(data)
	}
}

// pingLoop keeps the extension's service worker alive. The extension answers
// with {"method":"pong"}, which the read loop swallows.
func (r *Relay) pingLoop(gen int) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		r.mu.Lock()
		live := r.extension != nil && r.extensionGen == gen
		r.mu.Unlock()
		if !live {
			return
		}
		if err := r.writeToExtension(map[string]string{"method": "ping"}); err != nil {
			return
		}
	}
}

// handleClientUpgrade accepts an automation client. Without an extension
// there is nothing to automate, so the client is refused with 503 instead of
// being left on a dead socket.
func (r *Relay) handleClientUpgrade(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	ready := r.extension != nil && !r.stopped
	r.mu.Unlock()
	if !ready {
		http.Error(w, "no extension connected", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Warn("client upgrade failed", "error", err)
		return
	}

	c := &clientConn{
		id:   uuid.NewString(),
		ws:   ws,
		out:  make(chan any, r.cfg.ClientBufSize),
		done: make(chan struct{}),
	}
	go c.writeLoop()

	if err := r.adoptClient(c); err != nil {
		c.shutdown()
		return
	}

	slog.Info("client connected", "client_id", c.id, "remote", req.RemoteAddr)
	go r.clientReadLoop(c)
}

func (c *clientConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if err := c.ws.WriteJSON(msg); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (r *Relay) clientReadLoop(c *clientConn) {
	defer func() {
		r.removeClient(c.id)
		slog.Info("client disconnected", "client_id", c.id)
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.ID == 0 || cmd.Method == "" {
			// malformed frames are dropped, one bad client never takes the
			// relay down
			continue
		}
		go r.routeClientCommand(c, cmd)
	}
}

// --- discovery endpoints ---

func (r *Relay) handleJSONVersion(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, map[string]string{
		"Browser":              "BrowserBridge-Relay",
		"Protocol-Version":     "1.3",
		"User-Agent":           "BrowserBridge-Relay",
		"V8-Version":           "V8",
		"WebKit-Version":       "537.36",
		"webSocketDebuggerUrl": fmt.Sprintf("ws://%s/cdp", req.Host),
	})
}

func (r *Relay) handleJSONList(w http.ResponseWriter, req *http.Request) {
	sessions := r.Sessions()
	list := make([]map[string]string, 0, len(sessions))
	for _, s := range sessions {
		list = append(list, map[string]string{
			"id":                   s.TargetID,
			"type":                 s.Target.Type,
			"title":                s.Target.Title,
			"url":                  s.Target.URL,
			"webSocketDebuggerUrl": fmt.Sprintf("ws://%s/cdp", req.Host),
		})
	}
	writeJSON(w, list)
}

func (r *Relay) handleStatus(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	status := map[string]any{
		"extensionConnected": r.extension != nil,
		"clients":            len(r.clients),
		"sessions":           len(r.sessions),
		"pendingCommands":    len(r.pending),
	}
	r.mu.Unlock()
	writeJSON(w, status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
