package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Sentinel errors surfaced to the unified backend for taxonomy mapping.
var (
	ErrNoExtension  = errors.New("extension not connected")
	ErrTimeout      = errors.New("extension command timed out")
	ErrDisconnected = errors.New("extension disconnected")
	ErrStopped      = errors.New("relay stopped")
)

// Target contains metadata about a browser target reported by the extension.
type Target struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

// Session binds one extension-side command stream to one target. The relay
// is the single source of truth for which sessions exist.
type Session struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId"`
	Target    Target `json:"targetInfo"`
}

// Config tunes relay timing. Zero values fall back to production defaults;
// tests shrink them.
type Config struct {
	CommandTimeout time.Duration
	PingInterval   time.Duration
	ClientBufSize  int
}

func (c Config) withDefaults() Config {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 5 * time.Second
	}
	if c.ClientBufSize <= 0 {
		c.ClientBufSize = 256
	}
	return c
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// pendingCommand exists from the moment a command is forwarded to the
// extension until exactly one resolution: response, timeout, or forced
// rejection on disconnect.
type pendingCommand struct {
	ch    chan pendingResult // buffered, single delivery
	timer *time.Timer
}

// clientConn is one automation-client WebSocket. All outbound traffic goes
// through the buffered channel so messages for one client are never
// reordered; a single writer goroutine drains it.
type clientConn struct {
	id   string
	ws   *websocket.Conn
	out  chan any
	done chan struct{}
	once sync.Once
}

// enqueue reports false only when the buffer is full. Messages for an
// already closed client are dropped, never a reason to disconnect twice.
func (c *clientConn) enqueue(msg any) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.out <- msg:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *clientConn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Relay multiplexes a single extension connection against any number of
// automation-client connections. All shared tables (extension handle,
// sessions, pending commands, clients) are guarded by mu; WebSocket writes
// to the extension are serialized separately by writeMu so no lock is held
// across network I/O.
type Relay struct {
	cfg Config

	mu           sync.Mutex
	writeMu      sync.Mutex
	extension    *websocket.Conn
	extensionGen int
	clients      map[string]*clientConn
	sessions     map[string]*Session
	pending      map[int64]*pendingCommand
	nextID       int64
	stopped      bool
}

// NewRelay creates a relay with no extension and no clients.
func NewRelay(cfg Config) *Relay {
	return &Relay{
		cfg:      cfg.withDefaults(),
		clients:  make(map[string]*clientConn),
		sessions: make(map[string]*Session),
		pending:  make(map[int64]*pendingCommand),
	}
}

// ExtensionConnected reports whether the single extension slot is occupied.
func (r *Relay) ExtensionConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.extension != nil
}

// ClientCount returns the number of connected automation clients.
func (r *Relay) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Sessions returns a snapshot of the live session table.
func (r *Relay) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// SessionForTarget scans the session table for the session currently bound
// to the given target.
func (r *Relay) SessionForTarget(targetID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.TargetID == targetID {
			return *s, true
		}
	}
	return Session{}, false
}

// Stop closes the extension and every client connection and rejects all
// in-flight commands. The relay cannot be reused afterwards.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	ext := r.extension
	r.extension = nil
	clients := r.drainClientsLocked()
	pending := r.drainPendingLocked()
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, p := range pending {
		p.resolve(pendingResult{err: ErrStopped})
	}
	if ext != nil {
		_ = ext.Close()
	}
	for _, c := range clients {
		c.shutdown()
	}
	slog.Info("relay stopped")
}

func (p *pendingCommand) resolve(res pendingResult) {
	p.timer.Stop()
	p.ch <- res
}

// drainPendingLocked removes and returns every pending command. Caller holds mu.
func (r *Relay) drainPendingLocked() []*pendingCommand {
	out := make([]*pendingCommand, 0, len(r.pending))
	for id, p := range r.pending {
		out = append(out, p)
		delete(r.pending, id)
	}
	return out
}

// drainClientsLocked removes and returns every client. Caller holds mu.
func (r *Relay) drainClientsLocked() []*clientConn {
	out := make([]*clientConn, 0, len(r.clients))
	for id, c := range r.clients {
		out = append(out, c)
		delete(r.clients, id)
	}
	return out
}

// --- extension side ---

// adoptExtension stores the connection; fails when the slot is taken so a
// second extension is rejected without side effects on the first.
func (r *Relay) adoptExtension(ws *websocket.Conn) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return 0, ErrStopped
	}
	if r.extension != nil {
		return 0, errors.New("extension already connected")
	}
	r.extension = ws
	r.extensionGen++
	return r.extensionGen, nil
}

// dropExtension clears the slot if it still belongs to the given generation
// and performs the full disconnect cleanup: every pending command rejects,
// the session table clears, and every client socket closes so callers can
// detect the loss and retry.
func (r *Relay) dropExtension(gen int) {
	r.mu.Lock()
	if r.extensionGen != gen || r.extension == nil {
		r.mu.Unlock()
		return
	}
	r.extension = nil
	pending := r.drainPendingLocked()
	clients := r.drainClientsLocked()
	sessionCount := len(r.sessions)
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, p := range pending {
		p.resolve(pendingResult{err: ErrDisconnected})
	}
	for _, c := range clients {
		c.shutdown()
	}
	slog.Info("extension disconnected",
		"rejected_commands", len(pending),
		"closed_clients", len(clients),
		"cleared_sessions", sessionCount)
}

// writeToExtension serializes one JSON frame to the extension socket.
func (r *Relay) writeToExtension(msg any) error {
	r.mu.Lock()
	ws := r.extension
	r.mu.Unlock()
	if ws == nil {
		return ErrNoExtension
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return ws.WriteJSON(msg)
}

// Forward wraps a command and sends it to the extension, returning when the
// matching response arrives, the per-command timeout fires, or the extension
// disconnects. No command id is allocated when no extension is connected.
func (r *Relay) Forward(method, sessionID string, params any) (json.RawMessage, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, ErrStopped
	}
	if r.extension == nil {
		r.mu.Unlock()
		return nil, ErrNoExtension
	}
	r.nextID++
	id := r.nextID
	p := &pendingCommand{ch: make(chan pendingResult, 1)}
	p.timer = time.AfterFunc(r.cfg.CommandTimeout, func() {
		r.rejectPending(id, ErrTimeout)
	})
	r.pending[id] = p
	r.mu.Unlock()

	cmd := extensionCommand{
		ID:     id,
		Method: "forward",
		Params: forwardPayload{Method: method, SessionID: sessionID, Params: params},
	}
	if err := r.writeToExtension(cmd); err != nil {
		r.rejectPending(id, err)
	}

	res := <-p.ch
	if res.err != nil {
		return nil, res.err
	}
	return res.result, nil
}

// rejectPending resolves a pending command with an error unless it was
// already resolved. Removal from the map and resolution happen atomically
// with respect to mu, so each id resolves exactly once.
func (r *Relay) rejectPending(id int64, err error) {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if ok {
		p.resolve(pendingResult{err: err})
	}
}

// resolvePending delivers the extension's response for a pending id.
func (r *Relay) resolvePending(id int64, result json.RawMessage, errMsg string) {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if errMsg != "" {
		p.resolve(pendingResult{err: fmt.Errorf("extension: %s", errMsg)})
		return
	}
	p.resolve(pendingResult{result: result})
}

// handleExtensionMessage processes one inbound extension frame. Malformed
// frames are dropped silently.
func (r *Relay) handleExtensionMessage(data []byte) {
	var msg struct {
		ID     int64           `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch {
	case msg.ID > 0:
		r.resolvePending(msg.ID, msg.Result, msg.Error)
	case msg.Method == "pong":
		// keepalive answer, nothing to do
	case msg.Method == "forwardEvent":
		var payload forwardPayload
		if err := json.Unmarshal(msg.Params, &payload); err != nil {
			return
		}
		r.handleForwardedEvent(payload)
	}
}

// handleForwardedEvent translates extension-reported browser events into the
// session table and rebroadcasts them to every client.
func (r *Relay) handleForwardedEvent(evt forwardPayload) {
	raw, _ := evt.Params.(map[string]any)
	rawJSON, err := json.Marshal(evt.Params)
	if err != nil {
		return
	}

	switch evt.Method {
	case "Target.attachedToTarget":
		r.handleTargetAttached(rawJSON)
	case "Target.detachedFromTarget":
		r.handleTargetDetached(rawJSON, raw)
	case "Target.targetInfoChanged":
		r.handleTargetInfoChanged(rawJSON)
		r.broadcast(clientEvent{Method: evt.Method, Params: evt.Params, SessionID: evt.SessionID})
	default:
		r.broadcast(clientEvent{Method: evt.Method, Params: evt.Params, SessionID: evt.SessionID})
	}
}

func (r *Relay) handleTargetAttached(params json.RawMessage) {
	var evt struct {
		SessionID  string `json:"sessionId"`
		TargetInfo Target `json:"targetInfo"`
	}
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}
	if evt.SessionID == "" || evt.TargetInfo.TargetID == "" {
		return
	}
	if evt.TargetInfo.Type == "" {
		evt.TargetInfo.Type = "page"
	}
	evt.TargetInfo.Attached = true

	session := &Session{
		SessionID: evt.SessionID,
		TargetID:  evt.TargetInfo.TargetID,
		Target:    evt.TargetInfo,
	}

	r.mu.Lock()
	old, existed := r.sessions[evt.SessionID]
	r.sessions[evt.SessionID] = session

	// Same session id pointing at a new target means the stream was reused
	// (tab navigation). Clients must never observe two simultaneous targets
	// for one session, so a synthetic detach for the old target goes out
	// before the new attach.
	if existed && old.TargetID != session.TargetID {
		slog.Debug("session changed target",
			"session_id", evt.SessionID, "old_target", old.TargetID, "new_target", session.TargetID)
		r.broadcastLocked(clientEvent{
			Method: "Target.detachedFromTarget",
			Params: map[string]any{"sessionId": evt.SessionID, "targetId": old.TargetID},
		})
	}

	r.broadcastLocked(attachedEvent(session))
	r.mu.Unlock()

	slog.Debug("target attached", "session_id", evt.SessionID, "target_id", session.TargetID, "url", session.Target.URL)
}

func (r *Relay) handleTargetDetached(params json.RawMessage, raw map[string]any) {
	var evt struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &evt); err != nil || evt.SessionID == "" {
		return
	}

	r.mu.Lock()
	delete(r.sessions, evt.SessionID)
	r.broadcastLocked(clientEvent{Method: "Target.detachedFromTarget", Params: raw})
	r.mu.Unlock()

	slog.Debug("target detached", "session_id", evt.SessionID)
}

// handleTargetInfoChanged patches the cached target of every session whose
// cached target matches by id.
func (r *Relay) handleTargetInfoChanged(params json.RawMessage) {
	var evt struct {
		TargetInfo struct {
			TargetID string `json:"targetId"`
			Title    string `json:"title"`
			URL      string `json:"url"`
		} `json:"targetInfo"`
	}
	if err := json.Unmarshal(params, &evt); err != nil || evt.TargetInfo.TargetID == "" {
		return
	}

	r.mu.Lock()
	for _, s := range r.sessions {
		if s.TargetID == evt.TargetInfo.TargetID {
			s.Target.Title = evt.TargetInfo.Title
			s.Target.URL = evt.TargetInfo.URL
		}
	}
	r.mu.Unlock()
}

// --- client side ---

// adoptClient registers a client connection and replays the current session
// table to it as attach notifications so its view starts consistent.
func (r *Relay) adoptClient(c *clientConn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	if r.extension == nil {
		return ErrNoExtension
	}
	// Replay and registration stay under the lock so an extension event
	// cannot slot in between the snapshot and the replayed attaches.
	for _, s := range r.sessions {
		c.enqueue(attachedEvent(s))
	}
	r.clients[c.id] = c
	return nil
}

func (r *Relay) removeClient(id string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	r.mu.Unlock()
	if ok {
		c.shutdown()
	}
}

// broadcast enqueues an event for every connected client. Best effort: a
// client whose buffer is full is disconnected rather than have its stream
// reordered or block the relay.
func (r *Relay) broadcast(msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(msg)
}

// broadcastLocked is broadcast for callers already holding mu, so a session
// table change and the event announcing it stay atomic with respect to
// client adoption.
func (r *Relay) broadcastLocked(msg any) {
	for id, c := range r.clients {
		if !c.enqueue(msg) {
			slog.Warn("client send buffer full, disconnecting", "client_id", c.id)
			delete(r.clients, id)
			c.shutdown()
		}
	}
}

func attachedEvent(s *Session) clientEvent {
	return clientEvent{
		Method: "Target.attachedToTarget",
		Params: map[string]any{
			"sessionId":          s.SessionID,
			"targetInfo":         s.Target,
			"waitingForDebugger": false,
		},
	}
}

// routeClientCommand answers a small fixed method set from local state and
// forwards everything else to the extension verbatim.
func (r *Relay) routeClientCommand(c *clientConn, cmd clientCommand) {
	result, err := r.dispatch(cmd)

	resp := clientResponse{ID: cmd.ID, SessionID: cmd.SessionID}
	if err != nil {
		resp.Error = &wireError{Message: err.Error()}
	} else {
		resp.Result = result
	}
	if !c.enqueue(resp) {
		slog.Warn("client send buffer full, disconnecting", "client_id", c.id)
		r.removeClient(c.id)
	}
}

func (r *Relay) dispatch(cmd clientCommand) (any, error) {
	switch cmd.Method {
	case "Browser.getVersion":
		return map[string]string{
			"protocolVersion": "1.3",
			"product":         "Chrome/BrowserBridge-Relay",
			"revision":        "0",
			"userAgent":       "BrowserBridge-Relay",
			"jsVersion":       "V8",
		}, nil

	case "Browser.setDownloadBehavior", "Target.setAutoAttach":
		return map[string]any{}, nil

	case "Target.getTargets":
		r.mu.Lock()
		infos := make([]Target, 0, len(r.sessions))
		for _, s := range r.sessions {
			infos = append(infos, s.Target)
		}
		r.mu.Unlock()
		return map[string]any{"targetInfos": infos}, nil

	case "Target.getTargetInfo":
		return r.localTargetInfo(cmd)

	case "Target.attachToTarget":
		return r.localAttach(cmd)

	default:
		var params any
		if len(cmd.Params) > 0 {
			if err := json.Unmarshal(cmd.Params, &params); err != nil {
				return nil, fmt.Errorf("malformed params: %w", err)
			}
		}
		raw, err := r.Forward(cmd.Method, cmd.SessionID, params)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil
	}
}

func (r *Relay) localTargetInfo(cmd clientCommand) (any, error) {
	var params struct {
		TargetID string `json:"targetId"`
	}
	if len(cmd.Params) > 0 {
		_ = json.Unmarshal(cmd.Params, &params)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if params.TargetID != "" {
		for _, s := range r.sessions {
			if s.TargetID == params.TargetID {
				return map[string]any{"targetInfo": s.Target}, nil
			}
		}
		return nil, fmt.Errorf("target not found: %s", params.TargetID)
	}
	if cmd.SessionID != "" {
		if s, ok := r.sessions[cmd.SessionID]; ok {
			return map[string]any{"targetInfo": s.Target}, nil
		}
	}
	for _, s := range r.sessions {
		return map[string]any{"targetInfo": s.Target}, nil
	}
	return nil, errors.New("no targets attached")
}

func (r *Relay) localAttach(cmd clientCommand) (any, error) {
	var params struct {
		TargetID string `json:"targetId"`
	}
	if len(cmd.Params) > 0 {
		_ = json.Unmarshal(cmd.Params, &params)
	}
	if params.TargetID == "" {
		return nil, errors.New("targetId required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.TargetID == params.TargetID {
			return map[string]any{"sessionId": s.SessionID}, nil
		}
	}
	return nil, fmt.Errorf("target not found: %s", params.TargetID)
}
