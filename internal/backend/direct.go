package backend

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/dgnsrekt/browser_bridge/internal/browser"
	"github.com/dgnsrekt/browser_bridge/internal/cdpwire"
)

// Direct drives a locally debuggable browser over the remote-debugging port.
// The browser is ensured lazily: each operation first probes the debug port
// (launching a browser when permitted) and dials the browser-level WebSocket
// on demand, so the bridge can come up before the browser does and survive
// the browser dying underneath it. One browser-level connection is shared
// across all tabs; per-tab flat sessions are attached lazily and cached until
// a command on them fails.
type Direct struct {
	launcher *browser.Launcher

	mu       sync.Mutex
	conn     *cdpwire.Conn
	sessions map[string]string // targetID -> sessionID
}

// NewDirect creates a direct backend around the given launcher.
func NewDirect(launcher *browser.Launcher) *Direct {
	return &Direct{
		launcher: launcher,
		sessions: make(map[string]string),
	}
}

// Start is a no-op: the browser is ensured on first use.
func (d *Direct) Start(_ context.Context) error {
	slog.Info("direct backend ready", "debug_url", d.launcher.URL())
	return nil
}

// Stop closes the CDP connection and stops the browser if this process
// launched it.
func (d *Direct) Stop() {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	d.launcher.Stop()
}

// ensureConn makes sure a debuggable browser is reachable and returns the
// shared browser-level connection, dialing it on first use. A connection that
// died since the last command is replaced and its cached sessions dropped.
func (d *Direct) ensureConn(ctx context.Context) (*cdpwire.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil && d.conn.Connected() {
		return d.conn, nil
	}
	if d.conn != nil {
		slog.Warn("browser connection lost, reconnecting", "debug_url", d.launcher.URL())
		d.conn.Close()
		d.conn = nil
		d.sessions = make(map[string]string)
	}

	debugURL, err := d.launcher.Ensure(ctx)
	if err != nil {
		return nil, newError(CodeUnavailable, fmt.Sprintf("no debuggable browser at %s", d.launcher.URL()), err)
	}
	conn := cdpwire.New(debugURL)
	if err := conn.Connect(ctx); err != nil {
		return nil, newError(CodeUnavailable, fmt.Sprintf("browser at %s not accepting connections", debugURL), err)
	}
	d.conn = conn
	slog.Info("direct backend connected", "debug_url", debugURL)
	return conn, nil
}

// ListTabs returns every page target the browser reports.
func (d *Direct) ListTabs(ctx context.Context) ([]TabInfo, error) {
	conn, err := d.ensureConn(ctx)
	if err != nil {
		return nil, err
	}
	infos, err := conn.ListTargets(ctx)
	if err != nil {
		return nil, wireErr("list targets", err)
	}

	tabs := make([]TabInfo, 0, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		tabs = append(tabs, TabInfo{
			TabID:    string(info.TargetID),
			Type:     info.Type,
			Title:    info.Title,
			URL:      info.URL,
			Attached: info.Attached,
		})
	}
	return tabs, nil
}

// Screenshot captures a tab as PNG or JPEG and returns the decoded image
// bytes with their MIME type.
func (d *Direct) Screenshot(ctx context.Context, tabID string, opts ScreenshotOptions) ([]byte, string, error) {
	format, err := normalizeScreenshotFormat(opts.Format)
	if err != nil {
		return nil, "", err
	}

	conn, sessionID, err := d.resolveSession(ctx, tabID)
	if err != nil {
		return nil, "", err
	}

	b64, err := conn.CaptureScreenshot(ctx, sessionID, format, opts.Quality, opts.FullPage)
	if err != nil {
		d.invalidateSession(tabID)
		return nil, "", wireErr("capture screenshot", err)
	}

	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, "", newError(CodeTransport, "decode screenshot payload", err)
	}
	return data, "image/" + format, nil
}

// Navigate loads a URL in the given tab.
func (d *Direct) Navigate(ctx context.Context, tabID, rawURL string) error {
	if err := validateNavigateURL(rawURL); err != nil {
		return err
	}
	conn, sessionID, err := d.resolveSession(ctx, tabID)
	if err != nil {
		return err
	}
	if err := conn.Navigate(ctx, sessionID, rawURL); err != nil {
		d.invalidateSession(tabID)
		return wireErr("navigate", err)
	}
	return nil
}

// Click dispatches a trusted mouse click at viewport coordinates.
func (d *Direct) Click(ctx context.Context, tabID string, x, y float64, opts ClickOptions) error {
	if err := validateClick(x, y, opts); err != nil {
		return err
	}
	conn, sessionID, err := d.resolveSession(ctx, tabID)
	if err != nil {
		return err
	}
	if err := conn.DispatchMouseClick(ctx, sessionID, x, y, opts.Button, opts.ClickCount); err != nil {
		d.invalidateSession(tabID)
		return wireErr("click", err)
	}
	return nil
}

// Type sends text to the focused element. With a delay it simulates
// per-character keystrokes so controlled inputs see native key events;
// without one it inserts the whole text at once.
func (d *Direct) Type(ctx context.Context, tabID, text string, delayMS int) error {
	if text == "" {
		return newError(CodeValidation, "text is required", nil)
	}
	conn, sessionID, err := d.resolveSession(ctx, tabID)
	if err != nil {
		return err
	}

	if delayMS <= 0 {
		if err := conn.InsertText(ctx, sessionID, text); err != nil {
			d.invalidateSession(tabID)
			return wireErr("insert text", err)
		}
		return nil
	}

	delay := time.Duration(delayMS) * time.Millisecond
	for _, ch := range text {
		if err := conn.DispatchCharInput(ctx, sessionID, string(ch)); err != nil {
			d.invalidateSession(tabID)
			return wireErr("type character", err)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return newError(CodeTimeout, "typing interrupted", ctx.Err())
		}
	}
	return nil
}

// Evaluate runs a JavaScript expression in the tab and returns the string
// form of its value.
func (d *Direct) Evaluate(ctx context.Context, tabID, expression string) (string, error) {
	if expression == "" {
		return "", newError(CodeValidation, "expression is required", nil)
	}
	conn, sessionID, err := d.resolveSession(ctx, tabID)
	if err != nil {
		return "", err
	}
	out, err := conn.Evaluate(ctx, sessionID, expression)
	if err != nil {
		d.invalidateSession(tabID)
		return "", wireErr("evaluate", err)
	}
	return out, nil
}

// GetContent returns the serialized HTML of the tab's document.
func (d *Direct) GetContent(ctx context.Context, tabID string) (string, error) {
	conn, sessionID, err := d.resolveSession(ctx, tabID)
	if err != nil {
		return "", err
	}
	html, err := conn.Evaluate(ctx, sessionID, "document.documentElement.outerHTML")
	if err != nil {
		d.invalidateSession(tabID)
		return "", wireErr("get content", err)
	}
	return html, nil
}

// CallExtensionTool is a relay-only capability; direct CDP has no extension
// to talk to.
func (d *Direct) CallExtensionTool(_ context.Context, _, tool string, _ map[string]any) (any, error) {
	return nil, newError(CodeUnsupported, fmt.Sprintf("extension tool %q requires relay mode", tool), nil)
}

// resolveSession ensures the browser is reachable, verifies the tab exists,
// and returns the connection with a flat session for the tab, attaching on
// first use.
func (d *Direct) resolveSession(ctx context.Context, tabID string) (*cdpwire.Conn, string, error) {
	if tabID == "" {
		return nil, "", newError(CodeValidation, "tabId is required", nil)
	}

	conn, err := d.ensureConn(ctx)
	if err != nil {
		return nil, "", err
	}

	d.mu.Lock()
	sessionID, ok := d.sessions[tabID]
	d.mu.Unlock()
	if ok {
		return conn, sessionID, nil
	}

	infos, err := conn.ListTargets(ctx)
	if err != nil {
		return nil, "", wireErr("list targets", err)
	}
	found := false
	for _, info := range infos {
		if string(info.TargetID) == tabID {
			found = true
			break
		}
	}
	if !found {
		return nil, "", newError(CodeTabNotFound, fmt.Sprintf("no tab with id %s", tabID), nil)
	}

	sessionID, err = conn.AttachToTarget(ctx, tabID)
	if err != nil {
		return nil, "", wireErr("attach to tab", err)
	}

	d.mu.Lock()
	d.sessions[tabID] = sessionID
	d.mu.Unlock()
	return conn, sessionID, nil
}

// invalidateSession drops the cached session so the next command re-attaches.
func (d *Direct) invalidateSession(tabID string) {
	d.mu.Lock()
	delete(d.sessions, tabID)
	d.mu.Unlock()
}

func wireErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(CodeTimeout, op, err)
	}
	return newError(CodeTransport, op, err)
}

func normalizeScreenshotFormat(format string) (string, error) {
	switch format {
	case "", "png":
		return "png", nil
	case "jpeg", "jpg":
		return "jpeg", nil
	default:
		return "", newError(CodeValidation, fmt.Sprintf("unsupported screenshot format %q", format), nil)
	}
}

func validateNavigateURL(rawURL string) error {
	if rawURL == "" {
		return newError(CodeValidation, "url is required", nil)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return newError(CodeValidation, "malformed url", err)
	}
	switch u.Scheme {
	case "http", "https", "about", "chrome", "file":
		return nil
	default:
		return newError(CodeValidation, fmt.Sprintf("unsupported url scheme %q", u.Scheme), nil)
	}
}

func validateClick(x, y float64, opts ClickOptions) error {
	if x < 0 || y < 0 {
		return newError(CodeValidation, "coordinates must be non-negative", nil)
	}
	switch opts.Button {
	case "", "left", "middle", "right":
	default:
		return newError(CodeValidation, fmt.Sprintf("unsupported mouse button %q", opts.Button), nil)
	}
	if opts.ClickCount < 0 {
		return newError(CodeValidation, "clickCount must be non-negative", nil)
	}
	return nil
}
