package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgnsrekt/browser_bridge/internal/relay"
)

// RelayBackend drives tabs through the extension relay instead of the
// remote-debugging port. The relay's session table is the tab list; every
// command travels to the extension as a forwarded CDP message.
type RelayBackend struct {
	relay *relay.Relay
}

// NewRelayBackend wraps an existing relay. The relay's HTTP handler is
// mounted by the API server; this backend only issues commands through it.
func NewRelayBackend(r *relay.Relay) *RelayBackend {
	return &RelayBackend{relay: r}
}

// Start is a no-op: the relay becomes usable when an extension connects,
// which happens on the extension's schedule, not ours.
func (b *RelayBackend) Start(_ context.Context) error {
	slog.Info("relay backend started", "extension_connected", b.relay.ExtensionConnected())
	return nil
}

// Stop shuts the relay down, disconnecting the extension and all clients.
func (b *RelayBackend) Stop() {
	b.relay.Stop()
}

// ListTabs reports the targets the extension has attached sessions for.
func (b *RelayBackend) ListTabs(_ context.Context) ([]TabInfo, error) {
	if !b.relay.ExtensionConnected() {
		return nil, newError(CodeUnavailable, "extension not connected", nil)
	}
	sessions := b.relay.Sessions()
	tabs := make([]TabInfo, 0, len(sessions))
	for _, s := range sessions {
		tabs = append(tabs, TabInfo{
			TabID:    s.TargetID,
			Type:     s.Target.Type,
			Title:    s.Target.Title,
			URL:      s.Target.URL,
			Attached: true,
		})
	}
	return tabs, nil
}

func (b *RelayBackend) Screenshot(_ context.Context, tabID string, opts ScreenshotOptions) ([]byte, string, error) {
	format, err := normalizeScreenshotFormat(opts.Format)
	if err != nil {
		return nil, "", err
	}
	sessionID, err := b.resolveSession(tabID)
	if err != nil {
		return nil, "", err
	}

	params := map[string]any{"format": format, "fromSurface": true}
	if format == "jpeg" && opts.Quality > 0 {
		params["quality"] = opts.Quality
	}
	if opts.FullPage {
		params["captureBeyondViewport"] = true
	}

	raw, err := b.relay.Forward("Page.captureScreenshot", sessionID, params)
	if err != nil {
		return nil, "", relayErr("capture screenshot", err)
	}

	var resp struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Data == "" {
		return nil, "", newError(CodeTransport, "screenshot payload missing image data", err)
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return nil, "", newError(CodeTransport, "decode screenshot payload", err)
	}
	return data, "image/" + format, nil
}

func (b *RelayBackend) Navigate(_ context.Context, tabID, rawURL string) error {
	if err := validateNavigateURL(rawURL); err != nil {
		return err
	}
	sessionID, err := b.resolveSession(tabID)
	if err != nil {
		return err
	}

	raw, err := b.relay.Forward("Page.navigate", sessionID, map[string]any{"url": rawURL})
	if err != nil {
		return relayErr("navigate", err)
	}
	var resp struct {
		ErrorText string `json:"errorText"`
	}
	if err := json.Unmarshal(raw, &resp); err == nil && resp.ErrorText != "" {
		return newError(CodeTransport, "navigate: "+resp.ErrorText, nil)
	}
	return nil
}

func (b *RelayBackend) Click(_ context.Context, tabID string, x, y float64, opts ClickOptions) error {
	if err := validateClick(x, y, opts); err != nil {
		return err
	}
	sessionID, err := b.resolveSession(tabID)
	if err != nil {
		return err
	}

	button := opts.Button
	if button == "" {
		button = "left"
	}
	clickCount := opts.ClickCount
	if clickCount <= 0 {
		clickCount = 1
	}

	events := []map[string]any{
		{"type": "mouseMoved", "x": x, "y": y},
		{"type": "mousePressed", "x": x, "y": y, "button": button, "clickCount": clickCount},
		{"type": "mouseReleased", "x": x, "y": y, "button": button, "clickCount": clickCount},
	}
	for _, evt := range events {
		if _, err := b.relay.Forward("Input.dispatchMouseEvent", sessionID, evt); err != nil {
			return relayErr("click", err)
		}
	}
	return nil
}

func (b *RelayBackend) Type(ctx context.Context, tabID, text string, delayMS int) error {
	if text == "" {
		return newError(CodeValidation, "text is required", nil)
	}
	sessionID, err := b.resolveSession(tabID)
	if err != nil {
		return err
	}

	if delayMS <= 0 {
		if _, err := b.relay.Forward("Input.insertText", sessionID, map[string]any{"text": text}); err != nil {
			return relayErr("insert text", err)
		}
		return nil
	}

	delay := time.Duration(delayMS) * time.Millisecond
	for _, ch := range text {
		s := string(ch)
		keyEvents := []map[string]any{
			{"type": "rawKeyDown", "key": s},
			{"type": "char", "text": s, "key": s, "unmodifiedText": s},
			{"type": "keyUp", "key": s},
		}
		for _, evt := range keyEvents {
			if _, err := b.relay.Forward("Input.dispatchKeyEvent", sessionID, evt); err != nil {
				return relayErr("type character", err)
			}
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return newError(CodeTimeout, "typing interrupted", ctx.Err())
		}
	}
	return nil
}

func (b *RelayBackend) Evaluate(_ context.Context, tabID, expression string) (string, error) {
	if expression == "" {
		return "", newError(CodeValidation, "expression is required", nil)
	}
	sessionID, err := b.resolveSession(tabID)
	if err != nil {
		return "", err
	}

	params := map[string]any{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	}
	raw, err := b.relay.Forward("Runtime.evaluate", sessionID, params)
	if err != nil {
		return "", relayErr("evaluate", err)
	}

	var resp struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", newError(CodeTransport, "unmarshal evaluate result", err)
	}
	if resp.ExceptionDetails != nil {
		return "", newError(CodeTransport, "evaluate exception: "+resp.ExceptionDetails.Text, nil)
	}

	var s string
	if err := json.Unmarshal(resp.Result.Value, &s); err != nil {
		return string(resp.Result.Value), nil
	}
	return s, nil
}

func (b *RelayBackend) GetContent(ctx context.Context, tabID string) (string, error) {
	return b.Evaluate(ctx, tabID, "document.documentElement.outerHTML")
}

// CallExtensionTool forwards a non-CDP tool invocation to the extension. The
// extension interprets the method name itself; the relay treats it like any
// other forwarded command.
func (b *RelayBackend) CallExtensionTool(_ context.Context, tabID, tool string, args map[string]any) (any, error) {
	if tool == "" {
		return nil, newError(CodeValidation, "tool name is required", nil)
	}

	sessionID := ""
	if tabID != "" {
		var err error
		sessionID, err = b.resolveSession(tabID)
		if err != nil {
			return nil, err
		}
	} else if !b.relay.ExtensionConnected() {
		return nil, newError(CodeUnavailable, "extension not connected", nil)
	}

	raw, err := b.relay.Forward(tool, sessionID, args)
	if err != nil {
		return nil, relayErr("extension tool "+tool, err)
	}
	var result any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, newError(CodeTransport, "unmarshal tool result", err)
		}
	}
	return result, nil
}

// resolveSession finds the extension session bound to the tab.
func (b *RelayBackend) resolveSession(tabID string) (string, error) {
	if tabID == "" {
		return "", newError(CodeValidation, "tabId is required", nil)
	}
	if !b.relay.ExtensionConnected() {
		return "", newError(CodeUnavailable, "extension not connected", nil)
	}
	s, ok := b.relay.SessionForTarget(tabID)
	if !ok {
		return "", newError(CodeTabNotFound, fmt.Sprintf("no tab with id %s", tabID), nil)
	}
	return s.SessionID, nil
}

func relayErr(op string, err error) error {
	switch {
	case errors.Is(err, relay.ErrNoExtension), errors.Is(err, relay.ErrStopped):
		return newError(CodeUnavailable, op, err)
	case errors.Is(err, relay.ErrTimeout):
		return newError(CodeTimeout, op, err)
	case errors.Is(err, relay.ErrDisconnected):
		return newError(CodeTransport, op, err)
	default:
		return newError(CodeTransport, op, err)
	}
}
