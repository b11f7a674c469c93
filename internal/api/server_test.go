package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dgnsrekt/browser_bridge/internal/backend"
	"github.com/dgnsrekt/browser_bridge/internal/bridge"
	"github.com/dgnsrekt/browser_bridge/internal/snapshot"
)

// stubService answers with canned data; tab "missing" is always unknown.
type stubService struct {
	lastTool string
	lastArgs map[string]any
}

func (s *stubService) tabErr(tabID string) error {
	if tabID == "missing" {
		return &backend.CodedError{Code: backend.CodeTabNotFound, Message: "no tab with id missing"}
	}
	return nil
}

func (s *stubService) ListTabs(ctx context.Context) ([]backend.TabInfo, error) {
	return []backend.TabInfo{{TabID: "tab-1", Type: "page", Title: "Example", URL: "https://example.com", Attached: true}}, nil
}
func (s *stubService) Navigate(ctx context.Context, tabID, url string) error {
	return s.tabErr(tabID)
}
func (s *stubService) Click(ctx context.Context, tabID string, x, y float64, button string, clickCount int) error {
	return s.tabErr(tabID)
}
func (s *stubService) Type(ctx context.Context, tabID, text string, delayMS int) error {
	return s.tabErr(tabID)
}
func (s *stubService) Evaluate(ctx context.Context, tabID, expression string) (string, error) {
	if err := s.tabErr(tabID); err != nil {
		return "", err
	}
	return "42", nil
}
func (s *stubService) GetContent(ctx context.Context, tabID string) (string, error) {
	if err := s.tabErr(tabID); err != nil {
		return "", err
	}
	return "<html></html>", nil
}
func (s *stubService) Screenshot(ctx context.Context, tabID, format string, quality int, fullPage bool) ([]byte, string, error) {
	if err := s.tabErr(tabID); err != nil {
		return nil, "", err
	}
	return []byte{1, 2, 3}, "image/png", nil
}
func (s *stubService) CallExtensionTool(ctx context.Context, tabID, tool string, args map[string]any) (any, error) {
	if err := s.tabErr(tabID); err != nil {
		return nil, err
	}
	if tool == "unsupported" {
		return nil, &backend.CodedError{Code: backend.CodeUnsupported, Message: "relay mode only"}
	}
	s.lastTool, s.lastArgs = tool, args
	return map[string]any{"ok": true}, nil
}
func (s *stubService) TakeSnapshot(ctx context.Context, tabID, format string, quality int, fullPage bool, notes string) (snapshot.Meta, error) {
	if err := s.tabErr(tabID); err != nil {
		return snapshot.Meta{}, err
	}
	return snapshot.Meta{ID: "0f2a7c1e-1111-4222-8333-444455556666", TabID: tabID, Format: "png"}, nil
}
func (s *stubService) ListSnapshots(ctx context.Context) ([]snapshot.Meta, error) {
	return []snapshot.Meta{}, nil
}
func (s *stubService) GetSnapshot(ctx context.Context, id string) (snapshot.Meta, error) {
	return snapshot.Meta{}, &backend.CodedError{Code: backend.CodeSnapshotNotFound, Message: "snapshot not found"}
}
func (s *stubService) ReadSnapshotImage(ctx context.Context, id string) ([]byte, string, error) {
	return nil, "", &backend.CodedError{Code: backend.CodeSnapshotNotFound, Message: "snapshot not found"}
}
func (s *stubService) DeleteSnapshot(ctx context.Context, id string) error { return nil }
func (s *stubService) Status(ctx context.Context) (bridge.Status, error) {
	return bridge.Status{Mode: "direct", Ready: true, Tabs: 1}, nil
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	w := doJSON(t, h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestListTabs(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	w := doJSON(t, h, http.MethodGet, "/api/v1/tabs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var out struct {
		Tabs []backend.TabInfo `json:"tabs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Tabs) != 1 || out.Tabs[0].TabID != "tab-1" {
		t.Fatalf("tabs = %+v", out.Tabs)
	}
}

func TestNavigateUnknownTabBecomes404(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	w := doJSON(t, h, http.MethodPost, "/api/v1/tabs/missing/navigate", `{"url":"https://example.com"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body %s", w.Code, w.Body.String())
	}
}

func TestEvaluate(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	w := doJSON(t, h, http.MethodPost, "/api/v1/tabs/tab-1/evaluate", `{"expression":"6*7"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var out struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Result != "42" {
		t.Fatalf("result = %q, want 42", out.Result)
	}
}

func TestExtensionToolUnsupportedBecomes501(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	w := doJSON(t, h, http.MethodPost, "/api/v1/tabs/tab-1/extension_tool", `{"tool":"unsupported"}`)
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501, body %s", w.Code, w.Body.String())
	}
}

func TestExtensionToolPassthrough(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, nil)
	w := doJSON(t, h, http.MethodPost, "/api/v1/tabs/tab-1/extension_tool", `{"tool":"dom_snapshot","args":{"depth":2}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if svc.lastTool != "dom_snapshot" {
		t.Fatalf("tool = %q, want dom_snapshot", svc.lastTool)
	}
	if svc.lastArgs["depth"] != float64(2) {
		t.Fatalf("args = %v", svc.lastArgs)
	}
}

func TestSnapshotNotFoundBecomes404(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	w := doJSON(t, h, http.MethodGet, "/api/v1/snapshots/0f2a7c1e-1111-4222-8333-444455556666/metadata", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body %s", w.Code, w.Body.String())
	}
}

func TestStatus(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	w := doJSON(t, h, http.MethodGet, "/api/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var out bridge.Status
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Mode != "direct" || !out.Ready {
		t.Fatalf("status = %+v", out)
	}
}

func TestRelayEndpointsMounted(t *testing.T) {
	relayStub := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := NewServer(&stubService{}, relayStub)

	for _, path := range []string{"/extension", "/cdp", "/json/version", "/json/list"} {
		w := doJSON(t, h, http.MethodGet, path, "")
		if w.Code != http.StatusTeapot {
			t.Fatalf("path %s status = %d, want relay handler to receive it", path, w.Code)
		}
	}
}

func TestDocsDarkMode(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	w := doJSON(t, h, http.MethodGet, "/docs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `data-theme="dark"`) {
		t.Fatal("docs missing dark theme marker")
	}
}
