package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dgnsrekt/browser_bridge/internal/browser"
)

func codeOf(t *testing.T, err error) string {
	t.Helper()
	var coded *CodedError
	if !errors.As(err, &coded) {
		t.Fatalf("error %v is not a CodedError", err)
	}
	return coded.Code
}

func newUnstartedDirect() *Direct {
	return NewDirect(browser.NewLauncher(browser.Config{DebugAddress: "127.0.0.1", DebugPort: 9222}))
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port
}

// fakeDebugger mimics a browser's remote-debugging endpoint: /json/version,
// /json/list and a browser-level WebSocket that swallows commands.
type fakeDebugger struct {
	srv  *httptest.Server
	port int

	mu    sync.Mutex
	conns []net.Conn
}

func newFakeDebugger(t *testing.T) *fakeDebugger {
	t.Helper()
	f := &fakeDebugger{}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"webSocketDebuggerUrl": "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/devtools/browser/fake",
		})
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"id": "tab-1", "type": "page", "title": "Example", "url": "https://example.com"},
		})
	})
	mux.HandleFunc("/devtools/browser/fake", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		go func() {
			for {
				if _, err := wsutil.ReadClientText(conn); err != nil {
					_ = conn.Close()
					return
				}
			}
		}()
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(f.srv.URL, "http://"))
	if err != nil {
		t.Fatalf("parse fake debugger addr: %v", err)
	}
	f.port, err = strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse fake debugger port: %v", err)
	}
	return f
}

// dropConns severs every accepted browser-level socket.
func (f *fakeDebugger) dropConns() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
	f.conns = nil
}

func TestDirectOperationWithoutBrowserUnavailable(t *testing.T) {
	port := freeTCPPort(t)
	d := NewDirect(browser.NewLauncher(browser.Config{DebugAddress: "127.0.0.1", DebugPort: port}))

	err := d.Navigate(context.Background(), "tab-1", "https://example.com")
	if code := codeOf(t, err); code != CodeUnavailable {
		t.Fatalf("code = %s, want %s", code, CodeUnavailable)
	}
	if !strings.Contains(err.Error(), strconv.Itoa(port)) {
		t.Fatalf("error %q does not name port %d", err, port)
	}
}

func TestDirectEnsuresBrowserOnFirstUse(t *testing.T) {
	fake := newFakeDebugger(t)
	d := NewDirect(browser.NewLauncher(browser.Config{DebugAddress: "127.0.0.1", DebugPort: fake.port}))
	t.Cleanup(d.Stop)

	// No Start: the first operation probes the port and dials on its own.
	tabs, err := d.ListTabs(context.Background())
	if err != nil {
		t.Fatalf("ListTabs() error = %v", err)
	}
	if len(tabs) != 1 || tabs[0].TabID != "tab-1" {
		t.Fatalf("tabs = %+v, want one entry for tab-1", tabs)
	}
}

func TestDirectReconnectsAfterConnectionLoss(t *testing.T) {
	fake := newFakeDebugger(t)
	d := NewDirect(browser.NewLauncher(browser.Config{DebugAddress: "127.0.0.1", DebugPort: fake.port}))
	t.Cleanup(d.Stop)
	ctx := context.Background()

	if _, err := d.ListTabs(ctx); err != nil {
		t.Fatalf("first ListTabs() error = %v", err)
	}
	d.mu.Lock()
	first := d.conn
	d.mu.Unlock()

	fake.dropConns()
	waitCond(t, func() bool { return !first.Connected() }, "dead connection never noticed")

	if _, err := d.ListTabs(ctx); err != nil {
		t.Fatalf("ListTabs() after connection loss error = %v", err)
	}
	d.mu.Lock()
	second := d.conn
	d.mu.Unlock()
	if second == first {
		t.Fatal("connection not replaced after loss")
	}
}

func TestDirectValidationErrors(t *testing.T) {
	d := newUnstartedDirect()
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
	}{
		{"empty tab id", func() error {
			return d.Navigate(ctx, "", "https://example.com")
		}()},
		{"empty url", d.Navigate(ctx, "t1", "")},
		{"bad url scheme", d.Navigate(ctx, "t1", "gopher://example.com")},
		{"negative coords", d.Click(ctx, "t1", -1, 5, ClickOptions{})},
		{"bad button", d.Click(ctx, "t1", 1, 1, ClickOptions{Button: "side"})},
		{"empty text", d.Type(ctx, "t1", "", 0)},
		{"empty expression", func() error {
			_, err := d.Evaluate(ctx, "t1", "")
			return err
		}()},
		{"bad screenshot format", func() error {
			_, _, err := d.Screenshot(ctx, "t1", ScreenshotOptions{Format: "webp"})
			return err
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err == nil {
				t.Fatal("expected error")
			}
			if code := codeOf(t, tt.err); code != CodeValidation {
				t.Fatalf("code = %s, want %s", code, CodeValidation)
			}
		})
	}
}

func TestDirectExtensionToolUnsupported(t *testing.T) {
	d := newUnstartedDirect()
	_, err := d.CallExtensionTool(context.Background(), "t1", "dom_snapshot", nil)
	if code := codeOf(t, err); code != CodeUnsupported {
		t.Fatalf("code = %s, want %s", code, CodeUnsupported)
	}
}

func TestNormalizeScreenshotFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "png", false},
		{"png", "png", false},
		{"jpeg", "jpeg", false},
		{"jpg", "jpeg", false},
		{"webp", "", true},
		{"gif", "", true},
	}
	for _, tt := range tests {
		got, err := normalizeScreenshotFormat(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("normalizeScreenshotFormat(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("normalizeScreenshotFormat(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("normalizeScreenshotFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
