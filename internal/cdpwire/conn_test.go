package cdpwire

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// fakeBrowser serves the discovery endpoints and a scripted browser-level
// WebSocket the way a real debuggable browser does.
func fakeBrowser(t *testing.T, respond func(id int64, method, sessionID string, params json.RawMessage) any) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"Browser":"FakeChrome/1.0","webSocketDebuggerUrl":"ws://%s/devtools/browser/fake"}`, r.Host)
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[
			{"id":"t1","type":"page","title":"Example","url":"https://example.com"},
			{"id":"t2","type":"service_worker","title":"sw","url":"https://example.com/sw.js"}
		]`)
	})
	mux.HandleFunc("/devtools/browser/fake", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				return
			}
			var msg struct {
				ID        int64           `json:"id"`
				Method    string          `json:"method"`
				SessionID string          `json:"sessionId"`
				Params    json.RawMessage `json:"params"`
			}
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			reply := respond(msg.ID, msg.Method, msg.SessionID, msg.Params)
			out, err := json.Marshal(reply)
			if err != nil {
				continue
			}
			if err := wsutil.WriteServerText(conn, out); err != nil {
				return
			}
		}
	})

	return srv
}

func TestListTargets(t *testing.T) {
	srv := fakeBrowser(t, nil)
	c := New(srv.URL)

	infos, err := c.ListTargets(context.Background())
	if err != nil {
		t.Fatalf("ListTargets() error = %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("ListTargets() = %d targets, want 2", len(infos))
	}
	if string(infos[0].TargetID) != "t1" || infos[0].Type != "page" || infos[0].URL != "https://example.com" {
		t.Fatalf("target[0] = %+v", infos[0])
	}
}

func TestBrowserWSURL(t *testing.T) {
	srv := fakeBrowser(t, nil)
	c := New(srv.URL)

	u, err := c.BrowserWSURL(context.Background())
	if err != nil {
		t.Fatalf("BrowserWSURL() error = %v", err)
	}
	if !strings.HasPrefix(u, "ws://") || !strings.Contains(u, "/devtools/browser/fake") {
		t.Fatalf("BrowserWSURL() = %q", u)
	}
}

func TestConnectAttachAndEvaluate(t *testing.T) {
	srv := fakeBrowser(t, func(id int64, method, sessionID string, params json.RawMessage) any {
		switch method {
		case "Target.attachToTarget":
			return map[string]any{"id": id, "result": map[string]any{"sessionId": "sess-1"}}
		case "Runtime.evaluate":
			if sessionID != "sess-1" {
				return map[string]any{"id": id, "error": map[string]any{"message": "wrong session"}}
			}
			return map[string]any{
				"id":     id,
				"result": map[string]any{"result": map[string]any{"type": "string", "value": "ok"}},
			}
		default:
			return map[string]any{"id": id, "result": map[string]any{}}
		}
	})

	c := New(srv.URL)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()
	if !c.Connected() {
		t.Fatal("Connected() = false after Connect")
	}

	sessionID, err := c.AttachToTarget(ctx, "t1")
	if err != nil {
		t.Fatalf("AttachToTarget() error = %v", err)
	}
	if sessionID != "sess-1" {
		t.Fatalf("AttachToTarget() = %q, want sess-1", sessionID)
	}

	got, err := c.Evaluate(ctx, sessionID, "document.title")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got != "ok" {
		t.Fatalf("Evaluate() = %q, want %q", got, "ok")
	}
}

func TestSendFlatErrorEnvelope(t *testing.T) {
	srv := fakeBrowser(t, func(id int64, method, sessionID string, params json.RawMessage) any {
		return map[string]any{"id": id, "error": map[string]any{"message": "no such frame"}}
	})

	c := New(srv.URL)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	if _, err := c.SendFlat(ctx, "sess-1", "Page.navigate", map[string]any{"url": "https://x"}); err == nil {
		t.Fatal("SendFlat() succeeded, want error from error envelope")
	} else if !strings.Contains(err.Error(), "no such frame") {
		t.Fatalf("SendFlat() error = %v, want browser message", err)
	}
}

func TestSendNotConnected(t *testing.T) {
	c := New("http://127.0.0.1:1")
	if _, err := c.Send(context.Background(), "Browser.getVersion", nil); err == nil {
		t.Fatal("Send() succeeded without a connection")
	}
}
