package browser

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
)

// freePort grabs an ephemeral port that nothing is listening on.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestEnsureNoBrowserAutoLaunchDisabled(t *testing.T) {
	port := freePort(t)
	l := NewLauncher(Config{
		DebugAddress: "127.0.0.1",
		DebugPort:    port,
		AutoLaunch:   false,
	})

	_, err := l.Ensure(context.Background())
	if err == nil {
		t.Fatal("Ensure() succeeded with nothing listening and auto-launch off")
	}
	if !strings.Contains(err.Error(), strconv.Itoa(port)) {
		t.Fatalf("error %q does not name port %d", err, port)
	}
	if !strings.Contains(err.Error(), "auto-launch is disabled") {
		t.Fatalf("error %q does not explain auto-launch is off", err)
	}
	if l.Started() {
		t.Fatal("launcher reports started after failed Ensure")
	}
}

func TestEnsureReusesListeningPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	l := NewLauncher(Config{
		DebugAddress: "127.0.0.1",
		DebugPort:    port,
		AutoLaunch:   false,
	})

	url, err := l.Ensure(context.Background())
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	want := "http://127.0.0.1:" + strconv.Itoa(port)
	if url != want {
		t.Fatalf("Ensure() url = %q, want %q", url, want)
	}
	if l.Started() {
		t.Fatal("launcher claims ownership of a browser it did not launch")
	}
}

func TestIsPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	if !isPortInUse("127.0.0.1", port) {
		t.Fatal("isPortInUse() = false for a listening port")
	}
	_ = ln.Close()
	if isPortInUse("127.0.0.1", port) {
		t.Fatal("isPortInUse() = true after listener closed")
	}
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	l := NewLauncher(Config{DebugAddress: "127.0.0.1", DebugPort: freePort(t)})
	l.Stop() // must not panic or kill anything
	if l.Started() {
		t.Fatal("launcher reports started after bare Stop")
	}
}
