package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"
)

// Config holds browser launch configuration.
type Config struct {
	DebugAddress string
	DebugPort    int
	AutoLaunch   bool
	Headless     bool
	ProfileDir   string
	StartURL     string
	WindowSize   string
}

// Launcher makes sure a debuggable browser exists. Ensure is idempotent:
// if something is already listening on the debug port that instance is used
// and never touched by Stop; otherwise (with auto-launch enabled) a new
// process is spawned and owned by this launcher.
type Launcher struct {
	cfg Config

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool
}

// NewLauncher creates a browser launcher with the given config.
func NewLauncher(cfg Config) *Launcher {
	if cfg.WindowSize == "" {
		cfg.WindowSize = "1920,1080"
	}
	if cfg.StartURL == "" {
		cfg.StartURL = "about:blank"
	}
	if cfg.ProfileDir == "" {
		cfg.ProfileDir = filepath.Join(os.TempDir(), "browser_bridge_profile")
	}
	return &Launcher{cfg: cfg}
}

// detectBrowser finds an available Chrome/Chromium binary.
func detectBrowser() (string, error) {
	candidates := []string{"chromium-browser", "chromium", "google-chrome"}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(macPath); err == nil {
			return macPath, nil
		}
	}
	return "", fmt.Errorf("no supported browser found (tried chromium-browser, chromium, google-chrome)")
}

// isPortInUse checks whether a TCP port is already listening.
func isPortInUse(address string, port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", address, port), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// URL returns the debugger HTTP base URL for the configured port.
func (l *Launcher) URL() string {
	return fmt.Sprintf("http://%s:%d", l.cfg.DebugAddress, l.cfg.DebugPort)
}

// Ensure probes the debug port and returns the debugger URL of a reachable
// instance, launching one first when allowed. With auto-launch disabled and
// nothing listening it fails, naming the expected port.
func (l *Launcher) Ensure(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if isPortInUse(l.cfg.DebugAddress, l.cfg.DebugPort) {
		slog.Debug("browser already listening, reusing",
			"address", l.cfg.DebugAddress, "port", l.cfg.DebugPort)
		return l.URL(), nil
	}

	if !l.cfg.AutoLaunch {
		return "", fmt.Errorf("no debuggable browser on port %d and auto-launch is disabled; start one with --remote-debugging-port=%d or set BRIDGE_AUTO_LAUNCH=true",
			l.cfg.DebugPort, l.cfg.DebugPort)
	}

	if err := l.launchLocked(ctx); err != nil {
		return "", err
	}
	return l.URL(), nil
}

func (l *Launcher) launchLocked(ctx context.Context) error {
	browserPath, err := detectBrowser()
	if err != nil {
		return err
	}
	slog.Info("detected browser", "path", browserPath)

	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", l.cfg.DebugPort),
		fmt.Sprintf("--remote-debugging-address=%s", l.cfg.DebugAddress),
		fmt.Sprintf("--user-data-dir=%s", l.cfg.ProfileDir),
		"--no-first-run",
		"--disable-dev-shm-usage",
		"--disable-breakpad",
		"--disable-crash-reporter",
		fmt.Sprintf("--window-size=%s", l.cfg.WindowSize),
	}
	if l.cfg.Headless {
		args = append(args, "--headless=new")
	}
	args = append(args, l.cfg.StartURL)

	l.cmd = exec.Command(browserPath, args...)
	l.cmd.Stdout = os.Stdout
	l.cmd.Stderr = os.Stderr

	if err := l.cmd.Start(); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	l.started = true
	slog.Info("browser process started", "pid", l.cmd.Process.Pid, "headless", l.cfg.Headless)

	if err := l.waitForDebugger(ctx); err != nil {
		l.stopLocked()
		return fmt.Errorf("waiting for debug endpoint: %w", err)
	}
	slog.Info("debug endpoint ready",
		"address", l.cfg.DebugAddress, "port", l.cfg.DebugPort)

	return nil
}

// waitForDebugger polls the /json/version endpoint until it responds.
func (l *Launcher) waitForDebugger(ctx context.Context) error {
	url := l.URL() + "/json/version"
	deadline := time.After(15 * time.Second)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	client := &http.Client{Timeout: time.Second}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("debug endpoint did not become ready within 15s at %s", url)
		case <-ticker.C:
			resp, err := client.Get(url)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

// Started reports whether this launcher spawned a browser process.
func (l *Launcher) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

// Stop terminates the browser process with SIGTERM, falling back to SIGKILL.
// A pre-existing instance that Ensure merely discovered is left alone.
func (l *Launcher) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

func (l *Launcher) stopLocked() {
	if !l.started || l.cmd == nil || l.cmd.Process == nil {
		return
	}
	slog.Info("stopping browser", "pid", l.cmd.Process.Pid)
	_ = l.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = l.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("browser stopped gracefully")
	case <-time.After(5 * time.Second):
		slog.Warn("browser did not exit, sending SIGKILL")
		_ = l.cmd.Process.Kill()
		<-done
	}
	l.started = false
}
