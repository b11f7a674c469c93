package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/browser_bridge/internal/api"
	"github.com/dgnsrekt/browser_bridge/internal/backend"
	"github.com/dgnsrekt/browser_bridge/internal/bridge"
	"github.com/dgnsrekt/browser_bridge/internal/browser"
	"github.com/dgnsrekt/browser_bridge/internal/config"
	"github.com/dgnsrekt/browser_bridge/internal/netutil"
	"github.com/dgnsrekt/browser_bridge/internal/relay"
	"github.com/dgnsrekt/browser_bridge/internal/snapshot"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load bridge config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("bridge config loaded",
		"mode", cfg.Mode,
		"bind_addr", cfg.BindAddr,
		"cdp_url", cfg.CDPURL(),
		"auto_launch", cfg.AutoLaunch,
		"command_timeout", cfg.CommandTimeout,
		"bind_auto_fallback", cfg.BindAutoFallback,
		"log_level", cfg.LogLevel,
		"snapshot_dir", cfg.SnapshotDir,
	)

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.BindCandidates, cfg.BindAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	var (
		be           backend.Backend
		rly          *relay.Relay
		relayHandler http.Handler
	)
	switch cfg.Mode {
	case config.ModeRelay:
		rly = relay.NewRelay(relay.Config{
			CommandTimeout: cfg.CommandTimeout,
			PingInterval:   cfg.PingInterval,
		})
		relayHandler = rly.Handler()
		be = backend.NewRelayBackend(rly)
	default:
		launcher := browser.NewLauncher(browser.Config{
			DebugAddress: cfg.CDPAddress,
			DebugPort:    cfg.CDPPort,
			AutoLaunch:   cfg.AutoLaunch,
			Headless:     cfg.Headless,
			ProfileDir:   cfg.ProfileDir,
			StartURL:     cfg.StartURL,
			WindowSize:   cfg.WindowSize,
		})
		be = backend.NewDirect(launcher)
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = be.Start(startCtx)
	startCancel()
	if err != nil {
		slog.Error("failed to start backend", "mode", cfg.Mode, "error", err)
		os.Exit(1)
	}
	defer be.Stop()

	snapStore, err := snapshot.NewStore(cfg.SnapshotDir)
	if err != nil {
		slog.Error("failed to create snapshot store", "dir", cfg.SnapshotDir, "error", err)
		os.Exit(1)
	}

	svc := bridge.NewService(cfg.Mode, be, rly, snapStore)
	h := api.NewServer(svc, relayHandler)

	srv := &http.Server{Addr: bindAddr, Handler: h}

	go func() {
		slog.Info("bridge listening", "addr", bindAddr, "mode", cfg.Mode, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("bridge server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("bridge shutdown failed", "error", err)
	}
}

func setupLogger(level, filename string) error {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	out := io.Writer(os.Stdout)
	if filename != "" {
		if err := os.MkdirAll("logs", 0o755); err != nil {
			return err
		}
		logWriter := &lumberjack.Logger{
			Filename:   filename,
			MaxSize:    25,
			MaxBackups: 10,
			MaxAge:     14,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, logWriter)
	}

	h := slog.NewTextHandler(out, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
