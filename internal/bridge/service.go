package bridge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/browser_bridge/internal/backend"
	"github.com/dgnsrekt/browser_bridge/internal/relay"
	"github.com/dgnsrekt/browser_bridge/internal/snapshot"
)

// Status summarizes the bridge for the status endpoint.
type Status struct {
	Mode               string `json:"mode"`
	Ready              bool   `json:"ready"`
	Tabs               int    `json:"tabs"`
	ExtensionConnected bool   `json:"extension_connected"`
	RelayClients       int    `json:"relay_clients"`
}

// Service exposes the tab operations the HTTP API serves. It delegates the
// browser work to the active backend and keeps snapshots on disk.
type Service struct {
	mode    string
	backend backend.Backend
	relay   *relay.Relay // nil in direct mode
	store   *snapshot.Store
}

// NewService wires a backend and snapshot store together. relay may be nil
// when the backend talks CDP directly.
func NewService(mode string, b backend.Backend, r *relay.Relay, store *snapshot.Store) *Service {
	return &Service{mode: mode, backend: b, relay: r, store: store}
}

func (s *Service) ListTabs(ctx context.Context) ([]backend.TabInfo, error) {
	return s.backend.ListTabs(ctx)
}

func (s *Service) Navigate(ctx context.Context, tabID, url string) error {
	return s.backend.Navigate(ctx, tabID, url)
}

func (s *Service) Click(ctx context.Context, tabID string, x, y float64, button string, clickCount int) error {
	return s.backend.Click(ctx, tabID, x, y, backend.ClickOptions{Button: button, ClickCount: clickCount})
}

func (s *Service) Type(ctx context.Context, tabID, text string, delayMS int) error {
	return s.backend.Type(ctx, tabID, text, delayMS)
}

func (s *Service) Evaluate(ctx context.Context, tabID, expression string) (string, error) {
	return s.backend.Evaluate(ctx, tabID, expression)
}

func (s *Service) GetContent(ctx context.Context, tabID string) (string, error) {
	return s.backend.GetContent(ctx, tabID)
}

func (s *Service) Screenshot(ctx context.Context, tabID, format string, quality int, fullPage bool) ([]byte, string, error) {
	return s.backend.Screenshot(ctx, tabID, backend.ScreenshotOptions{Format: format, Quality: quality, FullPage: fullPage})
}

func (s *Service) CallExtensionTool(ctx context.Context, tabID, tool string, args map[string]any) (any, error) {
	return s.backend.CallExtensionTool(ctx, tabID, tool, args)
}

// TakeSnapshot captures a tab and persists the image with metadata so it can
// be fetched again later.
func (s *Service) TakeSnapshot(ctx context.Context, tabID, format string, quality int, fullPage bool, notes string) (snapshot.Meta, error) {
	data, mime, err := s.backend.Screenshot(ctx, tabID, backend.ScreenshotOptions{Format: format, Quality: quality, FullPage: fullPage})
	if err != nil {
		return snapshot.Meta{}, err
	}

	meta := snapshot.Meta{
		ID:        uuid.NewString(),
		TabID:     tabID,
		Format:    strings.TrimPrefix(mime, "image/"),
		SizeBytes: len(data),
		CreatedAt: time.Now().UTC(),
		FullPage:  fullPage,
		Notes:     notes,
	}

	// Best effort tab metadata for the sidecar.
	if tabs, tabsErr := s.backend.ListTabs(ctx); tabsErr == nil {
		for _, t := range tabs {
			if t.TabID == tabID {
				meta.URL = t.URL
				meta.Title = t.Title
				break
			}
		}
	}

	if err := s.store.Save(meta, data); err != nil {
		return snapshot.Meta{}, &backend.CodedError{Code: backend.CodeTransport, Message: "persist snapshot", Cause: err}
	}
	slog.Info("snapshot saved", "snapshot_id", meta.ID, "tab_id", tabID, "size_bytes", meta.SizeBytes)
	return meta, nil
}

func (s *Service) ListSnapshots(_ context.Context) ([]snapshot.Meta, error) {
	metas, err := s.store.List()
	if err != nil {
		return nil, &backend.CodedError{Code: backend.CodeTransport, Message: "list snapshots", Cause: err}
	}
	return metas, nil
}

func (s *Service) GetSnapshot(_ context.Context, id string) (snapshot.Meta, error) {
	meta, err := s.store.Get(id)
	if err != nil {
		return snapshot.Meta{}, snapshotErr(err)
	}
	return meta, nil
}

func (s *Service) ReadSnapshotImage(_ context.Context, id string) ([]byte, string, error) {
	data, format, err := s.store.ReadImage(id)
	if err != nil {
		return nil, "", snapshotErr(err)
	}
	return data, format, nil
}

func (s *Service) DeleteSnapshot(_ context.Context, id string) error {
	if err := s.store.Delete(id); err != nil {
		return snapshotErr(err)
	}
	return nil
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	st := Status{Mode: s.mode}
	if s.relay != nil {
		st.ExtensionConnected = s.relay.ExtensionConnected()
		st.RelayClients = s.relay.ClientCount()
		st.Ready = st.ExtensionConnected
	} else {
		st.Ready = true
	}
	if tabs, err := s.backend.ListTabs(ctx); err == nil {
		st.Tabs = len(tabs)
	} else {
		st.Ready = false
	}
	return st, nil
}

func snapshotErr(err error) error {
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		return &backend.CodedError{Code: backend.CodeSnapshotNotFound, Message: err.Error()}
	case strings.Contains(err.Error(), "invalid snapshot id"):
		return &backend.CodedError{Code: backend.CodeValidation, Message: err.Error()}
	default:
		return &backend.CodedError{Code: backend.CodeTransport, Message: err.Error()}
	}
}
