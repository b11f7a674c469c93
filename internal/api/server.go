package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/browser_bridge/internal/backend"
	"github.com/dgnsrekt/browser_bridge/internal/bridge"
	"github.com/dgnsrekt/browser_bridge/internal/snapshot"
)

type Service interface {
	ListTabs(ctx context.Context) ([]backend.TabInfo, error)
	Navigate(ctx context.Context, tabID, url string) error
	Click(ctx context.Context, tabID string, x, y float64, button string, clickCount int) error
	Type(ctx context.Context, tabID, text string, delayMS int) error
	Evaluate(ctx context.Context, tabID, expression string) (string, error)
	GetContent(ctx context.Context, tabID string) (string, error)
	Screenshot(ctx context.Context, tabID, format string, quality int, fullPage bool) ([]byte, string, error)
	CallExtensionTool(ctx context.Context, tabID, tool string, args map[string]any) (any, error)
	TakeSnapshot(ctx context.Context, tabID, format string, quality int, fullPage bool, notes string) (snapshot.Meta, error)
	ListSnapshots(ctx context.Context) ([]snapshot.Meta, error)
	GetSnapshot(ctx context.Context, id string) (snapshot.Meta, error)
	ReadSnapshotImage(ctx context.Context, id string) ([]byte, string, error)
	DeleteSnapshot(ctx context.Context, id string) error
	Status(ctx context.Context) (bridge.Status, error)
}

type tabIDInput struct {
	TabID string `path:"tab_id" doc:"Target id of the tab"`
}

// NewServer builds the HTTP surface. relayHandler, when non-nil, serves the
// extension and automation WebSocket endpoints plus CDP discovery alongside
// the REST API on the same listener.
func NewServer(svc Service, relayHandler http.Handler) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Browser Bridge API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	if relayHandler != nil {
		for _, path := range []string{"/extension", "/cdp", "/json/version", "/json/list", "/json", "/status"} {
			router.Handle(path, relayHandler)
		}
	}

	registerTabHandlers(api, svc)
	registerSnapshotHandlers(api, svc)
	registerMiscHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *backend.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case backend.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case backend.CodeTabNotFound, backend.CodeSnapshotNotFound:
			return huma.Error404NotFound(coded.Message)
		case backend.CodeUnavailable:
			return huma.Error503ServiceUnavailable(coded.Message)
		case backend.CodeTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case backend.CodeTransport:
			return huma.Error502BadGateway(coded.Message)
		case backend.CodeUnsupported:
			return huma.Error501NotImplemented(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
