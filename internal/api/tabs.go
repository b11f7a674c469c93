package api

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/browser_bridge/internal/backend"
)

func registerTabHandlers(api huma.API, svc Service) {
	type listTabsOutput struct {
		Body struct {
			Tabs []backend.TabInfo `json:"tabs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List open tabs", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*listTabsOutput, error) {
			tabs, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listTabsOutput{}
			out.Body.Tabs = tabs
			if out.Body.Tabs == nil {
				out.Body.Tabs = []backend.TabInfo{}
			}
			return out, nil
		})

	type navigateInput struct {
		TabID string `path:"tab_id"`
		Body  struct {
			URL string `json:"url" doc:"Destination URL"`
		}
	}
	type statusOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "navigate-tab", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/navigate", Summary: "Navigate a tab to a URL", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *navigateInput) (*statusOutput, error) {
			if err := svc.Navigate(ctx, input.TabID, input.Body.URL); err != nil {
				return nil, mapErr(err)
			}
			out := &statusOutput{}
			out.Body.Status = "navigated"
			return out, nil
		})

	type clickInput struct {
		TabID string `path:"tab_id"`
		Body  struct {
			X          float64 `json:"x" doc:"Viewport X coordinate"`
			Y          float64 `json:"y" doc:"Viewport Y coordinate"`
			Button     string  `json:"button,omitempty" doc:"Mouse button: left (default), middle, or right" enum:"left,middle,right"`
			ClickCount int     `json:"click_count,omitempty" doc:"Number of clicks, 2 for double-click"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "click-tab", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/click", Summary: "Dispatch a trusted mouse click", Tags: []string{"Input"}},
		func(ctx context.Context, input *clickInput) (*statusOutput, error) {
			if err := svc.Click(ctx, input.TabID, input.Body.X, input.Body.Y, input.Body.Button, input.Body.ClickCount); err != nil {
				return nil, mapErr(err)
			}
			out := &statusOutput{}
			out.Body.Status = "clicked"
			return out, nil
		})

	type typeInput struct {
		TabID string `path:"tab_id"`
		Body  struct {
			Text    string `json:"text" doc:"Text to type into the focused element"`
			DelayMS int    `json:"delay_ms,omitempty" doc:"Per-character delay; 0 inserts the text at once"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "type-in-tab", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/type", Summary: "Type text into the focused element", Tags: []string{"Input"}},
		func(ctx context.Context, input *typeInput) (*statusOutput, error) {
			if err := svc.Type(ctx, input.TabID, input.Body.Text, input.Body.DelayMS); err != nil {
				return nil, mapErr(err)
			}
			out := &statusOutput{}
			out.Body.Status = "typed"
			return out, nil
		})

	type evaluateInput struct {
		TabID string `path:"tab_id"`
		Body  struct {
			Expression string `json:"expression" doc:"JavaScript expression to evaluate"`
		}
	}
	type evaluateOutput struct {
		Body struct {
			Result string `json:"result"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "evaluate-in-tab", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/evaluate", Summary: "Evaluate JavaScript in a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *evaluateInput) (*evaluateOutput, error) {
			result, err := svc.Evaluate(ctx, input.TabID, input.Body.Expression)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &evaluateOutput{}
			out.Body.Result = result
			return out, nil
		})

	type contentOutput struct {
		Body struct {
			Content string `json:"content"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "get-tab-content", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/content", Summary: "Get the serialized HTML of a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*contentOutput, error) {
			html, err := svc.GetContent(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &contentOutput{}
			out.Body.Content = html
			return out, nil
		})

	type screenshotInput struct {
		TabID string `path:"tab_id"`
		Body  struct {
			Format   string `json:"format,omitempty" doc:"Image format: png (default) or jpeg"`
			Quality  int    `json:"quality,omitempty" doc:"JPEG quality 1-100 (ignored for PNG)"`
			FullPage bool   `json:"full_page,omitempty" doc:"Capture full scrollable page"`
		}
	}
	type screenshotOutput struct {
		Body struct {
			Data     string `json:"data" doc:"Base64-encoded image bytes"`
			MimeType string `json:"mime_type"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "screenshot-tab", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/screenshot", Summary: "Capture a tab screenshot", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *screenshotInput) (*screenshotOutput, error) {
			data, mime, err := svc.Screenshot(ctx, input.TabID, input.Body.Format, input.Body.Quality, input.Body.FullPage)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &screenshotOutput{}
			out.Body.Data = base64.StdEncoding.EncodeToString(data)
			out.Body.MimeType = mime
			return out, nil
		})

	type toolInput struct {
		TabID string `path:"tab_id"`
		Body  struct {
			Tool string         `json:"tool" doc:"Extension tool name"`
			Args map[string]any `json:"args,omitempty" doc:"Tool arguments, passed through verbatim"`
		}
	}
	type toolOutput struct {
		Body struct {
			Result any `json:"result"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "call-extension-tool", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/extension_tool", Summary: "Invoke an extension-provided tool", Description: "Relay mode only. Forwards the tool name and arguments to the extension for interpretation.", Tags: []string{"Extension"}},
		func(ctx context.Context, input *toolInput) (*toolOutput, error) {
			result, err := svc.CallExtensionTool(ctx, input.TabID, input.Body.Tool, input.Body.Args)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &toolOutput{}
			out.Body.Result = result
			return out, nil
		})
}
