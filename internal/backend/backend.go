package backend

import "context"

// TabInfo describes one controllable browser tab.
type TabInfo struct {
	TabID    string `json:"tab_id"`
	Type     string `json:"type"`
	Title    string `json:"title,omitempty"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

// ScreenshotOptions controls image capture.
type ScreenshotOptions struct {
	Format   string `json:"format,omitempty"`
	Quality  int    `json:"quality,omitempty"`
	FullPage bool   `json:"full_page,omitempty"`
}

// ClickOptions controls pointer dispatch.
type ClickOptions struct {
	Button     string `json:"button,omitempty"`
	ClickCount int    `json:"click_count,omitempty"`
}

// Backend is the single operation contract the rest of the repository
// depends on. Two implementations exist: direct CDP and extension relay.
type Backend interface {
	Start(ctx context.Context) error
	Stop()

	ListTabs(ctx context.Context) ([]TabInfo, error)
	Screenshot(ctx context.Context, tabID string, opts ScreenshotOptions) ([]byte, string, error)
	Navigate(ctx context.Context, tabID, url string) error
	Click(ctx context.Context, tabID string, x, y float64, opts ClickOptions) error
	Type(ctx context.Context, tabID, text string, delayMS int) error
	Evaluate(ctx context.Context, tabID, expression string) (string, error)
	GetContent(ctx context.Context, tabID string) (string, error)
	CallExtensionTool(ctx context.Context, tabID, tool string, args map[string]any) (any, error)
}
