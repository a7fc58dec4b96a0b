package toolkit

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/tool/bingsearch"
	duckduckgo "github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"

	"crew/internal/config"
)

// NewSearchToolkit builds the web search toolkit for the configured provider.
func NewSearchToolkit(ctx context.Context, cfg config.SearchConfig) (*Toolkit, error) {
	impl, err := newSearchTool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tk := New("search")
	if err := tk.Add(ctx, impl); err != nil {
		return nil, err
	}
	return tk, nil
}

func newSearchTool(ctx context.Context, cfg config.SearchConfig) (tool.InvokableTool, error) {
	switch cfg.Provider {
	case "", "duckduckgo":
		return duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
			ToolName:   "web_search",
			ToolDesc:   "Search the web and return titles, links and snippets.",
			MaxResults: cfg.MaxResults,
			Timeout:    cfg.Timeout.Duration(),
		})
	case "google":
		if cfg.GoogleAPIKey == "" || cfg.GoogleEngineID == "" {
			return nil, fmt.Errorf("google search requires google_api_key and google_engine_id")
		}
		return googlesearch.NewTool(ctx, &googlesearch.Config{
			APIKey:         cfg.GoogleAPIKey,
			SearchEngineID: cfg.GoogleEngineID,
			Num:            cfg.MaxResults,
			ToolName:       "web_search",
			ToolDesc:       "Search the web and return titles, links and snippets.",
		})
	case "bing":
		if cfg.BingAPIKey == "" {
			return nil, fmt.Errorf("bing search requires bing_api_key")
		}
		return bingsearch.NewTool(ctx, &bingsearch.Config{
			APIKey:     cfg.BingAPIKey,
			MaxResults: cfg.MaxResults,
			ToolName:   "web_search",
			ToolDesc:   "Search the web and return titles, links and snippets.",
			Timeout:    cfg.Timeout.Duration(),
		})
	default:
		return nil, fmt.Errorf("unknown search provider %q", cfg.Provider)
	}
}
