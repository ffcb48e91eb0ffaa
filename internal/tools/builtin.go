package tools

import (
	"context"
	"time"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

// Names of the tools offered to the model.
const (
	StockQuoteName = "StockQuote"
	WebSearchName  = "WebSearch"
	ASCIIArtName   = "ASCIIArt"
)

// Names of the tools exposed by the tool server.
const (
	RemoteGetStock    = "get_stock"
	RemoteWebSearch   = "web_search"
	RemoteGenerateArt = "generate_art"
	RemoteCalculate   = "calculate"
)

// DefaultTimeouts are the per-tool call bounds.
var DefaultTimeouts = map[string]time.Duration{
	StockQuoteName: 15 * time.Second,
	WebSearchName:  20 * time.Second,
	ASCIIArtName:   10 * time.Second,
	CalculatorName: 5 * time.Second,
}

// TimeoutFunc resolves the timeout of a tool, falling back to the default.
type TimeoutFunc func(name string, fallback time.Duration) time.Duration

// NewDefaultRegistry registers the local calculator and the three remote tools.
func NewDefaultRegistry(ctx context.Context, caller RemoteCaller, timeout TimeoutFunc, logger *zap.Logger) (*Registry, error) {
	if timeout == nil {
		timeout = func(_ string, fallback time.Duration) time.Duration { return fallback }
	}
	r := NewRegistry(logger)

	if err := r.RegisterLocal(ctx, NewCalculator(), timeout(CalculatorName, DefaultTimeouts[CalculatorName])); err != nil {
		return nil, err
	}

	remotes := []struct {
		info   *schema.ToolInfo
		remote Remote
	}{
		{
			info: &schema.ToolInfo{
				Name: StockQuoteName,
				Desc: "Get the latest stock quote (price, change, volume, company) for a ticker symbol.",
				ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
					"symbol": {Desc: "Ticker symbol, e.g. AAPL", Type: schema.String, Required: true},
				}),
			},
			remote: Remote{Tool: RemoteGetStock},
		},
		{
			info: &schema.ToolInfo{
				Name: WebSearchName,
				Desc: "Search the web and return the top results; a URL query fetches that page.",
				ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
					"query": {Desc: "Natural language query or URL to search", Type: schema.String, Required: true},
				}),
			},
			remote: Remote{Tool: RemoteWebSearch},
		},
		{
			info: &schema.ToolInfo{
				Name: ASCIIArtName,
				Desc: "Render short text as ASCII art.",
				ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
					"text": {Desc: "Text to render", Type: schema.String, Required: true},
				}),
			},
			remote: Remote{Tool: RemoteGenerateArt, FixedArgs: map[string]any{"font": "block"}},
		},
	}
	for _, rt := range remotes {
		rt.remote.Caller = caller
		if err := r.RegisterRemote(rt.info, rt.remote, timeout(rt.info.Name, DefaultTimeouts[rt.info.Name])); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RemoteToolNames lists the server-side tools the registry depends on.
func RemoteToolNames() []string {
	return []string{RemoteGetStock, RemoteWebSearch, RemoteGenerateArt}
}
