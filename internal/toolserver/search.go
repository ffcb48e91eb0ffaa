package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"go.uber.org/zap"
)

const webSearchHTTPTimeout = 10 * time.Second

// webSearch queries Google when credentials are configured and falls back
// to DuckDuckGo. A query that is a URL is fetched directly.
type webSearch struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
	logger     *zap.Logger
}

func newWebSearch(ctx context.Context, opts Options, logger *zap.Logger) (*webSearch, error) {
	ws := &webSearch{httpClient: opts.HTTPClient, logger: logger}
	if ws.httpClient == nil {
		ws.httpClient = &http.Client{Timeout: webSearchHTTPTimeout}
	}

	if opts.GoogleAPIKey != "" && opts.GoogleSearchEngineID != "" {
		googleTool, err := googlesearch.NewTool(ctx, &googlesearch.Config{
			ToolName:       "web_search_google",
			ToolDesc:       "Google Search Tool",
			APIKey:         opts.GoogleAPIKey,
			SearchEngineID: opts.GoogleSearchEngineID,
			Lang:           "en",
			Num:            3,
		})
		if err != nil {
			return nil, fmt.Errorf("init google search: %w", err)
		}
		ws.google = googleTool
	} else {
		logger.Info("google search disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
	}

	duckTool, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    webSearchHTTPTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init duckduckgo search: %w", err)
	}
	ws.duck = duckTool
	return ws, nil
}

func (w *webSearch) run(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}

	if looksLikeURL(query) {
		if content, err := w.fetchURL(ctx, query); err == nil {
			return content, nil
		} else {
			w.logger.Warn("web url loader failed", zap.Error(err))
		}
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	if w.google != nil {
		if result, err := w.google.InvokableRun(ctx, payload); err == nil {
			return result, nil
		} else {
			w.logger.Warn("google search failed", zap.Error(err))
		}
	}
	if w.duck != nil {
		if result, err := w.duck.InvokableRun(ctx, payload); err == nil {
			return result, nil
		} else {
			w.logger.Warn("duckduckgo search failed", zap.Error(err))
		}
	}
	return "", errors.New("search failed: no search provider succeeded")
}

func (w *webSearch) fetchURL(ctx context.Context, target string) (string, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported url scheme")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "robustagent-websearch/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch url: %s", resp.Status)
	}

	const maxBodySize = 64 * 1024
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
