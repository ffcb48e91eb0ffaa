package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robustagent/internal/mcpclient"
	"robustagent/internal/tools"
)

const chartFixture = `{"chart":{"result":[{"meta":{"symbol":"AAPL","regularMarketPrice":190.5,
"chartPreviousClose":188.25,"regularMarketVolume":51234567,"longName":"Apple Inc."}}],"error":null}}`

func newQuoteServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/AAPL"):
			w.Write([]byte(chartFixture))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fakeSearch struct {
	out string
	err error
}

func (f *fakeSearch) Info(context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: "fake"}, nil
}

func (f *fakeSearch) InvokableRun(context.Context, string, ...tool.Option) (string, error) {
	return f.out, f.err
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	quotes := newQuoteServer(t)
	s, err := New(context.Background(), Options{QuoteBaseURL: quotes.URL})
	require.NoError(t, err)
	s.search.duck = &fakeSearch{out: `[{"title":"Go","url":"https://go.dev"}]`}
	return s
}

func newTestClient(t *testing.T, s *Server) *mcpclient.Client {
	t.Helper()
	c := mcpclient.New(mcpclient.InProcessDialer(s.MCP()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestToolServerListsTools(t *testing.T) {
	c := newTestClient(t, newTestServer(t))
	listed, err := c.Tools(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(listed))
	for _, tl := range listed {
		names = append(names, tl.Name)
	}
	assert.ElementsMatch(t, []string{"get_stock", "generate_art", "web_search", "calculate"}, names)
}

func TestGetStock(t *testing.T) {
	c := newTestClient(t, newTestServer(t))

	out, err := c.CallTool(context.Background(), tools.RemoteGetStock, map[string]any{"symbol": "aapl"})
	require.NoError(t, err)
	var q Quote
	require.NoError(t, json.Unmarshal([]byte(out), &q))
	assert.Equal(t, Quote{Symbol: "AAPL", Price: 190.5, Change: 2.25, Volume: 51234567, Company: "Apple Inc."}, q)

	// default symbol
	out, err = c.CallTool(context.Background(), tools.RemoteGetStock, map[string]any{})
	require.NoError(t, err)
	assert.Contains(t, out, `"symbol":"AAPL"`)

	_, err = c.CallTool(context.Background(), tools.RemoteGetStock, map[string]any{"symbol": "ZZZZ"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No data found")
}

func TestGenerateArt(t *testing.T) {
	c := newTestClient(t, newTestServer(t))
	out, err := c.CallTool(context.Background(), tools.RemoteGenerateArt, map[string]any{"text": "Hi", "font": "block"})
	require.NoError(t, err)
	var art map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &art))
	assert.NotEmpty(t, strings.TrimSpace(art["art"]))

	_, err = c.CallTool(context.Background(), tools.RemoteGenerateArt, map[string]any{"text": strings.Repeat("x", maxArtLength+1)})
	assert.Error(t, err)
}

func TestCalculate(t *testing.T) {
	c := newTestClient(t, newTestServer(t))
	out, err := c.CallTool(context.Background(), tools.RemoteCalculate, map[string]any{"expression": "2*(3+4)"})
	require.NoError(t, err)
	assert.Equal(t, `{"expression":"2*(3+4)","result":14}`, out)

	_, err = c.CallTool(context.Background(), tools.RemoteCalculate, map[string]any{"expression": "2 +"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Calculation failed")
}

func TestWebSearchFallsBack(t *testing.T) {
	s := newTestServer(t)
	s.search.google = &fakeSearch{err: errors.New("quota exceeded")}
	c := newTestClient(t, s)

	out, err := c.CallTool(context.Background(), tools.RemoteWebSearch, map[string]any{"query": "golang"})
	require.NoError(t, err)
	assert.Contains(t, out, "go.dev")

	s.search.duck = &fakeSearch{err: errors.New("rate limited")}
	_, err = c.CallTool(context.Background(), tools.RemoteWebSearch, map[string]any{"query": "golang"})
	assert.Error(t, err)
}

func TestWebSearchFetchesURL(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>hello page</html>"))
	}))
	defer page.Close()

	s := newTestServer(t)
	out, err := s.search.run(context.Background(), page.URL)
	require.NoError(t, err)
	assert.Equal(t, "<html>hello page</html>", out)

	_, err = s.search.run(context.Background(), "   ")
	assert.Error(t, err)
}

func TestRegistryOverToolServer(t *testing.T) {
	c := newTestClient(t, newTestServer(t))
	r, err := tools.NewDefaultRegistry(context.Background(), c, nil, nil)
	require.NoError(t, err)

	out := r.Invoke(context.Background(), tools.StockQuoteName, `{"symbol":"AAPL"}`)
	assert.Contains(t, out, "Apple Inc.")

	out = r.Invoke(context.Background(), tools.ASCIIArtName, `{"text":"ok"}`)
	assert.False(t, tools.IsError(out), out)

	out = r.Invoke(context.Background(), tools.StockQuoteName, `{"symbol":"ZZZZ"}`)
	assert.True(t, tools.IsError(out), out)
}
