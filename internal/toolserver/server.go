package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"robustagent/internal/logging"
	"robustagent/internal/tools"
)

const (
	ServerName    = "robustagent_tool_server"
	ServerVersion = "1.0.0"

	defaultSymbol = "AAPL"
	defaultFont   = "block"
	maxArtLength  = 64
)

// Options configures the tool server.
type Options struct {
	QuoteBaseURL         string
	GoogleAPIKey         string
	GoogleSearchEngineID string
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

// Server exposes get_stock, web_search, generate_art and calculate over MCP.
type Server struct {
	mcp    *server.MCPServer
	quotes *quoteClient
	search *webSearch
	logger *zap.Logger
}

func New(ctx context.Context, opts Options) (*Server, error) {
	logger := logging.OrNop(opts.Logger)
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	baseURL := opts.QuoteBaseURL
	if baseURL == "" {
		baseURL = "https://query1.finance.yahoo.com"
	}
	search, err := newWebSearch(ctx, opts, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		mcp:    server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(false), server.WithRecovery()),
		quotes: &quoteClient{baseURL: baseURL, httpClient: httpClient},
		search: search,
		logger: logger,
	}
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool(tools.RemoteGetStock,
		mcp.WithDescription("Get the latest stock quote for a ticker symbol"),
		mcp.WithString("symbol", mcp.Description("Ticker symbol, e.g. AAPL"), mcp.DefaultString(defaultSymbol)),
	), s.handleGetStock)

	s.mcp.AddTool(mcp.NewTool(tools.RemoteGenerateArt,
		mcp.WithDescription("Render text as ASCII art"),
		mcp.WithString("text", mcp.Required(), mcp.Description("Text to render")),
		mcp.WithString("font", mcp.Description("Figlet font name"), mcp.DefaultString(defaultFont)),
	), s.handleGenerateArt)

	s.mcp.AddTool(mcp.NewTool(tools.RemoteWebSearch,
		mcp.WithDescription("Search the web and return the top results"),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query or URL")),
	), s.handleWebSearch)

	s.mcp.AddTool(mcp.NewTool(tools.RemoteCalculate,
		mcp.WithDescription("Evaluate an arithmetic expression"),
		mcp.WithString("expression", mcp.Required(), mcp.Description("Expression such as 2*(3+4)")),
	), s.handleCalculate)
}

// MCP returns the underlying server, e.g. for an in-process client.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio serves MCP over the given streams until ctx is done or in closes.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(zap.NewStdLog(s.logger))
	s.logger.Info("tool server listening on stdio",
		zap.Strings("tools", []string{tools.RemoteGetStock, tools.RemoteGenerateArt, tools.RemoteWebSearch, tools.RemoteCalculate}))
	return stdio.Listen(ctx, in, out)
}

func (s *Server) handleGetStock(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	symbol := req.GetString("symbol", defaultSymbol)
	quote, err := s.quotes.fetch(ctx, symbol)
	if err != nil {
		s.logger.Warn("get_stock failed", zap.String("symbol", symbol), zap.Error(err))
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(quote)
}

func (s *Server) handleGenerateArt(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return mcp.NewToolResultError("text must not be empty"), nil
	}
	if len([]rune(text)) > maxArtLength {
		return mcp.NewToolResultError(fmt.Sprintf("text longer than %d characters", maxArtLength)), nil
	}
	font := req.GetString("font", defaultFont)
	// non-strict: unknown fonts fall back to the standard font
	art := figure.NewFigure(text, font, false).String()
	return jsonResult(map[string]string{"art": art})
}

func (s *Server) handleWebSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.search.run(ctx, query)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(result), nil
}

func (s *Server) handleCalculate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	expression, err := req.RequireString("expression")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := tools.Calculate(expression)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Calculation failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"result": result, "expression": expression})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}
