package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"robustagent/internal/logging"
)

// Dialer opens a transport-level connection to a tool server.
type Dialer func(ctx context.Context) (*client.Client, error)

// StdioDialer launches command as a child process speaking MCP over stdio.
func StdioDialer(command string, args, env []string) Dialer {
	return func(ctx context.Context) (*client.Client, error) {
		c, err := client.NewStdioMCPClient(command, env, args...)
		if err != nil {
			return nil, fmt.Errorf("start tool server %s: %w", command, err)
		}
		return c, nil
	}
}

// InProcessDialer connects to a server running in this process.
func InProcessDialer(srv *server.MCPServer) Dialer {
	return func(ctx context.Context) (*client.Client, error) {
		c, err := client.NewInProcessClient(srv)
		if err != nil {
			return nil, fmt.Errorf("create in-process client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("start in-process client: %w", err)
		}
		return c, nil
	}
}

// Client is a lazily connected MCP session shared by all remote tools.
// The first call dials and initializes; later calls reuse the session. A
// transport failure drops the session so the next call dials again.
type Client struct {
	dial     Dialer
	name     string
	version  string
	expected []string
	logger   *zap.Logger

	mu    sync.Mutex
	conn  *client.Client
	tools map[string]mcp.Tool
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

// WithExpectedTools makes the client warn when the server lacks a tool.
func WithExpectedTools(names ...string) Option {
	return func(c *Client) { c.expected = names }
}

func WithClientInfo(name, version string) Option {
	return func(c *Client) {
		c.name = name
		c.version = version
	}
}

func New(dial Dialer, opts ...Option) *Client {
	c := &Client{
		dial:    dial,
		name:    "robustagent",
		version: "1.0.0",
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) session(ctx context.Context) (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: c.name, Version: c.version}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	info, err := conn.Initialize(ctx, initReq)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize tool session: %w", err)
	}

	listed, err := conn.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("list tools: %w", err)
	}
	tools := make(map[string]mcp.Tool, len(listed.Tools))
	for _, t := range listed.Tools {
		tools[t.Name] = t
	}
	for _, name := range c.expected {
		if _, ok := tools[name]; !ok {
			c.logger.Warn("tool server does not expose expected tool", zap.String("tool", name))
		}
	}

	c.logger.Info("tool session established",
		zap.String("server", info.ServerInfo.Name),
		zap.Int("tools", len(tools)))
	c.conn = conn
	c.tools = tools
	return conn, nil
}

// Tools lists the tools the server declared, connecting if needed.
func (c *Client) Tools(ctx context.Context) ([]mcp.Tool, error) {
	if _, err := c.session(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]mcp.Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	return out, nil
}

// CallTool invokes a server tool and joins its text content. A result the
// server flags as an error is returned as an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	conn, err := c.session(ctx)
	if err != nil {
		return "", err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := conn.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			c.drop(conn, err)
		}
		return "", fmt.Errorf("call tool %s: %w", name, err)
	}

	text := joinText(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", errors.New(text)
	}
	return text, nil
}

func (c *Client) drop(conn *client.Client, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.logger.Warn("dropping tool session", zap.Error(cause))
	conn.Close()
	c.conn = nil
	c.tools = nil
}

// Close shuts the session down; the client may dial again afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.tools = nil
	return err
}

func joinText(contents []mcp.Content) string {
	parts := make([]string, 0, len(contents))
	for _, content := range contents {
		switch tc := content.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
