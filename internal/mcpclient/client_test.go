package mcpclient

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEchoServer() *server.MCPServer {
	srv := server.NewMCPServer("echo", "0.0.1", server.WithToolCapabilities(false))
	srv.AddTool(mcp.NewTool("echo",
		mcp.WithString("text", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("echo: " + text), nil
	})
	srv.AddTool(mcp.NewTool("fail"), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("upstream unavailable"), nil
	})
	return srv
}

// countingDialer records how many sessions were opened.
func countingDialer(srv *server.MCPServer, dials *int32) Dialer {
	inner := InProcessDialer(srv)
	return func(ctx context.Context) (*client.Client, error) {
		atomic.AddInt32(dials, 1)
		return inner(ctx)
	}
}

func TestClientConnectsLazilyAndReusesSession(t *testing.T) {
	var dials int32
	c := New(countingDialer(newEchoServer(), &dials), WithExpectedTools("echo", "missing"))
	defer c.Close()
	assert.Equal(t, int32(0), atomic.LoadInt32(&dials))

	for i := 0; i < 3; i++ {
		out, err := c.CallTool(context.Background(), "echo", map[string]any{"text": "hi"})
		require.NoError(t, err)
		assert.Equal(t, "echo: hi", out)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&dials))

	listed, err := c.Tools(context.Background())
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestClientToolErrorIsReturnedAsError(t *testing.T) {
	c := New(InProcessDialer(newEchoServer()))
	defer c.Close()

	_, err := c.CallTool(context.Background(), "fail", nil)
	require.Error(t, err)
	assert.Equal(t, "upstream unavailable", err.Error())

	// a tool-level failure keeps the session
	out, err := c.CallTool(context.Background(), "echo", map[string]any{"text": "still here"})
	require.NoError(t, err)
	assert.Equal(t, "echo: still here", out)
}

func TestClientDialFailure(t *testing.T) {
	var attempts int32
	c := New(func(ctx context.Context) (*client.Client, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errors.New("no such binary")
	})
	_, err := c.CallTool(context.Background(), "echo", nil)
	require.Error(t, err)
	_, err = c.CallTool(context.Background(), "echo", nil)
	require.Error(t, err)
	// nothing cached after a failed dial
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestClientRedialsAfterClose(t *testing.T) {
	var dials int32
	c := New(countingDialer(newEchoServer(), &dials))
	_, err := c.CallTool(context.Background(), "echo", map[string]any{"text": "a"})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.CallTool(context.Background(), "echo", map[string]any{"text": "b"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&dials))
	require.NoError(t, c.Close())
}

func TestJoinText(t *testing.T) {
	got := joinText([]mcp.Content{
		mcp.NewTextContent("a"),
		mcp.NewImageContent("ZmFrZQ==", "image/png"),
		mcp.NewTextContent("b"),
	})
	assert.Equal(t, "a\nb", got)
}
