package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"robustagent/internal/config"
	"robustagent/internal/memory"
	"robustagent/internal/models"
	"robustagent/internal/pipeline"
)

type recordingRunner struct {
	history memory.History
	calls   []string
	err     error
}

func (r *recordingRunner) Run(ctx context.Context, sessionID, input string) (*pipeline.Result, error) {
	r.calls = append(r.calls, sessionID+"|"+input)
	if r.err != nil {
		return &pipeline.Result{SessionID: sessionID}, r.err
	}
	if _, err := r.history.Append(ctx, sessionID, models.RoleUser, input); err != nil {
		return nil, err
	}
	if _, err := r.history.Append(ctx, sessionID, models.RoleAssistant, "ok: "+input); err != nil {
		return nil, err
	}
	return &pipeline.Result{SessionID: sessionID, Reply: "ok: " + input, Persisted: true}, nil
}

func newTestChat(t *testing.T) (*chatSession, *recordingRunner, *bytes.Buffer) {
	t.Helper()
	mem, err := openMemory(&config.Config{
		Database: config.DatabaseConfig{Driver: "sqlite3", DSN: ":memory:"},
		Memory:   config.MemoryConfig{WindowSize: 5},
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	runner := &recordingRunner{history: mem.history}
	out := &bytes.Buffer{}
	return newChatSession(runner, mem.history, "s1", out), runner, out
}

func TestChatRunsFreeText(t *testing.T) {
	chat, runner, out := newTestChat(t)
	quit, err := chat.handle(context.Background(), "  What is 2 + 2?  ")
	require.NoError(t, err)
	assert.False(t, quit)
	// the raw line goes to the pipeline, which does its own sanitizing
	assert.Equal(t, []string{"s1|  What is 2 + 2?  "}, runner.calls)
	assert.Contains(t, out.String(), "ASSISTANT: ok:")
}

func TestChatCommands(t *testing.T) {
	chat, runner, out := newTestChat(t)
	ctx := context.Background()

	_, err := chat.handle(ctx, "hello there")
	require.NoError(t, err)

	_, err = chat.handle(ctx, "history")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "USER: hello there")

	_, err = chat.handle(ctx, "sessions")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "s1 *")

	_, err = chat.handle(ctx, "clear")
	require.NoError(t, err)
	count, err := chat.history.CountMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = chat.handle(ctx, "new")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(chat.sessionID, "session_"), chat.sessionID)

	_, err = chat.handle(ctx, "switch s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", chat.sessionID)

	_, err = chat.handle(ctx, "display")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "stateDiagram-v2")

	quit, err := chat.handle(ctx, "QUIT")
	require.NoError(t, err)
	assert.True(t, quit)

	// only the first line reached the pipeline
	assert.Len(t, runner.calls, 1)
}

func TestChatCommandWordsInSentencesAreText(t *testing.T) {
	chat, runner, _ := newTestChat(t)
	for _, line := range []string{"clear the table please", "new ideas for dinner", "switch to a b"} {
		quit, err := chat.handle(context.Background(), line)
		require.NoError(t, err)
		assert.False(t, quit)
	}
	assert.Len(t, runner.calls, 3)
}

func TestChatSkipsBlankLines(t *testing.T) {
	chat, runner, out := newTestChat(t)
	quit, err := chat.handle(context.Background(), "   ")
	require.NoError(t, err)
	assert.False(t, quit)
	assert.Empty(t, runner.calls)
	assert.Empty(t, out.String())
}

func TestChatSurfacesTurnErrors(t *testing.T) {
	chat, runner, _ := newTestChat(t)
	runner.err = &pipeline.ModelError{Attempts: 1, Err: errors.New("unreachable")}
	_, err := chat.handle(context.Background(), "hello there")
	var modelErr *pipeline.ModelError
	assert.True(t, errors.As(err, &modelErr))
}

func TestGraphCommand(t *testing.T) {
	cmd := newGraphCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, pipeline.Mermaid(), out.String())
}
