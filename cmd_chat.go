package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"robustagent/internal/memory"
	"robustagent/internal/models"
	"robustagent/internal/pipeline"
)

func newChatCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent in the terminal",
		Long: `Starts an interactive chat. Besides free text the prompt understands:
  quit, exit      leave the chat
  clear           forget the current session's history
  new             start a fresh session
  switch <id>     continue another session
  sessions        list stored sessions
  history         show the current context window
  display         print the turn state graph`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), sessionID, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "resume an existing session id")
	return cmd
}

func runChat(ctx context.Context, sessionID string, out io.Writer) error {
	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	chat := newChatSession(rt.pipeline, rt.history, sessionID, out)
	chat.banner()
	for {
		input, err := line.Prompt("USER: ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			fmt.Fprintln(chat.out, "Goodbye! 👋")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if strings.TrimSpace(input) != "" {
			line.AppendHistory(input)
		}
		quit, err := chat.handle(ctx, input)
		if err != nil {
			fmt.Fprintf(chat.out, "❌ %v\n", err)
		}
		if quit || ctx.Err() != nil {
			return nil
		}
	}
}

type turnRunner interface {
	Run(ctx context.Context, sessionID, input string) (*pipeline.Result, error)
}

// chatSession is the REPL state: which session is active and where to print.
type chatSession struct {
	runner    turnRunner
	history   memory.History
	sessionID string
	out       io.Writer
	now       func() time.Time
}

func newChatSession(runner turnRunner, history memory.History, sessionID string, out io.Writer) *chatSession {
	s := &chatSession{runner: runner, history: history, out: out, now: time.Now}
	if sessionID == "" {
		sessionID = models.NewSessionID(s.now())
	}
	s.sessionID = sessionID
	return s
}

func (s *chatSession) banner() {
	fmt.Fprintln(s.out, "🤖 Robust Agent - Interactive Mode")
	fmt.Fprintf(s.out, "Session: %s\n", s.sessionID)
	fmt.Fprintln(s.out, "Type 'quit' to exit, 'clear' to clear memory, 'new' for a new session")
	fmt.Fprintln(s.out)
}

// handle dispatches one line. It reports whether the chat should end.
func (s *chatSession) handle(ctx context.Context, input string) (bool, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return false, nil
	}
	command, arg, _ := strings.Cut(trimmed, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(command) {
	case "quit", "exit":
		if arg == "" {
			fmt.Fprintln(s.out, "Goodbye! 👋")
			return true, nil
		}
	case "clear":
		if arg == "" {
			if err := s.history.Clear(ctx, s.sessionID); err != nil {
				return false, err
			}
			fmt.Fprintln(s.out, "✅ Memory cleared!")
			return false, nil
		}
	case "new":
		if arg == "" {
			s.sessionID = models.NewSessionID(s.now())
			fmt.Fprintf(s.out, "✅ New session: %s\n", s.sessionID)
			return false, nil
		}
	case "switch":
		if arg != "" && !strings.Contains(arg, " ") {
			s.sessionID = arg
			count, err := s.history.CountMessages(ctx, arg)
			if err != nil {
				return false, err
			}
			fmt.Fprintf(s.out, "✅ Switched to session %s (%d stored messages)\n", arg, count)
			return false, nil
		}
	case "sessions":
		if arg == "" {
			return false, s.listSessions(ctx)
		}
	case "history":
		if arg == "" {
			return false, s.showHistory(ctx)
		}
	case "display":
		if arg == "" {
			fmt.Fprint(s.out, pipeline.Mermaid())
			fmt.Fprintln(s.out, "✅ Agent graph displayed!")
			return false, nil
		}
	}

	res, err := s.runner.Run(ctx, s.sessionID, input)
	if res != nil && res.Reply != "" {
		fmt.Fprintf(s.out, "ASSISTANT: %s\n", res.Reply)
	}
	return false, err
}

func (s *chatSession) listSessions(ctx context.Context) error {
	sessions, err := s.history.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(s.out, "No stored sessions.")
		return nil
	}
	printSessions(s.out, sessions, s.sessionID)
	return nil
}

func (s *chatSession) showHistory(ctx context.Context) error {
	messages, err := s.history.LoadWindow(ctx, s.sessionID, 0)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		fmt.Fprintln(s.out, "No history in this session.")
		return nil
	}
	printMessages(s.out, messages)
	return nil
}
