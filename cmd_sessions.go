package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"robustagent/internal/memory"
	"robustagent/internal/models"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and clear stored conversations",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemory(cfg, logger)
			if err != nil {
				return err
			}
			defer mem.Close()
			sessions, err := mem.history.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No stored sessions.")
				return nil
			}
			printSessions(cmd.OutOrStdout(), sessions, "")
			return nil
		},
	}

	var turns int
	showCmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the most recent turns of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if turns < 0 || turns > memory.MaxWindowTurns {
				return fmt.Errorf("--turns must be between 1 and %d (0 uses memory.window_size)", memory.MaxWindowTurns)
			}
			mem, err := openMemory(cfg, logger)
			if err != nil {
				return err
			}
			defer mem.Close()
			messages, err := mem.history.LoadWindow(cmd.Context(), args[0], turns)
			if err != nil {
				return err
			}
			if len(messages) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No messages in session %s.\n", args[0])
				return nil
			}
			printMessages(cmd.OutOrStdout(), messages)
			return nil
		},
	}
	showCmd.Flags().IntVarP(&turns, "turns", "n", 0, "number of turns to show (default memory.window_size)")

	clearCmd := &cobra.Command{
		Use:   "clear <session-id>",
		Short: "Delete every stored message of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemory(cfg, logger)
			if err != nil {
				return err
			}
			defer mem.Close()
			if err := mem.history.Clear(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Session %s cleared\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(listCmd, showCmd, clearCmd)
	return cmd
}

func printSessions(out io.Writer, sessions []models.SessionSummary, current string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tMESSAGES\tFIRST\tLAST")
	for _, s := range sessions {
		id := s.ID
		if id == current {
			id += " *"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", id, s.MessageCount,
			s.FirstAt.Local().Format(time.DateTime), s.LastAt.Local().Format(time.DateTime))
	}
	w.Flush()
}

func printMessages(out io.Writer, messages []*models.Message) {
	for _, m := range messages {
		fmt.Fprintf(out, "[%s] %s: %s\n", m.CreatedAt.Local().Format(time.DateTime), strings.ToUpper(string(m.Role)), m.Content)
	}
}
