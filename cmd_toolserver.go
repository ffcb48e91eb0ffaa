package main

import (
	"os"

	"github.com/spf13/cobra"

	"robustagent/internal/toolserver"
)

func newToolServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toolserver",
		Short: "Serve the remote tools over MCP on stdin/stdout",
		Long: `Runs the tool server that chat and serve launch as a child process. It exposes
get_stock, web_search, generate_art and calculate. Logs go to stderr; stdout
carries the protocol only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := toolserver.New(cmd.Context(), toolServerOptions(cfg, logger))
			if err != nil {
				return err
			}
			return srv.ServeStdio(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
}
