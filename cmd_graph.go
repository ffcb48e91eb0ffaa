package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"robustagent/internal/pipeline"
)

func newGraphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Print the turn state machine as a mermaid diagram",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), pipeline.Mermaid())
			return err
		},
	}
}
