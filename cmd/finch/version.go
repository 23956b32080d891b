package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/finchdb/finch/internal/server"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "finch %s\n", server.Version)
		},
	}
}
