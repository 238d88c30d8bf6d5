package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	mcpadapter "github.com/kirillkom/admissions-assistant/internal/adapters/mcp"
)

func newMCPCmd(factory retrievalFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve handbook tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := openRetrieval(cmd, factory)
			if err != nil {
				return err
			}
			defer svc.Close()

			handbook := svc.Handbook()
			status, err := handbook.Initialize(cmd.Context(), false)
			if err != nil {
				return fmt.Errorf("load index: %w", err)
			}
			slog.Info("mcp_server_starting", "chunks", status.Chunks)
			return mcpadapter.NewServer(handbook).ServeStdio()
		},
	}
}
