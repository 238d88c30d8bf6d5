package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newIndexCmd(factory retrievalFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage the handbook index",
	}
	cmd.AddCommand(newIndexBuildCmd(factory))
	cmd.AddCommand(newIndexStatusCmd(factory))
	return cmd
}

func newIndexBuildCmd(factory retrievalFactory) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Load the persisted index or build it from the handbook",
		Example: `  $ admissionctl index build
  $ admissionctl index build --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := openRetrieval(cmd, factory)
			if err != nil {
				return err
			}
			defer svc.Close()

			status, err := svc.Handbook().Initialize(cmd.Context(), force)
			if err != nil {
				return fmt.Errorf("build index: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Rebuild even if a usable index exists")
	return cmd
}

func newIndexStatusCmd(factory retrievalFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what the index store holds without building",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := openRetrieval(cmd, factory)
			if err != nil {
				return err
			}
			defer svc.Close()

			stat, err := svc.Persisted(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"exists": stat.Exists,
				"chunks": stat.Points,
			})
		},
	}
}
