package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newAskCmd(factory retrievalFactory) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "ask <question>",
		Short:   "Answer an admission rule question from the handbook",
		Example: `  $ admissionctl ask "What are the deadlines for winter semester?"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return fmt.Errorf("question is required")
			}

			svc, err := openRetrieval(cmd, factory)
			if err != nil {
				return err
			}
			defer svc.Close()

			handbook := svc.Handbook()
			if _, err := handbook.Initialize(cmd.Context(), false); err != nil {
				return fmt.Errorf("load index: %w", err)
			}
			result, err := handbook.Answer(cmd.Context(), question)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), result)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, result.Answer)
			if len(result.Sources) > 0 {
				fmt.Fprintln(out)
				fmt.Fprintln(out, "Sources:")
				for _, src := range result.Sources {
					fmt.Fprintf(out, "  p.%d  %s\n", src.Page, src.Excerpt)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full result as JSON")
	return cmd
}
