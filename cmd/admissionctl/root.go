package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kirillkom/admissions-assistant/internal/bootstrap"
	"github.com/kirillkom/admissions-assistant/internal/config"
	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/core/ports"
	"github.com/kirillkom/admissions-assistant/internal/observability/logging"
)

// retrievalFactory is swapped in tests.
type retrievalFactory func(ctx context.Context, cfg config.Config) (retrievalService, error)

func newRootCmd() *cobra.Command {
	return newRootCmdWith(defaultRetrieval)
}

func newRootCmdWith(factory retrievalFactory) *cobra.Command {
	root := &cobra.Command{
		Use:   "admissionctl",
		Short: "Admissions handbook CLI",
		Long: `Manage the admissions handbook index and query admission rules
from the command line. Configuration is read from the environment and an
optional .env file.`,
		Example: `  # Build the handbook index, replacing any existing one
  $ admissionctl index build --force

  # Ask a rule question
  $ admissionctl ask "Is an Abitur sufficient for the bachelor programs?"

  # Serve handbook tools over MCP stdio
  $ admissionctl mcp`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			_ = godotenv.Load()
			cfg := config.Load()
			// stdout carries command output (and MCP frames), so logs go to stderr.
			slog.SetDefault(logging.NewJSONLoggerTo(cmd.ErrOrStderr(), "admissionctl", cfg.LogLevel))
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newIndexCmd(factory))
	root.AddCommand(newAskCmd(factory))
	root.AddCommand(newMCPCmd(factory))
	return root
}

func defaultRetrieval(ctx context.Context, cfg config.Config) (retrievalService, error) {
	r, err := bootstrap.NewRetrieval(ctx, cfg, bootstrap.Observers{})
	if err != nil {
		return nil, err
	}
	return retrievalAdapter{r}, nil
}

// retrievalService is the slice of the retrieval subsystem the commands use.
type retrievalService interface {
	Handbook() ports.HandbookService
	Persisted(ctx context.Context) (domain.IndexStat, error)
	Close()
}

type retrievalAdapter struct {
	r *bootstrap.Retrieval
}

func (a retrievalAdapter) Handbook() ports.HandbookService { return a.r.Retriever }

func (a retrievalAdapter) Persisted(ctx context.Context) (domain.IndexStat, error) {
	return a.r.Index.Persisted(ctx)
}

func (a retrievalAdapter) Close() { a.r.Close() }

func openRetrieval(cmd *cobra.Command, factory retrievalFactory) (retrievalService, error) {
	svc, err := factory(cmd.Context(), config.Load())
	if err != nil {
		return nil, fmt.Errorf("init retrieval: %w", err)
	}
	return svc, nil
}

func printJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
