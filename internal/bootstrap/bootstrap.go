package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/admissions-assistant/internal/config"
	"github.com/kirillkom/admissions-assistant/internal/core/ports"
	"github.com/kirillkom/admissions-assistant/internal/core/usecase"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/chunking"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/extractor/document"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/handbook"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/llm/anthropic"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/queue/nats"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/resilience"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/vector/pgvector"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/vector/qdrant"
)

// Observers are optional metric hooks; nil fields are skipped.
type Observers struct {
	Pipeline     usecase.PipelineObserver
	BreakerState resilience.StateObserver
	IndexRebuild func(reason string)
}

// Retrieval is the handbook subsystem on its own, as used by the CLI.
type Retrieval struct {
	Config    config.Config
	Index     *usecase.KnowledgeIndex
	Retriever *usecase.RuleRetriever

	closeFn func()
}

type App struct {
	Config config.Config

	Queue     ports.MessageQueue
	Repo      ports.ApplicationRepository
	SubmitUC  ports.ApplicationSubmitter
	ProcessUC ports.ApplicationProcessor
	Reader    ports.ApplicationReader
	Handbook  ports.HandbookService

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, observers Observers) (*App, error) {
	rulebook, err := config.LoadRulebook(cfg.RulebookPath)
	if err != nil {
		return nil, fmt.Errorf("load rulebook: %w", err)
	}

	executor := newExecutor(cfg, observers)

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	repo := postgres.NewApplicationRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		ResilienceExecutor: executor,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	llm, err := newLanguageModel(cfg, executor)
	if err != nil {
		queue.Close()
		_ = db.Close()
		return nil, err
	}

	retrieval, err := newRetrieval(ctx, cfg, executor, db, llm, observers)
	if err != nil {
		queue.Close()
		_ = db.Close()
		return nil, err
	}

	extractor := document.NewExtractor(storage)
	classifier := usecase.NewDocumentClassifier(extractor, llm, cfg.PipelineDocumentConcurrency)
	dataExtractor := usecase.NewDataExtractor(extractor, llm, rulebook, cfg.PipelineDocumentConcurrency)
	decider := usecase.NewDecisionMaker(retrieval.Retriever, llm, rulebook, usecase.DecisionOptions{
		MaxRuleQuestions: cfg.DecisionMaxRuleQuestions,
		ConfidenceFloor:  cfg.DecisionConfidenceFloor,
	})
	pipeline := usecase.NewPipelineController(classifier, dataExtractor, decider)

	submitUC := usecase.NewSubmitApplicationUseCase(repo, storage, queue)
	processUC := usecase.NewProcessApplicationUseCase(repo, pipeline, observers.Pipeline)

	return &App{
		Config: cfg,
		Queue:  queue,
		Repo:   repo,

		SubmitUC:  submitUC,
		ProcessUC: processUC,
		Reader:    repo,
		Handbook:  retrieval.Retriever,

		closeFn: func() {
			queue.Close()
			_ = db.Close()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

// NewRetrieval builds only the knowledge index and rule retriever. Postgres
// is opened only for the pgvector backend.
func NewRetrieval(ctx context.Context, cfg config.Config, observers Observers) (*Retrieval, error) {
	executor := newExecutor(cfg, observers)
	llm, err := newLanguageModel(cfg, executor)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	if vectorBackend(cfg) == "pgvector" {
		opened, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db = opened
	}

	retrieval, err := newRetrieval(ctx, cfg, executor, db, llm, observers)
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, err
	}
	if db != nil {
		retrieval.closeFn = func() { _ = db.Close() }
	}
	return retrieval, nil
}

func (r *Retrieval) Close() {
	if r.closeFn != nil {
		r.closeFn()
	}
}

func newRetrieval(
	ctx context.Context,
	cfg config.Config,
	executor *resilience.Executor,
	db *sql.DB,
	llm ports.LanguageModel,
	observers Observers,
) (*Retrieval, error) {
	store, err := newIndexStore(ctx, cfg, executor, db)
	if err != nil {
		return nil, err
	}

	ollamaClient := ollama.NewWithOptions(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, ollama.Options{
		ResilienceExecutor: executor,
	})
	embedder := ollama.NewEmbedder(ollamaClient)

	index := usecase.NewKnowledgeIndex(
		handbook.NewLoader(cfg.HandbookPath),
		chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		embedder,
		store,
	)
	index.SetRetryInterval(cfg.HandbookRetryInterval())
	if observers.IndexRebuild != nil {
		index.OnRebuild(observers.IndexRebuild)
	}

	retriever := usecase.NewRuleRetriever(index, llm, usecase.RuleRetrieverOptions{
		TopK:            cfg.RAGTopK,
		ContextMaxRunes: cfg.RAGContextMaxChars,
		Concurrency:     cfg.RAGQueryConcurrency,
	})

	return &Retrieval{
		Config:    cfg,
		Index:     index,
		Retriever: retriever,
	}, nil
}

func newExecutor(cfg config.Config, observers Observers) *resilience.Executor {
	policy := resilience.DefaultConfig()
	if cfg.ResilienceRetryMaxAttempts > 0 {
		policy.Retry.MaxAttempts = cfg.ResilienceRetryMaxAttempts
	}
	if cfg.ResilienceRetryInitialBackoffMS > 0 {
		policy.Retry.InitialBackoff = time.Duration(cfg.ResilienceRetryInitialBackoffMS) * time.Millisecond
	}
	if cfg.ResilienceRetryMaxBackoffMS > 0 {
		policy.Retry.MaxBackoff = time.Duration(cfg.ResilienceRetryMaxBackoffMS) * time.Millisecond
	}
	policy.Breaker.Enabled = cfg.ResilienceBreakerEnabled
	if cfg.ResilienceBreakerMinRequests > 0 {
		policy.Breaker.MinRequests = uint32(cfg.ResilienceBreakerMinRequests)
	}
	if cfg.ResilienceBreakerFailureRatio > 0 {
		policy.Breaker.FailureRatio = cfg.ResilienceBreakerFailureRatio
	}
	if cfg.ResilienceBreakerOpenTimeoutSec > 0 {
		policy.Breaker.OpenTimeout = time.Duration(cfg.ResilienceBreakerOpenTimeoutSec) * time.Second
	}

	executor := resilience.NewExecutor(policy)
	if observers.BreakerState != nil {
		executor.WithStateObserver(observers.BreakerState)
	}
	return executor
}

func newLanguageModel(cfg config.Config, executor *resilience.Executor) (ports.LanguageModel, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.LLMProvider)) {
	case "", "ollama":
		client := ollama.NewWithOptions(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, ollama.Options{
			ResilienceExecutor: executor,
		})
		return ollama.NewCompleter(client), nil
	case "anthropic":
		if strings.TrimSpace(cfg.AnthropicAPIKey) == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for LLM_PROVIDER=anthropic")
		}
		return anthropic.New(cfg.AnthropicAPIKey, cfg.AnthropicModel, anthropic.Options{
			BaseURL:            cfg.AnthropicURL,
			ResilienceExecutor: executor,
		}), nil
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}
}

func newIndexStore(ctx context.Context, cfg config.Config, executor *resilience.Executor, db *sql.DB) (ports.HandbookIndexStore, error) {
	switch vectorBackend(cfg) {
	case "qdrant":
		return qdrant.NewWithOptions(cfg.QdrantURL, cfg.QdrantCollection, qdrant.Options{
			ResilienceExecutor: executor,
		}), nil
	case "pgvector":
		if db == nil {
			return nil, fmt.Errorf("pgvector backend requires a postgres connection")
		}
		store := pgvector.NewStore(db, cfg.PGVectorTable, cfg.EmbeddingDim)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure pgvector schema: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown VECTOR_BACKEND %q", cfg.VectorBackend)
	}
}

func vectorBackend(cfg config.Config) string {
	backend := strings.ToLower(strings.TrimSpace(cfg.VectorBackend))
	if backend == "" {
		backend = "qdrant"
	}
	return backend
}
