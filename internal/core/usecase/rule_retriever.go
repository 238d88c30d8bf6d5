package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/core/ports"
)

const (
	defaultContextMaxRunes  = 12000
	defaultQueryConcurrency = 4
	excerptRunes            = 200

	ruleAnswerMaxTokens   = 1000
	ruleAnswerTemperature = 0.1
)

type RuleRetrieverOptions struct {
	TopK            int
	ContextMaxRunes int
	Concurrency     int
}

func (o RuleRetrieverOptions) normalize() RuleRetrieverOptions {
	if o.TopK <= 0 {
		o.TopK = defaultTopK
	}
	if o.ContextMaxRunes <= 0 {
		o.ContextMaxRunes = defaultContextMaxRunes
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultQueryConcurrency
	}
	return o
}

// RuleRetriever answers admission-rule questions from the handbook index.
type RuleRetriever struct {
	index HandbookIndex
	llm   ports.LanguageModel
	opts  RuleRetrieverOptions
}

var _ ports.HandbookService = (*RuleRetriever)(nil)

func NewRuleRetriever(index HandbookIndex, llm ports.LanguageModel, opts RuleRetrieverOptions) *RuleRetriever {
	return &RuleRetriever{
		index: index,
		llm:   llm,
		opts:  opts.normalize(),
	}
}

func (r *RuleRetriever) Initialize(ctx context.Context, forceReload bool) (domain.IndexStatus, error) {
	if forceReload {
		return r.index.Rebuild(ctx)
	}
	return r.index.LoadOrBuild(ctx)
}

func (r *RuleRetriever) Status() domain.IndexStatus {
	return r.index.Status()
}

func (r *RuleRetriever) Answer(ctx context.Context, question string) (*domain.RuleQueryResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "answer rule question", errors.New("question is required"))
	}

	chunks, err := r.index.Search(ctx, question, r.opts.TopK)
	if err != nil {
		return nil, fmt.Errorf("search handbook: %w", err)
	}

	answer, err := r.llm.Complete(ctx, domain.CompletionRequest{
		Prompt:      buildRuleAnswerPrompt(question, buildHandbookContext(chunks, r.opts.ContextMaxRunes)),
		MaxTokens:   ruleAnswerMaxTokens,
		Temperature: ruleAnswerTemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize rule answer: %w", err)
	}

	return &domain.RuleQueryResult{
		Question: question,
		Answer:   strings.TrimSpace(answer),
		Sources:  sourcesFromChunks(chunks),
	}, nil
}

// BatchAnswer answers questions concurrently. Failed questions are logged and
// dropped; the remaining results keep question order. An uninitialized index
// aborts the whole batch.
func (r *RuleRetriever) BatchAnswer(ctx context.Context, questions []string) ([]domain.RuleQueryResult, error) {
	slots := make([]*domain.RuleQueryResult, len(questions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i, question := range questions {
		g.Go(func() error {
			result, err := recovered(func() (*domain.RuleQueryResult, error) {
				return r.Answer(gctx, question)
			})
			if err != nil {
				if isStageWide(err) {
					return err
				}
				slog.Warn("rule_query_failed", "question", question, "error", err)
				return nil
			}
			slots[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.RuleQueryResult, 0, len(slots))
	for _, result := range slots {
		if result != nil {
			out = append(out, *result)
		}
	}
	slog.Debug("rule_batch_answered", "questions", len(questions), "answered", len(out))
	return out, nil
}

func (r *RuleRetriever) FindRelevantSections(ctx context.Context, topics []string, k int) (map[string][]domain.ScoredChunk, error) {
	if k <= 0 {
		k = 3
	}
	out := make(map[string][]domain.ScoredChunk, len(topics))
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		chunks, err := r.index.Search(ctx, topic, k)
		if err != nil {
			return nil, fmt.Errorf("search topic %q: %w", topic, err)
		}
		out[topic] = chunks
	}
	return out, nil
}

// CheckCriteria composes one admission-criteria question from applicant facts.
func (r *RuleRetriever) CheckCriteria(ctx context.Context, criteria domain.ApplicantCriteria) (*domain.RuleQueryResult, error) {
	var parts []string
	if program := strings.TrimSpace(criteria.TargetProgram); program != "" {
		parts = append(parts, "admission requirements for "+program)
	}
	if qualification := strings.TrimSpace(criteria.PreviousQualification); qualification != "" {
		parts = append(parts, "recognition of "+qualification)
	}
	if criteria.HasExmatriculation {
		parts = append(parts, "rules for applicants with forced exmatriculation")
	}
	if criteria.WorkExperienceYears > 0 {
		parts = append(parts, fmt.Sprintf("how %d years of work experience count", criteria.WorkExperienceYears))
	}
	if len(parts) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "check admission criteria", errors.New("at least one criterion is required"))
	}

	return r.Answer(ctx, "What are the "+strings.Join(parts, " and ")+"?")
}

func buildHandbookContext(chunks []domain.ScoredChunk, maxRunes int) string {
	var b strings.Builder
	used := 0
	for _, chunk := range chunks {
		block := fmt.Sprintf("Page %d: %s", chunk.Page, chunk.Text)
		if b.Len() > 0 {
			block = "\n\n" + block
		}
		size := len([]rune(block))
		if used+size > maxRunes {
			if used == 0 {
				b.WriteString(truncateRunes(block, maxRunes))
			}
			break
		}
		b.WriteString(block)
		used += size
	}
	return b.String()
}

func sourcesFromChunks(chunks []domain.ScoredChunk) []domain.RuleSource {
	out := make([]domain.RuleSource, 0, len(chunks))
	for _, chunk := range chunks {
		out = append(out, domain.RuleSource{
			Page:       chunk.Page,
			Excerpt:    truncateRunes(chunk.Text, excerptRunes) + "...",
			ChunkIndex: chunk.ChunkIndex,
		})
	}
	return out
}

// isStageWide reports errors that make every remaining item of a stage fail too.
func isStageWide(err error) bool {
	return domain.IsKind(err, domain.ErrIndexNotInitialized) ||
		domain.IsKind(err, domain.ErrDependencyUnavailable)
}

// recovered turns a panic in fn into an error. The caller's recover does not
// reach goroutines started by an errgroup.
func recovered[T any](fn func() (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
