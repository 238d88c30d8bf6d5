package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/core/ports"
)

const (
	classificationSnippetRunes  = 1000
	classificationMaxTokens     = 500
	classificationTemperature   = 0.1
	fallbackClassificationScore = 0.1

	defaultDocumentConcurrency = 4

	actorClassifier = "DocumentClassifier"
)

// AuditSink receives per-item audit entries from a running stage.
type AuditSink interface {
	Log(actor, action string, details map[string]any)
}

type DocumentClassifier struct {
	extractor   ports.TextExtractor
	llm         ports.LanguageModel
	concurrency int
}

func NewDocumentClassifier(extractor ports.TextExtractor, llm ports.LanguageModel, concurrency int) *DocumentClassifier {
	if concurrency <= 0 {
		concurrency = defaultDocumentConcurrency
	}
	return &DocumentClassifier{
		extractor:   extractor,
		llm:         llm,
		concurrency: concurrency,
	}
}

// ClassifyAll labels every file. A file whose extraction or model call fails
// is audited and left out; only cancellation or an unavailable model fails
// the whole stage.
func (c *DocumentClassifier) ClassifyAll(ctx context.Context, files []domain.UploadedFile, audit AuditSink) ([]domain.ClassifiedDocument, error) {
	slots := make([]*domain.ClassifiedDocument, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, file := range files {
		g.Go(func() error {
			doc, err := recovered(func() (domain.ClassifiedDocument, error) {
				return c.classifyOne(gctx, file)
			})
			if err != nil {
				if isStageWide(err) {
					return err
				}
				slog.Warn("document_classification_failed", "file", file.Filename, "error", err)
				audit.Log(actorClassifier, "classification_error", map[string]any{
					"file":  file.Filename,
					"error": err.Error(),
				})
				return nil
			}
			audit.Log(actorClassifier, "classify_document", map[string]any{
				"file":          file.Filename,
				"classified_as": string(doc.Category),
				"confidence":    doc.Confidence,
			})
			slots[i] = &doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.ClassifiedDocument, 0, len(files))
	for _, doc := range slots {
		if doc != nil {
			out = append(out, *doc)
		}
	}
	return out, nil
}

func (c *DocumentClassifier) classifyOne(ctx context.Context, file domain.UploadedFile) (domain.ClassifiedDocument, error) {
	text := c.extractor.Extract(ctx, file)

	raw, err := c.llm.Complete(ctx, domain.CompletionRequest{
		Prompt:      buildClassificationPrompt(file.Filename, truncateRunes(text, classificationSnippetRunes)),
		MaxTokens:   classificationMaxTokens,
		Temperature: classificationTemperature,
		JSON:        true,
	})
	if err != nil {
		return domain.ClassifiedDocument{}, fmt.Errorf("classify %s: %w", file.Filename, err)
	}
	return parseClassification(file, raw), nil
}

// parseClassification never fails: malformed output or an unknown label
// degrades to the low-confidence "other" category.
func parseClassification(file domain.UploadedFile, raw string) domain.ClassifiedDocument {
	var payload struct {
		DocumentType string   `json:"document_type"`
		Confidence   *float64 `json:"confidence"`
		Reasoning    string   `json:"reasoning"`
	}
	fallback := domain.ClassifiedDocument{
		File:       file,
		Category:   domain.CategoryOther,
		Confidence: fallbackClassificationScore,
		Reasoning:  "Classification output could not be parsed",
	}

	if err := decodeJSONObject(raw, &payload); err != nil || payload.Confidence == nil {
		slog.Warn("classification_output_malformed", "file", file.Filename)
		return fallback
	}
	category, ok := domain.ParseCategory(payload.DocumentType)
	if !ok {
		slog.Warn("classification_label_unknown", "file", file.Filename, "label", payload.DocumentType)
		fallback.Reasoning = fmt.Sprintf("Unknown document type %q", payload.DocumentType)
		return fallback
	}

	return domain.ClassifiedDocument{
		File:       file,
		Category:   category,
		Confidence: clamp01(*payload.Confidence),
		Reasoning:  payload.Reasoning,
	}
}
