package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/core/ports"
)

const (
	extractionMaxTokens   = 1500
	extractionTemperature = 0.0

	parseFailedMessage = "Failed to parse extracted data"

	actorExtractor = "DataExtractor"
)

type DataExtractor struct {
	extractor   ports.TextExtractor
	llm         ports.LanguageModel
	rulebook    *domain.Rulebook
	concurrency int
}

func NewDataExtractor(extractor ports.TextExtractor, llm ports.LanguageModel, rulebook *domain.Rulebook, concurrency int) *DataExtractor {
	if concurrency <= 0 {
		concurrency = defaultDocumentConcurrency
	}
	return &DataExtractor{
		extractor:   extractor,
		llm:         llm,
		rulebook:    rulebook,
		concurrency: concurrency,
	}
}

// ExtractAll pulls category-specific fields out of every classified document.
// Results keep document order; failed documents are audited and omitted.
func (x *DataExtractor) ExtractAll(ctx context.Context, docs []domain.ClassifiedDocument, audit AuditSink) ([]domain.ExtractedRecord, error) {
	slots := make([]*domain.ExtractedRecord, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.concurrency)
	for i, doc := range docs {
		g.Go(func() error {
			record, err := recovered(func() (domain.ExtractedRecord, error) {
				return x.extractOne(gctx, doc)
			})
			if err != nil {
				if isStageWide(err) {
					return err
				}
				slog.Warn("data_extraction_failed", "file", doc.File.Filename, "error", err)
				audit.Log(actorExtractor, "extraction_error", map[string]any{
					"file":  doc.File.Filename,
					"error": err.Error(),
				})
				return nil
			}
			audit.Log(actorExtractor, "extract_data", map[string]any{
				"file":          doc.File.Filename,
				"document_type": string(record.Category),
				"confidence":    record.Confidence,
				"parse_failed":  record.ParseFailed,
			})
			slots[i] = &record
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.ExtractedRecord, 0, len(docs))
	for _, record := range slots {
		if record != nil {
			out = append(out, *record)
		}
	}
	return out, nil
}

func (x *DataExtractor) extractOne(ctx context.Context, doc domain.ClassifiedDocument) (domain.ExtractedRecord, error) {
	text := x.extractor.Extract(ctx, doc.File)
	schema := x.rulebook.Schema(doc.Category)

	raw, err := x.llm.Complete(ctx, domain.CompletionRequest{
		Prompt:      buildExtractionPrompt(schema, text),
		MaxTokens:   extractionMaxTokens,
		Temperature: extractionTemperature,
		JSON:        true,
	})
	if err != nil {
		return domain.ExtractedRecord{}, fmt.Errorf("extract %s: %w", doc.File.Filename, err)
	}

	var fields map[string]any
	if err := decodeJSONObject(raw, &fields); err != nil || fields == nil {
		slog.Warn("extraction_output_malformed", "file", doc.File.Filename)
		return domain.ExtractedRecord{
			Category:    doc.Category,
			Fields:      map[string]any{"error": parseFailedMessage},
			Confidence:  0,
			SourceFile:  doc.File.Filename,
			ParseFailed: true,
		}, nil
	}

	return domain.ExtractedRecord{
		Category:   doc.Category,
		Fields:     fields,
		Confidence: ExtractionConfidence(schema, fields),
		SourceFile: doc.File.Filename,
	}, nil
}

// ExtractionConfidence scores a field map against its schema: the share of
// non-null schema fields, averaged with the share of non-null critical fields
// when the category has any.
func ExtractionConfidence(schema domain.CategorySchema, fields map[string]any) float64 {
	names := schema.FieldNames()
	if len(names) == 0 {
		return 0
	}
	base := presentRatio(names, fields)
	if len(schema.CriticalFields) == 0 {
		return base
	}
	critical := presentRatio(schema.CriticalFields, fields)
	return math.Min(1, 0.5*base+0.5*critical)
}

func presentRatio(names []string, fields map[string]any) float64 {
	present := 0
	for _, name := range names {
		if v, ok := fields[name]; ok && v != nil {
			present++
		}
	}
	return float64(present) / float64(len(names))
}
