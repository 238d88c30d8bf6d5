package ports

import (
	"context"
	"io"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

// ApplicationRepository persists application records.
type ApplicationRepository interface {
	Create(ctx context.Context, app *domain.ApplicationRecord) error
	GetByID(ctx context.Context, id string) (*domain.ApplicationRecord, error)
	Save(ctx context.Context, app *domain.ApplicationRecord) error
	List(ctx context.Context, limit int) ([]domain.ApplicationSummary, error)
}

// ObjectStorage stores uploaded source documents.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// MessageQueue publishes/consumes application submission events.
type MessageQueue interface {
	PublishApplicationSubmitted(ctx context.Context, applicationID string) error
	SubscribeApplicationSubmitted(ctx context.Context, handler func(context.Context, string) error) error
}

// TextExtractor returns best-effort plain text for an uploaded file.
// It never fails: unreadable input yields an empty or diagnostic string.
type TextExtractor interface {
	Extract(ctx context.Context, file domain.UploadedFile) string
}

// LanguageModel is a single-shot completion call.
type LanguageModel interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
}

// Embedder builds vectors for chunks and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Chunker splits text into overlapping chunks.
type Chunker interface {
	Split(text string) []string
}

// HandbookLoader reads the raw handbook page by page.
type HandbookLoader interface {
	LoadPages(ctx context.Context) ([]domain.HandbookPage, error)
}

// HandbookIndexStore is the persisted embedded-chunk index.
type HandbookIndexStore interface {
	Stat(ctx context.Context) (domain.IndexStat, error)
	Replace(ctx context.Context, chunks []domain.HandbookChunk, vectors [][]float32) error
	Search(ctx context.Context, queryVector []float32, limit int) ([]domain.ScoredChunk, error)
}
