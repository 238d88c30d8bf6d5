package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/core/ports"
)

const (
	defaultTopK    = 5
	embedBatchSize = 64
	probeQuery     = "test"

	defaultLoadRetryInterval = 30 * time.Second
)

// Reasons a persisted index is rebuilt instead of reused.
const (
	RebuildReasonAbsent     = "absent"
	RebuildReasonEmpty      = "empty"
	RebuildReasonUnreadable = "unreadable"
	RebuildReasonForced     = "forced"
)

// HandbookIndex is what the rule retriever needs from the knowledge index.
type HandbookIndex interface {
	LoadOrBuild(ctx context.Context) (domain.IndexStatus, error)
	Rebuild(ctx context.Context) (domain.IndexStatus, error)
	Status() domain.IndexStatus
	Search(ctx context.Context, query string, k int) ([]domain.ScoredChunk, error)
}

type KnowledgeIndex struct {
	loader   ports.HandbookLoader
	chunker  ports.Chunker
	embedder ports.Embedder
	store    ports.HandbookIndexStore

	// buildMu serializes rebuilds. Search only takes it while the index is not ready.
	buildMu sync.Mutex

	mu       sync.RWMutex
	status   domain.IndexStatus
	failedAt time.Time

	retryInterval time.Duration
	now           func() time.Time

	onRebuild func(reason string)
}

func NewKnowledgeIndex(
	loader ports.HandbookLoader,
	chunker ports.Chunker,
	embedder ports.Embedder,
	store ports.HandbookIndexStore,
) *KnowledgeIndex {
	return &KnowledgeIndex{
		loader:   loader,
		chunker:  chunker,
		embedder: embedder,
		store:    store,

		retryInterval: defaultLoadRetryInterval,
		now:           time.Now,
	}
}

// SetRetryInterval bounds how often Search retries a failed load.
func (ix *KnowledgeIndex) SetRetryInterval(d time.Duration) {
	if d > 0 {
		ix.retryInterval = d
	}
}

// OnRebuild registers a hook called with the reason of every rebuild attempt.
func (ix *KnowledgeIndex) OnRebuild(fn func(reason string)) {
	ix.onRebuild = fn
}

// Build splits every page into overlapping chunks carrying page metadata.
func (ix *KnowledgeIndex) Build(pages []domain.HandbookPage) []domain.HandbookChunk {
	var out []domain.HandbookChunk
	for _, page := range pages {
		pieces := ix.chunker.Split(page.Text)
		for i, piece := range pieces {
			out = append(out, domain.HandbookChunk{
				Source:     page.Source,
				Page:       page.Page,
				TotalPages: page.TotalPages,
				ChunkIndex: i,
				ChunkTotal: len(pieces),
				Text:       piece,
			})
		}
	}
	return out
}

// LoadOrBuild reuses the persisted index when it answers a probe query and
// rebuilds it from the handbook otherwise.
func (ix *KnowledgeIndex) LoadOrBuild(ctx context.Context) (domain.IndexStatus, error) {
	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()

	status, err := ix.loadOrBuildLocked(ctx)
	ix.noteAttempt(err)
	return status, err
}

func (ix *KnowledgeIndex) loadOrBuildLocked(ctx context.Context) (domain.IndexStatus, error) {
	points, reason, probeErr := ix.probe(ctx)
	if reason == "" {
		ix.setStatus(domain.IndexStatus{
			Ready:      true,
			Chunks:     points,
			LoadedFrom: "persisted",
		})
		slog.Info("knowledge_index_loaded", "chunks", points)
		return ix.Status(), nil
	}

	attrs := []any{"reason", reason}
	if probeErr != nil {
		attrs = append(attrs, "error", probeErr)
	}
	slog.Warn("knowledge_index_rebuild", attrs...)
	return ix.rebuildLocked(ctx, reason)
}

// Rebuild reindexes the handbook regardless of the persisted state.
func (ix *KnowledgeIndex) Rebuild(ctx context.Context) (domain.IndexStatus, error) {
	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()

	slog.Info("knowledge_index_rebuild", "reason", RebuildReasonForced)
	status, err := ix.rebuildLocked(ctx, RebuildReasonForced)
	ix.noteAttempt(err)
	return status, err
}

// Persisted reports what the backing store holds without loading or building.
func (ix *KnowledgeIndex) Persisted(ctx context.Context) (domain.IndexStat, error) {
	stat, err := ix.store.Stat(ctx)
	if err != nil {
		return domain.IndexStat{}, fmt.Errorf("stat handbook index: %w", err)
	}
	return stat, nil
}

func (ix *KnowledgeIndex) Status() domain.IndexStatus {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.status
}

func (ix *KnowledgeIndex) Search(ctx context.Context, query string, k int) ([]domain.ScoredChunk, error) {
	if !ix.Status().Ready && !ix.retryFailedLoad(ctx) {
		return nil, domain.WrapError(domain.ErrIndexNotInitialized, "search knowledge index", errors.New("load or build the index first"))
	}
	if k <= 0 {
		k = defaultTopK
	}

	vector, err := ix.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := ix.store.Search(ctx, vector, k)
	if err != nil {
		return nil, fmt.Errorf("search index store: %w", err)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}

	slog.Debug("knowledge_index_search", "query_len", len(query), "hits", len(hits))
	return hits, nil
}

// retryFailedLoad runs LoadOrBuild again when the last attempt failed at
// least one retry interval ago. An index nobody tried to load stays
// uninitialized. Concurrent callers wait for the single retry in flight.
func (ix *KnowledgeIndex) retryFailedLoad(ctx context.Context) bool {
	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()

	ix.mu.RLock()
	ready, failedAt := ix.status.Ready, ix.failedAt
	ix.mu.RUnlock()
	if ready {
		return true
	}
	if failedAt.IsZero() || ix.now().Sub(failedAt) < ix.retryInterval {
		return false
	}

	slog.Info("knowledge_index_retry", "failed_at", failedAt)
	_, err := ix.loadOrBuildLocked(ctx)
	ix.noteAttempt(err)
	if err != nil {
		slog.Warn("knowledge_index_retry_failed", "error", err)
		return false
	}
	return true
}

func (ix *KnowledgeIndex) noteAttempt(err error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err == nil {
		ix.failedAt = time.Time{}
		return
	}
	if !ix.status.Ready {
		ix.failedAt = ix.now()
	}
}

func (ix *KnowledgeIndex) probe(ctx context.Context) (int, string, error) {
	stat, err := ix.store.Stat(ctx)
	if err != nil {
		return 0, RebuildReasonUnreadable, err
	}
	if !stat.Exists {
		return 0, RebuildReasonAbsent, nil
	}
	if stat.Points == 0 {
		return 0, RebuildReasonEmpty, nil
	}

	vector, err := ix.embedder.EmbedQuery(ctx, probeQuery)
	if err != nil {
		return 0, RebuildReasonUnreadable, fmt.Errorf("embed probe query: %w", err)
	}
	hits, err := ix.store.Search(ctx, vector, 1)
	if err != nil {
		return 0, RebuildReasonUnreadable, err
	}
	if len(hits) == 0 {
		return 0, RebuildReasonEmpty, nil
	}
	return stat.Points, "", nil
}

func (ix *KnowledgeIndex) rebuildLocked(ctx context.Context, reason string) (domain.IndexStatus, error) {
	if ix.onRebuild != nil {
		ix.onRebuild(reason)
	}

	pages, err := ix.loader.LoadPages(ctx)
	if err != nil {
		return ix.Status(), fmt.Errorf("load handbook: %w", err)
	}

	chunks := ix.Build(pages)
	if len(chunks) == 0 {
		return ix.Status(), domain.WrapError(domain.ErrInvalidInput, "build knowledge index", errors.New("handbook produced zero chunks"))
	}

	vectors, err := ix.embedChunks(ctx, chunks)
	if err != nil {
		return ix.Status(), err
	}

	if err := ix.store.Replace(ctx, chunks, vectors); err != nil {
		return ix.Status(), fmt.Errorf("persist knowledge index: %w", err)
	}

	ix.setStatus(domain.IndexStatus{
		Ready:       true,
		Chunks:      len(chunks),
		LastBuiltAt: time.Now().UTC(),
		LoadedFrom:  "rebuilt:" + reason,
	})
	slog.Info("knowledge_index_built", "pages", len(pages), "chunks", len(chunks), "reason", reason)
	return ix.Status(), nil
}

func (ix *KnowledgeIndex) embedChunks(ctx context.Context, chunks []domain.HandbookChunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, chunk := range chunks[start:end] {
			texts = append(texts, chunk.Text)
		}

		batch, err := ix.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed chunks %d-%d: %w", start, end, err)
		}
		if len(batch) != len(texts) {
			return nil, domain.WrapError(
				domain.ErrInvalidInput,
				"embed chunks",
				fmt.Errorf("vectors/chunks mismatch: %d/%d", len(batch), len(texts)),
			)
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (ix *KnowledgeIndex) setStatus(status domain.IndexStatus) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.status = status
}
