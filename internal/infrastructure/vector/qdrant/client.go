package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/resilience"
)

const upsertBatchSize = 256

var errNotFound = errors.New("qdrant: not found")

// Client implements ports.HandbookIndexStore on a Qdrant alias that points at
// the latest complete collection version.
type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	executor   *resilience.Executor
}

type Options struct {
	HTTPTimeout        time.Duration
	ResilienceExecutor *resilience.Executor
}

func New(baseURL, collection string) *Client {
	return NewWithOptions(baseURL, collection, Options{})
}

func NewWithOptions(baseURL, collection string, options Options) *Client {
	timeout := options.HTTPTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
	}
}

func (c *Client) Stat(ctx context.Context) (domain.IndexStat, error) {
	var resp struct {
		Result struct {
			PointsCount int `json:"points_count"`
		} `json:"result"`
	}
	err := c.do(ctx, "collection_info", http.MethodGet, c.collectionURL(), nil, &resp)
	if errors.Is(err, errNotFound) {
		return domain.IndexStat{}, nil
	}
	if err != nil {
		return domain.IndexStat{}, err
	}
	return domain.IndexStat{Exists: true, Points: resp.Result.PointsCount}, nil
}

// Replace writes chunks into a fresh versioned collection and then moves the
// alias onto it in one alias update. Searches keep hitting the previous
// version until the swap.
func (c *Client) Replace(ctx context.Context, chunks []domain.HandbookChunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunks/vectors mismatch: %d/%d", len(chunks), len(vectors))
	}
	if len(vectors) == 0 {
		return fmt.Errorf("qdrant replace: no vectors")
	}

	version := time.Now().UTC().UnixNano()
	target := fmt.Sprintf("%s_%d", c.collection, version)
	create := map[string]any{
		"vectors": map[string]any{
			"size":     len(vectors[0]),
			"distance": "Cosine",
		},
	}
	if err := c.do(ctx, "create_collection", http.MethodPut, c.baseURL+"/collections/"+target, create, nil); err != nil {
		return err
	}
	if err := c.upsert(ctx, target, chunks, vectors); err != nil {
		c.dropCollection(ctx, target)
		return err
	}

	previous, err := c.aliasTarget(ctx)
	if err != nil {
		c.dropCollection(ctx, target)
		return err
	}

	actions := make([]map[string]any, 0, 2)
	if previous != "" {
		actions = append(actions, map[string]any{
			"delete_alias": map[string]any{"alias_name": c.collection},
		})
	} else {
		// A plain collection may still own the alias name.
		err := c.do(ctx, "delete_collection", http.MethodDelete, c.collectionURL(), nil, nil)
		if err != nil && !errors.Is(err, errNotFound) {
			c.dropCollection(ctx, target)
			return err
		}
	}
	actions = append(actions, map[string]any{
		"create_alias": map[string]any{"collection_name": target, "alias_name": c.collection},
	})
	if err := c.do(ctx, "swap_alias", http.MethodPost, c.baseURL+"/collections/aliases", map[string]any{"actions": actions}, nil); err != nil {
		c.dropCollection(ctx, target)
		return err
	}

	if previous != "" && previous != target {
		c.dropCollection(ctx, previous)
	}
	c.pruneVersions(ctx, version)
	return nil
}

// pruneVersions drops versioned collections older than keep. A concurrent
// rebuild that lost the alias swap leaves one behind. Newer versions may
// still be filling and are left alone.
func (c *Client) pruneVersions(ctx context.Context, keep int64) {
	var resp struct {
		Result struct {
			Collections []struct {
				Name string `json:"name"`
			} `json:"collections"`
		} `json:"result"`
	}
	if err := c.do(ctx, "list_collections", http.MethodGet, c.baseURL+"/collections", nil, &resp); err != nil {
		slog.Warn("qdrant_collection_list_failed", "error", err)
		return
	}

	prefix := c.collection + "_"
	for _, col := range resp.Result.Collections {
		suffix, ok := strings.CutPrefix(col.Name, prefix)
		if !ok {
			continue
		}
		version, err := strconv.ParseInt(suffix, 10, 64)
		if err != nil || version >= keep {
			continue
		}
		slog.Info("qdrant_stale_collection_dropped", "collection", col.Name)
		c.dropCollection(ctx, col.Name)
	}
}

func (c *Client) upsert(ctx context.Context, collection string, chunks []domain.HandbookChunk, vectors [][]float32) error {
	type point struct {
		ID      string         `json:"id"`
		Vector  []float32      `json:"vector"`
		Payload map[string]any `json:"payload"`
	}

	url := c.baseURL + "/collections/" + collection + "/points?wait=true"
	for start := 0; start < len(chunks); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(chunks))
		points := make([]point, 0, end-start)
		for i := start; i < end; i++ {
			chunk := chunks[i]
			points = append(points, point{
				ID:     uuid.NewString(),
				Vector: vectors[i],
				Payload: map[string]any{
					"source":      chunk.Source,
					"page":        chunk.Page,
					"total_pages": chunk.TotalPages,
					"chunk_index": chunk.ChunkIndex,
					"chunk_total": chunk.ChunkTotal,
					"text":        chunk.Text,
				},
			})
		}
		if err := c.do(ctx, "upsert", http.MethodPut, url, map[string]any{"points": points}, nil); err != nil {
			return err
		}
	}
	return nil
}

// aliasTarget returns the collection the alias points at, or "" if unset.
func (c *Client) aliasTarget(ctx context.Context) (string, error) {
	var resp struct {
		Result struct {
			Aliases []struct {
				AliasName      string `json:"alias_name"`
				CollectionName string `json:"collection_name"`
			} `json:"aliases"`
		} `json:"result"`
	}
	if err := c.do(ctx, "list_aliases", http.MethodGet, c.baseURL+"/aliases", nil, &resp); err != nil {
		return "", err
	}
	for _, alias := range resp.Result.Aliases {
		if alias.AliasName == c.collection {
			return alias.CollectionName, nil
		}
	}
	return "", nil
}

func (c *Client) dropCollection(ctx context.Context, name string) {
	err := c.do(ctx, "delete_collection", http.MethodDelete, c.baseURL+"/collections/"+name, nil, nil)
	if err != nil && !errors.Is(err, errNotFound) {
		slog.Warn("qdrant_collection_cleanup_failed", "collection", name, "error", err)
	}
}

func (c *Client) Search(ctx context.Context, queryVector []float32, limit int) ([]domain.ScoredChunk, error) {
	reqBody := map[string]any{
		"vector":       queryVector,
		"limit":        limit,
		"with_payload": true,
	}

	var searchResp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	err := c.do(ctx, "search", http.MethodPost, c.collectionURL()+"/points/search", reqBody, &searchResp)
	if errors.Is(err, errNotFound) {
		return nil, domain.WrapError(domain.ErrIndexNotInitialized, "qdrant search", err)
	}
	if err != nil {
		return nil, err
	}

	out := make([]domain.ScoredChunk, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		out = append(out, domain.ScoredChunk{
			HandbookChunk: domain.HandbookChunk{
				Source:     getStringPayload(r.Payload, "source"),
				Page:       getIntPayload(r.Payload, "page"),
				TotalPages: getIntPayload(r.Payload, "total_pages"),
				ChunkIndex: getIntPayload(r.Payload, "chunk_index"),
				ChunkTotal: getIntPayload(r.Payload, "chunk_total"),
				Text:       getStringPayload(r.Payload, "text"),
			},
			Score: r.Score,
		})
	}
	return out, nil
}

func (c *Client) collectionURL() string {
	return fmt.Sprintf("%s/collections/%s", c.baseURL, c.collection)
}

func (c *Client) do(ctx context.Context, operation, method, url string, payload any, out any) error {
	var body []byte
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", operation, err)
		}
		body = raw
	}

	call := func(callCtx context.Context) error {
		req, err := http.NewRequestWithContext(callCtx, method, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create %s request: %w", operation, err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("qdrant %s request: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return errNotFound
		}
		if resp.StatusCode >= 300 {
			return resilience.NewStatusError("qdrant", operation, resp)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
		return nil
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "qdrant."+operation, call, classifyQdrantError)
	} else {
		err = call(ctx)
	}
	return resilience.MarkTemporary("qdrant "+operation, err, classifyQdrantError)
}

// classifyQdrantError treats a missing collection or alias as an answer, not
// a dependency failure.
func classifyQdrantError(err error) resilience.ErrorClassification {
	if errors.Is(err, errNotFound) {
		return resilience.ErrorClassification{}
	}
	return resilience.ClassifyTransport(err)
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getIntPayload(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
