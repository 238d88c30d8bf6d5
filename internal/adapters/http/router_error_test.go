package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kirillkom/admissions-assistant/internal/config"
	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/core/ports"
)

type submitterFake struct {
	err  error
	got  ports.SubmitApplicationRequest
	body []string
}

func (f *submitterFake) Submit(_ context.Context, req ports.SubmitApplicationRequest) (*domain.ApplicationRecord, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	files := make([]domain.UploadedFile, 0, len(req.Files))
	for _, in := range req.Files {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(in.Body)
		f.body = append(f.body, buf.String())
		files = append(files, domain.UploadedFile{ID: "f-" + in.Filename, Filename: in.Filename, MimeType: in.MimeType})
	}
	return domain.NewApplicationRecord("app-1", req.ApplicantID, req.TargetProgram, "DE", files), nil
}

type readerFake struct {
	err       error
	lastLimit int
}

func (f *readerFake) GetByID(_ context.Context, id string) (*domain.ApplicationRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return domain.NewApplicationRecord(id, "stu-1", "Computer Science", "DE", nil), nil
}

func (f *readerFake) List(_ context.Context, limit int) ([]domain.ApplicationSummary, error) {
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	return []domain.ApplicationSummary{{ID: "app-1", Entity: "DE"}}, nil
}

type handbookFake struct {
	err         error
	forceReload bool
	topics      []string
	k           int
}

func (f *handbookFake) Initialize(_ context.Context, force bool) (domain.IndexStatus, error) {
	f.forceReload = force
	if f.err != nil {
		return domain.IndexStatus{}, f.err
	}
	return domain.IndexStatus{Ready: true, Chunks: 12, LoadedFrom: "built"}, nil
}

func (f *handbookFake) Status() domain.IndexStatus {
	return domain.IndexStatus{Ready: true, Chunks: 12}
}

func (f *handbookFake) Answer(_ context.Context, question string) (*domain.RuleQueryResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.RuleQueryResult{
		Question: question,
		Answer:   "An Abitur is required.",
		Sources:  []domain.RuleSource{{Page: 4, Excerpt: "Abitur ...", ChunkIndex: 1}},
	}, nil
}

func (f *handbookFake) FindRelevantSections(_ context.Context, topics []string, k int) (map[string][]domain.ScoredChunk, error) {
	f.topics, f.k = topics, k
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string][]domain.ScoredChunk, len(topics))
	for _, topic := range topics {
		out[topic] = []domain.ScoredChunk{{HandbookChunk: domain.HandbookChunk{Page: 2, Text: topic}, Score: 0.9}}
	}
	return out, nil
}

func (f *handbookFake) CheckCriteria(_ context.Context, criteria domain.ApplicantCriteria) (*domain.RuleQueryResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.RuleQueryResult{Question: criteria.TargetProgram, Answer: "eligible"}, nil
}

func newTestHandler(cfg config.Config) http.Handler {
	return NewRouter(cfg, &submitterFake{}, &readerFake{}, &handbookFake{}, nil).Handler()
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestHandbookQueryMapsInvalidInputTo400(t *testing.T) {
	handler := NewRouter(
		config.Config{},
		&submitterFake{},
		&readerFake{},
		&handbookFake{err: domain.WrapError(domain.ErrInvalidInput, "answer", errors.New("bad query"))},
		nil,
	).Handler()

	res := postJSON(t, handler, "/v1/handbook/query", map[string]any{"question": "test"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestHandbookQueryMapsUninitializedIndexTo503(t *testing.T) {
	handler := NewRouter(
		config.Config{},
		&submitterFake{},
		&readerFake{},
		&handbookFake{err: domain.WrapError(domain.ErrIndexNotInitialized, "search", errors.New("no index"))},
		nil,
	).Handler()

	res := postJSON(t, handler, "/v1/handbook/query", map[string]any{"question": "what is required?"})
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
}

func TestGetApplicationByIDReturns404ForNotFound(t *testing.T) {
	handler := NewRouter(
		config.Config{},
		&submitterFake{},
		&readerFake{err: domain.WrapError(domain.ErrApplicationNotFound, "get", errors.New("id=missing"))},
		&handbookFake{},
		nil,
	).Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/applications/missing", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	cases := []struct {
		kind error
		want int
	}{
		{domain.ErrInvalidInput, http.StatusBadRequest},
		{domain.ErrUnauthorized, http.StatusUnauthorized},
		{domain.ErrApplicationNotFound, http.StatusNotFound},
		{domain.ErrTemporary, http.StatusServiceUnavailable},
		{domain.ErrDependencyUnavailable, http.StatusServiceUnavailable},
		{domain.ErrIllegalTransition, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := mapErrorToHTTPStatus(domain.WrapError(tc.kind, "op", errors.New("x"))); got != tc.want {
			t.Fatalf("kind %v: expected %d, got %d", tc.kind, tc.want, got)
		}
	}
	if got := mapErrorToHTTPStatus(errors.New("plain")); got != http.StatusInternalServerError {
		t.Fatalf("plain error: expected 500, got %d", got)
	}
}

func TestWriteErrorAddsCodeAndRetryAfter(t *testing.T) {
	res := httptest.NewRecorder()
	writeError(res, domain.WrapError(domain.ErrDependencyUnavailable, "ollama.generate", errors.New("circuit breaker is open")))

	if res.Code != http.StatusServiceUnavailable || res.Header().Get("Retry-After") != "30" {
		t.Fatalf("unexpected response: %d retry-after=%q", res.Code, res.Header().Get("Retry-After"))
	}
	var body map[string]string
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["code"] != "dependency_unavailable" {
		t.Fatalf("unexpected code: %v", body)
	}
}
