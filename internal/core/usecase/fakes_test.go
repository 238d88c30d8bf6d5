package usecase

import (
	"context"
	"errors"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

type llmFake struct {
	mu      sync.Mutex
	calls   []domain.CompletionRequest
	respond func(req domain.CompletionRequest) (string, error)
}

func (f *llmFake) Complete(_ context.Context, req domain.CompletionRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.respond == nil {
		return "", errors.New("no response configured")
	}
	return f.respond(req)
}

func (f *llmFake) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *llmFake) callsMatching(substr string) []domain.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CompletionRequest
	for _, c := range f.calls {
		if strings.Contains(c.Prompt, substr) {
			out = append(out, c)
		}
	}
	return out
}

type textExtractorFake struct {
	texts   map[string]string
	panicOn string
}

func (f *textExtractorFake) Extract(_ context.Context, file domain.UploadedFile) string {
	if f.panicOn != "" && file.Filename == f.panicOn {
		panic("corrupt xref table in " + file.Filename)
	}
	return f.texts[file.Filename]
}

// splitChunker splits on blank lines.
type splitChunker struct{}

func (splitChunker) Split(text string) []string {
	var out []string
	for _, part := range strings.Split(text, "\n\n") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type loaderFake struct {
	pages []domain.HandbookPage
	err   error
	calls int
}

func (f *loaderFake) LoadPages(context.Context) ([]domain.HandbookPage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.pages, nil
}

// letterEmbedder maps text to normalized letter frequencies.
type letterEmbedder struct {
	err      error
	shortBy  int
	embedded int
}

func (e *letterEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		out = append(out, letterVector(t))
	}
	e.embedded += len(texts)
	if e.shortBy > 0 && len(out) >= e.shortBy {
		out = out[:len(out)-e.shortBy]
	}
	return out, nil
}

func (e *letterEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return letterVector(text), nil
}

func letterVector(text string) []float32 {
	vec := make([]float32, 26)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			vec[r-'a']++
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

type memoryIndexStore struct {
	mu       sync.Mutex
	exists   bool
	chunks   []domain.HandbookChunk
	vectors  [][]float32
	statErr  error
	searchFn func() ([]domain.ScoredChunk, error)
	replaces int
}

func (s *memoryIndexStore) Stat(context.Context) (domain.IndexStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statErr != nil {
		return domain.IndexStat{}, s.statErr
	}
	return domain.IndexStat{Exists: s.exists, Points: len(s.chunks)}, nil
}

func (s *memoryIndexStore) Replace(_ context.Context, chunks []domain.HandbookChunk, vectors [][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exists = true
	s.chunks = append([]domain.HandbookChunk(nil), chunks...)
	s.vectors = append([][]float32(nil), vectors...)
	s.statErr = nil
	s.replaces++
	return nil
}

func (s *memoryIndexStore) Search(_ context.Context, query []float32, limit int) ([]domain.ScoredChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.searchFn != nil {
		return s.searchFn()
	}
	out := make([]domain.ScoredChunk, 0, len(s.chunks))
	for i, chunk := range s.chunks {
		var dot float64
		for j := range query {
			dot += float64(query[j] * s.vectors[i][j])
		}
		out = append(out, domain.ScoredChunk{HandbookChunk: chunk, Score: dot})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type applicationRepoFake struct {
	mu      sync.Mutex
	apps    map[string]*domain.ApplicationRecord
	created []*domain.ApplicationRecord
	saved   []*domain.ApplicationRecord
	err     error
	saveErr error
}

func newApplicationRepoFake(apps ...*domain.ApplicationRecord) *applicationRepoFake {
	f := &applicationRepoFake{apps: map[string]*domain.ApplicationRecord{}}
	for _, app := range apps {
		f.apps[app.ID] = app
	}
	return f
}

func (f *applicationRepoFake) Create(_ context.Context, app *domain.ApplicationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, app)
	f.apps[app.ID] = app
	return nil
}

func (f *applicationRepoFake) GetByID(_ context.Context, id string) (*domain.ApplicationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	app, ok := f.apps[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrApplicationNotFound, "get application", errors.New(id))
	}
	return app, nil
}

func (f *applicationRepoFake) Save(_ context.Context, app *domain.ApplicationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, app)
	f.apps[app.ID] = app
	return nil
}

func (f *applicationRepoFake) List(context.Context, int) ([]domain.ApplicationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ApplicationSummary, 0, len(f.apps))
	for _, app := range f.apps {
		out = append(out, app.Summary())
	}
	return out, nil
}

type objectStorageFake struct {
	saved   map[string]string
	deleted []string
	err     error
	// failOn limits err to keys for this file name.
	failOn string
}

func (f *objectStorageFake) Save(_ context.Context, key string, data io.Reader) (int64, error) {
	if f.err != nil && (f.failOn == "" || strings.HasSuffix(key, "_"+f.failOn)) {
		return 0, f.err
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return 0, err
	}
	if f.saved == nil {
		f.saved = map[string]string{}
	}
	f.saved[key] = string(raw)
	return int64(len(raw)), nil
}

func (f *objectStorageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.saved[key])), nil
}

func (f *objectStorageFake) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	delete(f.saved, key)
	return nil
}

type queueFake struct {
	published []string
	err       error
}

func (f *queueFake) PublishApplicationSubmitted(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, id)
	return nil
}

func (f *queueFake) SubscribeApplicationSubmitted(context.Context, func(context.Context, string) error) error {
	return nil
}

func testRulebook(t *testing.T) *domain.Rulebook {
	t.Helper()

	fields := func(names ...string) []domain.FieldSpec {
		out := make([]domain.FieldSpec, 0, len(names))
		for _, n := range names {
			out = append(out, domain.FieldSpec{Name: n, Description: n})
		}
		return out
	}
	schemas := []domain.CategorySchema{
		{
			Category:       domain.CategoryTranscript,
			Instruction:    "Extract data from this academic transcript.",
			Fields:         fields("institution_name", "degree_type", "graduation_date", "final_grade", "courses"),
			CriticalFields: []string{"institution_name", "graduation_date", "final_grade"},
		},
		{
			Category:       domain.CategoryALevels,
			Instruction:    "Extract data from this A-level certificate.",
			Fields:         fields("exam_board", "subjects", "grades", "candidate_number"),
			CriticalFields: []string{"exam_board", "subjects"},
		},
		{
			Category:       domain.CategoryAbitur,
			Instruction:    "Extract data from this Abitur certificate.",
			Fields:         fields("school_name", "overall_grade", "graduation_year", "subjects"),
			CriticalFields: []string{"school_name", "overall_grade", "graduation_year"},
		},
		{
			Category:       domain.CategoryIB,
			Instruction:    "Extract data from this IB diploma.",
			Fields:         fields("total_points", "subjects", "graduation_year"),
			CriticalFields: []string{"total_points", "subjects", "graduation_year"},
		},
		{Category: domain.CategoryPassport, Instruction: "Extract data from this passport.", Fields: fields("full_name", "nationality", "date_of_birth")},
		{Category: domain.CategoryCV, Instruction: "Extract data from this CV.", Fields: fields("full_name", "education", "work_experience")},
		{Category: domain.CategoryWorkCertificate, Instruction: "Extract data from this work certificate.", Fields: fields("employer", "position", "start_date", "end_date")},
		{Category: domain.CategoryApprenticeship, Instruction: "Extract data from this apprenticeship certificate.", Fields: fields("profession", "institution", "completion_date")},
		{Category: domain.CategoryOther, Instruction: "Extract the key facts from this document.", Fields: fields("title", "summary")},
	}
	required := map[string][]domain.Category{
		"DE": {domain.CategoryTranscript, domain.CategoryAbitur},
		"UK": {domain.CategoryTranscript, domain.CategoryALevels},
		"CA": {domain.CategoryTranscript},
	}

	rb, err := domain.NewRulebook(schemas, required)
	if err != nil {
		t.Fatalf("build test rulebook: %v", err)
	}
	return rb
}

func uploaded(names ...string) []domain.UploadedFile {
	out := make([]domain.UploadedFile, 0, len(names))
	for i, n := range names {
		out = append(out, domain.UploadedFile{
			ID:          "DOC-00000" + string(rune('0'+i)),
			Filename:    n,
			MimeType:    "application/pdf",
			StoragePath: "APP-TEST/" + n,
		})
	}
	return out
}
