package mcpadapter

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

type handbookFake struct {
	err    error
	topics []string
	k      int
}

func (f *handbookFake) Initialize(context.Context, bool) (domain.IndexStatus, error) {
	return domain.IndexStatus{Ready: true}, nil
}

func (f *handbookFake) Status() domain.IndexStatus { return domain.IndexStatus{Ready: true} }

func (f *handbookFake) Answer(_ context.Context, question string) (*domain.RuleQueryResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.RuleQueryResult{
		Question: question,
		Answer:   "Applicants need an Abitur.",
		Sources:  []domain.RuleSource{{Page: 7, Excerpt: "Abitur", ChunkIndex: 0}},
	}, nil
}

func (f *handbookFake) FindRelevantSections(_ context.Context, topics []string, k int) (map[string][]domain.ScoredChunk, error) {
	f.topics, f.k = topics, k
	if f.err != nil {
		return nil, f.err
	}
	out := map[string][]domain.ScoredChunk{}
	for _, topic := range topics {
		out[topic] = []domain.ScoredChunk{{HandbookChunk: domain.HandbookChunk{Page: 3, Text: "about " + topic}, Score: 0.8}}
	}
	return out, nil
}

func (f *handbookFake) CheckCriteria(context.Context, domain.ApplicantCriteria) (*domain.RuleQueryResult, error) {
	return &domain.RuleQueryResult{}, nil
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("empty tool result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func TestQueryHandbookReturnsAnswerWithSources(t *testing.T) {
	s := NewServer(&handbookFake{})

	res, err := s.queryHandbook(context.Background(), callRequest("query_handbook", map[string]any{"question": "What is required?"}))
	if err != nil {
		t.Fatalf("queryHandbook returned error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}
	text := resultText(t, res)
	if !strings.Contains(text, "Applicants need an Abitur.") || !strings.Contains(text, `"page": 7`) {
		t.Fatalf("unexpected payload: %s", text)
	}
}

func TestQueryHandbookRequiresQuestion(t *testing.T) {
	s := NewServer(&handbookFake{})

	res, err := s.queryHandbook(context.Background(), callRequest("query_handbook", map[string]any{}))
	if err != nil {
		t.Fatalf("queryHandbook returned error: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected tool error for missing question")
	}
}

func TestQueryHandbookReportsUninitializedIndex(t *testing.T) {
	s := NewServer(&handbookFake{err: domain.WrapError(domain.ErrIndexNotInitialized, "search", errors.New("no collection"))})

	res, _ := s.queryHandbook(context.Background(), callRequest("query_handbook", map[string]any{"question": "q"}))
	if !res.IsError || !strings.Contains(resultText(t, res), "index build") {
		t.Fatalf("expected initialization hint, got %+v", res)
	}
}

func TestFindSectionsClampsK(t *testing.T) {
	hb := &handbookFake{}
	s := NewServer(hb)

	res, err := s.findSections(context.Background(), callRequest("find_handbook_sections", map[string]any{
		"topics": []any{"fees", " ", "deadlines"},
		"k":      50,
	}))
	if err != nil {
		t.Fatalf("findSections returned error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}
	if hb.k != maxSectionsK {
		t.Fatalf("expected k clamped to %d, got %d", maxSectionsK, hb.k)
	}
	if len(hb.topics) != 2 {
		t.Fatalf("blank topics must be dropped, got %v", hb.topics)
	}
	if !strings.Contains(resultText(t, res), "about deadlines") {
		t.Fatalf("unexpected payload: %s", resultText(t, res))
	}
}
