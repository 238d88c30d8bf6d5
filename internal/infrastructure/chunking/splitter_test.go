package chunking

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitShortTextIsSingleChunk(t *testing.T) {
	s := NewSplitter(100, 20)
	got := s.Split("  Applicants need a recognised school-leaving certificate.  ")
	if len(got) != 1 || got[0] != "Applicants need a recognised school-leaving certificate." {
		t.Fatalf("unexpected chunks: %q", got)
	}
	if s.Split(" \n\n ") != nil {
		t.Fatalf("blank text must yield no chunks")
	}
}

func TestSplitPrefersParagraphBoundaries(t *testing.T) {
	s := NewSplitter(40, 0)
	text := "First paragraph about deadlines.\n\nSecond paragraph on grades.\n\nThird paragraph is here."
	got := s.Split(text)
	want := []string{"First paragraph about deadlines.", "Second paragraph on grades.", "Third paragraph is here."}
	if len(got) != len(want) {
		t.Fatalf("expected %d chunks, got %q", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestSplitRespectsSizeAndOverlap(t *testing.T) {
	s := NewSplitter(50, 15)
	words := make([]string, 0, 60)
	for i := 0; i < 60; i++ {
		words = append(words, "word")
	}
	got := s.Split(strings.Join(words, " "))
	if len(got) < 2 {
		t.Fatalf("expected several chunks, got %d", len(got))
	}
	for i, chunk := range got {
		if n := utf8.RuneCountInString(chunk); n > 50 {
			t.Fatalf("chunk %d has %d runes", i, n)
		}
	}
	// each chunk after the first repeats the tail of its predecessor
	if !strings.HasPrefix(got[1], "word word") {
		t.Fatalf("expected overlapping context, got %q", got[1])
	}
}

func TestSplitFallsBackToCharacters(t *testing.T) {
	s := NewSplitter(10, 0)
	got := s.Split(strings.Repeat("ä", 25))
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %q", got)
	}
	if utf8.RuneCountInString(got[0]) != 10 || utf8.RuneCountInString(got[2]) != 5 {
		t.Fatalf("unexpected chunk sizes: %q", got)
	}
}

func TestNewSplitterNormalizes(t *testing.T) {
	s := NewSplitter(0, -3)
	if s.ChunkSize != 1500 || s.Overlap != 0 {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	s = NewSplitter(100, 100)
	if s.Overlap != 25 {
		t.Fatalf("overlap >= size must be reduced, got %d", s.Overlap)
	}
}
