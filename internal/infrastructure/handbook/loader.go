package handbook

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

// Loader reads the admission handbook from a PDF, or from a text file whose
// pages are separated by form feeds.
type Loader struct {
	path string
}

func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

func (l *Loader) LoadPages(ctx context.Context) ([]domain.HandbookPage, error) {
	if strings.TrimSpace(l.path) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "load handbook", fmt.Errorf("handbook path is empty"))
	}
	if _, err := os.Stat(l.path); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "load handbook", err)
	}

	var (
		texts []string
		err   error
	)
	if strings.EqualFold(filepath.Ext(l.path), ".pdf") {
		texts, err = readPDFPages(ctx, l.path)
	} else {
		texts, err = readTextPages(l.path)
	}
	if err != nil {
		return nil, err
	}

	source := filepath.Base(l.path)
	pages := make([]domain.HandbookPage, 0, len(texts))
	for i, text := range texts {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pages = append(pages, domain.HandbookPage{
			Source:     source,
			Page:       i + 1,
			TotalPages: len(texts),
			Text:       text,
		})
	}
	return pages, nil
}

func readPDFPages(ctx context.Context, path string) (pages []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("parse handbook pdf: %v", r)
		}
	}()

	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open handbook pdf: %w", err)
	}
	defer f.Close()

	total := reader.NumPage()
	out := make([]string, total)
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extract handbook page %d: %w", i, err)
		}
		out[i-1] = text
	}
	return out, nil
}

func readTextPages(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read handbook: %w", err)
	}
	return strings.Split(string(raw), "\f"), nil
}
