package document

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"code.sajari.com/docconv/v2"
	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/core/ports"
)

const maxDocumentBytes = 32 << 20

const docxMimeType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true, ".heic": true,
}

// Extractor turns uploaded files into plain text. It never fails: a file it
// cannot read yields an empty string and a warning log.
type Extractor struct {
	storage ports.ObjectStorage
}

func NewExtractor(storage ports.ObjectStorage) *Extractor {
	return &Extractor{storage: storage}
}

func (e *Extractor) Extract(ctx context.Context, file domain.UploadedFile) string {
	ext := strings.ToLower(filepath.Ext(file.Filename))
	if imageExtensions[ext] || strings.HasPrefix(strings.ToLower(file.MimeType), "image/") {
		return fmt.Sprintf("[Image file: %s - text recognition is not available]", file.Filename)
	}

	raw, err := e.read(ctx, file.StoragePath)
	if err != nil {
		slog.Warn("document_text_unavailable", "file", file.Filename, "error", err)
		return ""
	}

	text, err := extractText(ext, raw)
	if err != nil {
		slog.Warn("document_text_extraction_failed", "file", file.Filename, "format", ext, "error", err)
		return ""
	}
	return strings.TrimSpace(text)
}

func (e *Extractor) read(ctx context.Context, key string) ([]byte, error) {
	reader, err := e.storage.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open source document: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(io.LimitReader(reader, maxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read source document: %w", err)
	}
	if len(raw) > maxDocumentBytes {
		return nil, fmt.Errorf("source document exceeds %d bytes", maxDocumentBytes)
	}
	return raw, nil
}

func extractText(ext string, raw []byte) (string, error) {
	switch {
	case bytes.HasPrefix(raw, []byte("%PDF")):
		return extractPDF(raw)
	case ext == ".xlsx":
		return extractXLSX(raw)
	case ext == ".docx":
		return extractDOCX(raw)
	case utf8.Valid(raw):
		return string(raw), nil
	default:
		return "", fmt.Errorf("unsupported binary format")
	}
}

func extractPDF(raw []byte) (text string, err error) {
	// the pdf reader panics on some malformed xref tables
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("parse pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("extract pdf page %d: %w", i, err)
		}
		sb.WriteString(pageText)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// extractXLSX renders every sheet as tab-separated rows, which is how grade
// sheets and transcripts exported from registrar systems usually arrive.
func extractXLSX(raw []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		fmt.Fprintf(&sb, "Sheet: %s\n", sheet)
		for _, row := range rows {
			sb.WriteString(strings.Join(row, "\t"))
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func extractDOCX(raw []byte) (string, error) {
	res, err := docconv.Convert(bytes.NewReader(raw), docxMimeType, false)
	if err != nil {
		return "", fmt.Errorf("convert docx: %w", err)
	}
	return res.Body, nil
}
