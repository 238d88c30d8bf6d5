package domain

import "strings"

// Category is the closed set of document kinds an applicant can upload.
type Category string

const (
	CategoryTranscript      Category = "transcript"
	CategoryALevels         Category = "a_levels"
	CategoryAbitur          Category = "abitur"
	CategoryIB              Category = "ib"
	CategoryPassport        Category = "passport"
	CategoryCV              Category = "cv"
	CategoryWorkCertificate Category = "work_certificate"
	CategoryApprenticeship  Category = "apprenticeship"
	CategoryOther           Category = "other"
)

// AllCategories lists every category in prompt order.
func AllCategories() []Category {
	return []Category{
		CategoryTranscript,
		CategoryALevels,
		CategoryAbitur,
		CategoryIB,
		CategoryPassport,
		CategoryCV,
		CategoryWorkCertificate,
		CategoryApprenticeship,
		CategoryOther,
	}
}

func ParseCategory(raw string) (Category, bool) {
	normalized := Category(strings.ToLower(strings.TrimSpace(raw)))
	for _, c := range AllCategories() {
		if c == normalized {
			return c, true
		}
	}
	return CategoryOther, false
}

// IsSecondaryEducation reports whether the category is a school-leaving certificate.
func (c Category) IsSecondaryEducation() bool {
	switch c {
	case CategoryALevels, CategoryAbitur, CategoryIB:
		return true
	default:
		return false
	}
}

type UploadedFile struct {
	ID          string `json:"file_id"`
	Filename    string `json:"filename"`
	MimeType    string `json:"file_type"`
	StoragePath string `json:"file_path"`
	SizeBytes   int64  `json:"size_bytes"`
}

type ClassifiedDocument struct {
	File       UploadedFile `json:"file"`
	Category   Category     `json:"document_type"`
	Confidence float64      `json:"confidence"`
	Reasoning  string       `json:"reasoning,omitempty"`
}

type ExtractedRecord struct {
	Category    Category       `json:"document_type"`
	Fields      map[string]any `json:"data"`
	Confidence  float64        `json:"confidence"`
	SourceFile  string         `json:"source_file"`
	ParseFailed bool           `json:"parse_failed,omitempty"`
}

// HasValue reports whether the record carries a non-null value for field.
func (r ExtractedRecord) HasValue(field string) bool {
	v, ok := r.Fields[field]
	return ok && v != nil
}
