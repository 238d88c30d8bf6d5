package ports

import (
	"context"
	"io"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

type UploadInput struct {
	Filename string
	MimeType string
	Body     io.Reader
}

type SubmitApplicationRequest struct {
	ApplicantID   string
	TargetProgram string
	Entity        string
	Files         []UploadInput
}

// ApplicationSubmitter is the inbound contract for application intake.
type ApplicationSubmitter interface {
	Submit(ctx context.Context, req SubmitApplicationRequest) (*domain.ApplicationRecord, error)
}

// ApplicationReader is the inbound read model for processed applications.
type ApplicationReader interface {
	GetByID(ctx context.Context, id string) (*domain.ApplicationRecord, error)
	List(ctx context.Context, limit int) ([]domain.ApplicationSummary, error)
}

// ApplicationProcessor runs the decision pipeline for a stored application.
type ApplicationProcessor interface {
	ProcessByID(ctx context.Context, applicationID string) (*domain.ApplicationRecord, error)
}

// HandbookService is the inbound contract for the retrieval subsystem.
type HandbookService interface {
	Initialize(ctx context.Context, forceReload bool) (domain.IndexStatus, error)
	Status() domain.IndexStatus
	Answer(ctx context.Context, question string) (*domain.RuleQueryResult, error)
	FindRelevantSections(ctx context.Context, topics []string, k int) (map[string][]domain.ScoredChunk, error)
	CheckCriteria(ctx context.Context, criteria domain.ApplicantCriteria) (*domain.RuleQueryResult, error)
}
