package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/core/ports"
)

const (
	defaultEntity = "DE"
	actorIntake   = "Intake"
)

type SubmitApplicationUseCase struct {
	repo    ports.ApplicationRepository
	storage ports.ObjectStorage
	queue   ports.MessageQueue
}

var _ ports.ApplicationSubmitter = (*SubmitApplicationUseCase)(nil)

func NewSubmitApplicationUseCase(
	repo ports.ApplicationRepository,
	storage ports.ObjectStorage,
	queue ports.MessageQueue,
) *SubmitApplicationUseCase {
	return &SubmitApplicationUseCase{
		repo:    repo,
		storage: storage,
		queue:   queue,
	}
}

// Submit stores the uploaded files, records the application in the created
// stage and queues it for processing.
func (uc *SubmitApplicationUseCase) Submit(ctx context.Context, req ports.SubmitApplicationRequest) (*domain.ApplicationRecord, error) {
	if err := validateSubmission(req); err != nil {
		return nil, err
	}

	entity := strings.ToUpper(strings.TrimSpace(req.Entity))
	if entity == "" {
		entity = defaultEntity
	}

	appID := newApplicationID()
	files := make([]domain.UploadedFile, 0, len(req.Files))
	for _, upload := range req.Files {
		fileID := newFileID()
		storageKey := fmt.Sprintf("%s/%s_%s", appID, fileID, sanitizeFilename(upload.Filename))

		size, err := uc.storage.Save(ctx, storageKey, upload.Body)
		if err != nil {
			uc.discardFiles(ctx, appID, files)
			return nil, fmt.Errorf("save %s to object storage: %w", upload.Filename, err)
		}
		files = append(files, domain.UploadedFile{
			ID:          fileID,
			Filename:    upload.Filename,
			MimeType:    upload.MimeType,
			StoragePath: storageKey,
			SizeBytes:   size,
		})
	}

	app := domain.NewApplicationRecord(appID, strings.TrimSpace(req.ApplicantID), strings.TrimSpace(req.TargetProgram), entity, files)
	app.Log(actorIntake, "submit_application", map[string]any{
		"files":          len(files),
		"target_program": app.TargetProgram,
	})

	if err := uc.repo.Create(ctx, app); err != nil {
		uc.discardFiles(ctx, appID, files)
		return nil, fmt.Errorf("create application record: %w", err)
	}
	if err := uc.queue.PublishApplicationSubmitted(ctx, app.ID); err != nil {
		return nil, fmt.Errorf("publish application event: %w", err)
	}

	slog.Info("application_submitted", "application_id", app.ID, "files", len(files), "entity", entity)
	return app, nil
}

// discardFiles removes documents saved for a submission that was never
// recorded. It runs even when ctx is already cancelled.
func (uc *SubmitApplicationUseCase) discardFiles(ctx context.Context, appID string, files []domain.UploadedFile) {
	ctx = context.WithoutCancel(ctx)
	for _, file := range files {
		if err := uc.storage.Delete(ctx, file.StoragePath); err != nil {
			slog.Warn("uploaded_file_cleanup_failed", "application_id", appID, "key", file.StoragePath, "error", err)
		}
	}
}

func validateSubmission(req ports.SubmitApplicationRequest) error {
	var problems []string
	if strings.TrimSpace(req.ApplicantID) == "" {
		problems = append(problems, "applicant_id is required")
	}
	if strings.TrimSpace(req.TargetProgram) == "" {
		problems = append(problems, "target_program is required")
	}
	if len(req.Files) == 0 {
		problems = append(problems, "at least one file is required")
	}

	seen := make(map[string]struct{}, len(req.Files))
	for _, f := range req.Files {
		if strings.TrimSpace(f.Filename) == "" {
			problems = append(problems, "file name is required")
			continue
		}
		if f.Body == nil {
			problems = append(problems, fmt.Sprintf("file %s has no body", f.Filename))
		}
		if _, dup := seen[f.Filename]; dup {
			problems = append(problems, fmt.Sprintf("duplicate file name %s", f.Filename))
		}
		seen[f.Filename] = struct{}{}
	}

	if len(problems) > 0 {
		return domain.WrapError(domain.ErrInvalidInput, "submit application", errors.New(strings.Join(problems, "; ")))
	}
	return nil
}

func newApplicationID() string {
	return "APP-" + strings.ToUpper(compactUUID()[:8])
}

func newFileID() string {
	return "DOC-" + compactUUID()[:6]
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." {
		return "document.bin"
	}
	return base
}
