package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/core/ports"
)

// PipelineObserver records the outcome of processed applications.
type PipelineObserver interface {
	ObservePipeline(final domain.Stage, decision domain.DecisionStatus, duration time.Duration)
}

type ProcessApplicationUseCase struct {
	repo     ports.ApplicationRepository
	pipeline *PipelineController
	observer PipelineObserver
}

var _ ports.ApplicationProcessor = (*ProcessApplicationUseCase)(nil)

func NewProcessApplicationUseCase(
	repo ports.ApplicationRepository,
	pipeline *PipelineController,
	observer PipelineObserver,
) *ProcessApplicationUseCase {
	return &ProcessApplicationUseCase{
		repo:     repo,
		pipeline: pipeline,
		observer: observer,
	}
}

// ProcessByID runs the pipeline for a stored application and persists the
// result. Redelivered events for finished applications are no-ops.
func (uc *ProcessApplicationUseCase) ProcessByID(ctx context.Context, applicationID string) (*domain.ApplicationRecord, error) {
	app, err := uc.loadApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.CurrentStage.IsTerminal() {
		slog.Info("application_already_processed", "application_id", app.ID, "stage", app.CurrentStage)
		return app, nil
	}

	started := time.Now()
	if err := uc.pipeline.Run(ctx, app); err != nil {
		return nil, fmt.Errorf("run pipeline: %w", err)
	}
	uc.observe(app, time.Since(started))

	// The outcome is persisted even when the caller's deadline has passed.
	if err := uc.repo.Save(context.WithoutCancel(ctx), app); err != nil {
		return nil, fmt.Errorf("save processed application: %w", err)
	}
	return app, nil
}

func (uc *ProcessApplicationUseCase) loadApplication(ctx context.Context, applicationID string) (*domain.ApplicationRecord, error) {
	app, err := uc.repo.GetByID(ctx, applicationID)
	if err != nil {
		return nil, fmt.Errorf("fetch application by id: %w", err)
	}
	return app, nil
}

func (uc *ProcessApplicationUseCase) observe(app *domain.ApplicationRecord, duration time.Duration) {
	if uc.observer == nil {
		return
	}
	var status domain.DecisionStatus
	if app.Decision != nil {
		status = app.Decision.Status
	}
	uc.observer.ObservePipeline(app.CurrentStage, status, duration)
}
