package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

const (
	classificationGateThreshold = 0.5
	extractionGateThreshold     = 0.1

	actorDecision = "AdmissionDecision"
	actorWorkflow = "Workflow"
)

type ClassificationStage interface {
	ClassifyAll(ctx context.Context, files []domain.UploadedFile, audit AuditSink) ([]domain.ClassifiedDocument, error)
}

type ExtractionStage interface {
	ExtractAll(ctx context.Context, docs []domain.ClassifiedDocument, audit AuditSink) ([]domain.ExtractedRecord, error)
}

type DecisionStage interface {
	Decide(ctx context.Context, app *domain.ApplicationRecord) (*domain.AdmissionDecision, error)
}

// stepResult is the outcome of one pipeline step. An empty failure continues.
type stepResult struct {
	failure string
	// broken marks a violated record invariant rather than a stage failure.
	broken bool
}

func proceed() stepResult { return stepResult{} }

func fail(format string, args ...any) stepResult {
	return stepResult{failure: fmt.Sprintf(format, args...)}
}

func broken(err error) stepResult {
	return stepResult{failure: err.Error(), broken: true}
}

func (r stepResult) ok() bool { return r.failure == "" }

// PipelineController drives one application through classification,
// extraction and decision. It owns the record for the duration of Run.
type PipelineController struct {
	classifier ClassificationStage
	extractor  ExtractionStage
	decider    DecisionStage
}

func NewPipelineController(classifier ClassificationStage, extractor ExtractionStage, decider DecisionStage) *PipelineController {
	return &PipelineController{
		classifier: classifier,
		extractor:  extractor,
		decider:    decider,
	}
}

// Run leaves app in a terminal stage. It only returns an error when app is
// not in the created stage; every stage failure is recorded on the record.
func (p *PipelineController) Run(ctx context.Context, app *domain.ApplicationRecord) error {
	if app.CurrentStage != domain.StageCreated {
		return domain.WrapError(domain.ErrInvalidInput, "run pipeline", fmt.Errorf("application %s is in stage %s", app.ID, app.CurrentStage))
	}
	if app.Audit == nil {
		app.Audit = &domain.AuditLog{}
	}

	defer func() {
		if r := recover(); r != nil {
			p.workflowError(app, fmt.Sprintf("Workflow execution failed: %v", r))
		}
	}()

	steps := []func(context.Context, *domain.ApplicationRecord) stepResult{
		p.classifyDocuments,
		p.extractData,
		p.makeDecision,
	}
	for _, step := range steps {
		result := step(ctx, app)
		if result.ok() {
			continue
		}
		if result.broken {
			p.workflowError(app, result.failure)
			return nil
		}
		p.handleError(app, result.failure)
		return nil
	}

	slog.Info("application_processed",
		"application_id", app.ID,
		"status", app.Decision.Status,
		"confidence", app.Decision.Confidence,
	)
	return nil
}

func (p *PipelineController) classifyDocuments(ctx context.Context, app *domain.ApplicationRecord) stepResult {
	if err := p.transition(app, domain.StageClassifyingDocuments, actorClassifier, "start_classification", map[string]any{
		"files": len(app.UploadedFiles),
	}); err != nil {
		return broken(err)
	}

	docs, err := p.classifier.ClassifyAll(ctx, app.UploadedFiles, app)
	if err != nil {
		return fail("Document classification failed: %v", err)
	}
	app.ClassifiedDocuments = docs
	if err := checkUniqueSources(docs); err != nil {
		return broken(err)
	}

	confident := 0
	for _, doc := range docs {
		if doc.Confidence > classificationGateThreshold {
			confident++
		}
	}
	if err := p.transition(app, domain.StageDocumentsClassified, actorClassifier, "classify_documents", map[string]any{
		"classified": len(docs),
		"confident":  confident,
	}); err != nil {
		return broken(err)
	}

	if len(docs) == 0 {
		return fail("No documents were successfully classified")
	}
	if confident == 0 {
		return fail("No documents classified with sufficient confidence")
	}
	return proceed()
}

func (p *PipelineController) extractData(ctx context.Context, app *domain.ApplicationRecord) stepResult {
	if err := p.transition(app, domain.StageExtractingData, actorExtractor, "start_extraction", map[string]any{
		"documents": len(app.ClassifiedDocuments),
	}); err != nil {
		return broken(err)
	}

	records, err := p.extractor.ExtractAll(ctx, app.ClassifiedDocuments, app)
	if err != nil {
		return fail("Data extraction failed: %v", err)
	}
	app.ExtractedRecords = records
	if err := checkRecordsTraceable(app.ClassifiedDocuments, records); err != nil {
		return broken(err)
	}

	confident := 0
	for _, record := range records {
		if record.Confidence > extractionGateThreshold {
			confident++
		}
	}
	if err := p.transition(app, domain.StageDataExtracted, actorExtractor, "extract_data", map[string]any{
		"extracted": len(records),
		"confident": confident,
	}); err != nil {
		return broken(err)
	}

	if len(records) == 0 {
		return fail("No data was successfully extracted")
	}
	if confident == 0 {
		return fail("No data extracted with sufficient confidence")
	}
	return proceed()
}

func (p *PipelineController) makeDecision(ctx context.Context, app *domain.ApplicationRecord) stepResult {
	if err := p.transition(app, domain.StageMakingDecision, actorDecision, "start_decision", map[string]any{
		"records": len(app.ExtractedRecords),
	}); err != nil {
		return broken(err)
	}

	decision, err := p.decider.Decide(ctx, app)
	if err != nil {
		return fail("Admission decision failed: %v", err)
	}
	app.Decision = decision

	if err := p.transition(app, domain.StageDecisionMade, actorDecision, "make_decision", map[string]any{
		"status":        string(decision.Status),
		"confidence":    decision.Confidence,
		"rules_applied": len(decision.AppliedRules),
	}); err != nil {
		return broken(err)
	}
	return proceed()
}

func (p *PipelineController) handleError(app *domain.ApplicationRecord, message string) {
	failedStage := app.CurrentStage
	app.ErrorMessage = message
	slog.Error("application_stage_failed", "application_id", app.ID, "stage", failedStage, "error", message)

	if err := p.transition(app, domain.StageError, actorWorkflow, "stage_failed", map[string]any{
		"failed_stage": string(failedStage),
		"error":        message,
	}); err != nil {
		p.workflowError(app, err.Error())
		return
	}
	if err := p.transition(app, domain.StageErrorHandled, actorWorkflow, "handle_error", map[string]any{
		"error": message,
	}); err != nil {
		p.workflowError(app, err.Error())
	}
}

func (p *PipelineController) workflowError(app *domain.ApplicationRecord, message string) {
	slog.Error("application_workflow_error", "application_id", app.ID, "stage", app.CurrentStage, "error", message)
	app.ErrorMessage = message
	if err := app.Advance(domain.StageWorkflowError); err != nil {
		// Already terminal; keep the record as is and only audit.
		slog.Error("application_workflow_error_unrecorded", "application_id", app.ID, "error", err)
	}
	app.Log(actorWorkflow, "workflow_error", map[string]any{"error": message})
}

// transition advances the record and appends exactly one audit entry.
func (p *PipelineController) transition(app *domain.ApplicationRecord, next domain.Stage, actor, action string, details map[string]any) error {
	before := app.Audit.Len()
	if err := app.Advance(next); err != nil {
		return err
	}
	app.Log(actor, action, details)
	if after := app.Audit.Len(); after != before+1 {
		return fmt.Errorf("audit log grew by %d entries on %s", after-before, next)
	}
	return nil
}

var errDuplicateSource = errors.New("duplicate source file")

func checkUniqueSources(docs []domain.ClassifiedDocument) error {
	seen := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		if _, dup := seen[doc.File.Filename]; dup {
			return fmt.Errorf("%w: %s", errDuplicateSource, doc.File.Filename)
		}
		seen[doc.File.Filename] = struct{}{}
	}
	return nil
}

func checkRecordsTraceable(docs []domain.ClassifiedDocument, records []domain.ExtractedRecord) error {
	sources := make(map[string]int, len(docs))
	for _, doc := range docs {
		sources[doc.File.Filename]++
	}
	used := make(map[string]struct{}, len(records))
	for _, record := range records {
		if sources[record.SourceFile] != 1 {
			return fmt.Errorf("extracted record %q does not map to exactly one classified document", record.SourceFile)
		}
		if _, dup := used[record.SourceFile]; dup {
			return fmt.Errorf("%w: %s extracted twice", errDuplicateSource, record.SourceFile)
		}
		used[record.SourceFile] = struct{}{}
	}
	return nil
}
