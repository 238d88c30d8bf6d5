package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

// admissionsLLM answers every prompt kind the pipeline sends.
type admissionsLLM struct {
	labels     map[string]string
	extraction string
	decision   string
}

func (s admissionsLLM) respond(req domain.CompletionRequest) (string, error) {
	switch {
	case strings.Contains(req.Prompt, "You are a document classifier"):
		for filename, label := range s.labels {
			if strings.Contains(req.Prompt, "Filename: "+filename+"\n") {
				return label, nil
			}
		}
		return `{"document_type":"other","confidence":0.2}`, nil
	case strings.Contains(req.Prompt, "You are an admissions officer"):
		return s.decision, nil
	case strings.Contains(req.Prompt, "expert on university admission rules"):
		return "Abitur grants access to bachelor programs (Page 2).", nil
	default:
		return s.extraction, nil
	}
}

type pipelineFixture struct {
	llm        *llmFake
	extractor  *textExtractorFake
	controller *PipelineController
}

func newPipelineFixture(t *testing.T, script admissionsLLM) pipelineFixture {
	t.Helper()

	llm := &llmFake{respond: script.respond}
	extractor := &textExtractorFake{texts: map[string]string{}}
	index := NewKnowledgeIndex(&loaderFake{pages: handbookPages()}, splitChunker{}, &letterEmbedder{}, &memoryIndexStore{})
	if _, err := index.LoadOrBuild(context.Background()); err != nil {
		t.Fatalf("LoadOrBuild: %v", err)
	}
	retriever := NewRuleRetriever(index, llm, RuleRetrieverOptions{})
	rulebook := testRulebook(t)

	return pipelineFixture{
		llm:       llm,
		extractor: extractor,
		controller: NewPipelineController(
			NewDocumentClassifier(extractor, llm, 2),
			NewDataExtractor(extractor, llm, rulebook, 2),
			NewDecisionMaker(retriever, llm, rulebook, DecisionOptions{}),
		),
	}
}

func stagesOf(app *domain.ApplicationRecord) []domain.Stage {
	var out []domain.Stage
	for _, entry := range app.Audit.Entries() {
		if len(out) == 0 || out[len(out)-1] != entry.Stage {
			out = append(out, entry.Stage)
		}
	}
	return out
}

func assertAuditOrdered(t *testing.T, app *domain.ApplicationRecord) {
	t.Helper()
	entries := app.Audit.Entries()
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.Before(entries[i-1].Timestamp) {
			t.Fatalf("audit entry %d is older than its predecessor", i)
		}
	}
}

func TestPipelineRunApprovesCompleteApplication(t *testing.T) {
	fx := newPipelineFixture(t, admissionsLLM{
		labels: map[string]string{
			"transcript.pdf": `{"document_type":"transcript","confidence":0.95}`,
			"abitur.pdf":     `{"document_type":"abitur","confidence":0.9}`,
		},
		extraction: `{"institution_name":"TU Berlin","graduation_date":"2022","final_grade":"1.3","school_name":"Gymnasium","overall_grade":1.5,"graduation_year":2019}`,
		decision:   `{"status":"APPROVED","confidence":0.91,"reasoning":"All requirements met","applied_rules":[],"handbook_citations":["Page 2"]}`,
	})
	app := domain.NewApplicationRecord("APP-1", "applicant", "Computer Science", "DE", uploaded("transcript.pdf", "abitur.pdf"))

	if err := fx.controller.Run(context.Background(), app); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if app.CurrentStage != domain.StageDecisionMade {
		t.Fatalf("expected decision_made, got %s (%s)", app.CurrentStage, app.ErrorMessage)
	}
	if app.Decision == nil || app.Decision.Status != domain.DecisionApproved {
		t.Fatalf("unexpected decision: %+v", app.Decision)
	}
	if len(app.ClassifiedDocuments) != 2 || len(app.ExtractedRecords) != 2 {
		t.Fatalf("unexpected stage outputs: %d classified, %d extracted", len(app.ClassifiedDocuments), len(app.ExtractedRecords))
	}

	want := []domain.Stage{
		domain.StageClassifyingDocuments,
		domain.StageDocumentsClassified,
		domain.StageExtractingData,
		domain.StageDataExtracted,
		domain.StageMakingDecision,
		domain.StageDecisionMade,
	}
	got := stagesOf(app)
	if len(got) != len(want) {
		t.Fatalf("unexpected stage sequence %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected stage sequence %v", got)
		}
	}
	assertAuditOrdered(t, app)
	if len(fx.llm.callsMatching("expert on university admission rules")) == 0 {
		t.Fatalf("decision must consult the handbook")
	}
}

func TestPipelineRunReportsMissingAbitur(t *testing.T) {
	fx := newPipelineFixture(t, admissionsLLM{
		labels:     map[string]string{"transcript.pdf": `{"document_type":"transcript","confidence":0.95}`},
		extraction: `{"institution_name":"TU Berlin","graduation_date":"2022","final_grade":"1.3"}`,
	})
	app := domain.NewApplicationRecord("APP-2", "applicant", "Computer Science", "DE", uploaded("transcript.pdf"))

	if err := fx.controller.Run(context.Background(), app); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if app.CurrentStage != domain.StageDecisionMade || app.Decision.Status != domain.DecisionMissingDocs {
		t.Fatalf("unexpected outcome: %s %+v", app.CurrentStage, app.Decision)
	}
	if len(app.Decision.MissingDocuments) != 1 || app.Decision.MissingDocuments[0] != "abitur" {
		t.Fatalf("unexpected missing documents: %v", app.Decision.MissingDocuments)
	}
	if n := len(fx.llm.callsMatching("You are an admissions officer")); n != 0 {
		t.Fatalf("decision model called %d times for incomplete application", n)
	}
	if n := len(fx.llm.callsMatching("expert on university admission rules")); n != 0 {
		t.Fatalf("handbook consulted %d times for incomplete application", n)
	}
}

func TestPipelineRunFailsClassificationGate(t *testing.T) {
	fx := newPipelineFixture(t, admissionsLLM{
		labels: map[string]string{"scan.pdf": `{"document_type":"transcript","confidence":0.5}`},
	})
	app := domain.NewApplicationRecord("APP-3", "applicant", "CS", "DE", uploaded("scan.pdf"))

	if err := fx.controller.Run(context.Background(), app); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if app.CurrentStage != domain.StageErrorHandled {
		t.Fatalf("expected error_handled, got %s", app.CurrentStage)
	}
	if app.ErrorMessage != "No documents classified with sufficient confidence" {
		t.Fatalf("unexpected error message %q", app.ErrorMessage)
	}
	if app.Decision != nil || len(app.ExtractedRecords) != 0 {
		t.Fatalf("later stages must not run after a gate failure")
	}

	var actions []string
	for _, entry := range app.Audit.Entries() {
		actions = append(actions, entry.Action)
	}
	joined := strings.Join(actions, ",")
	if !strings.HasSuffix(joined, "classify_documents,stage_failed,handle_error") {
		t.Fatalf("unexpected audit trail %v", actions)
	}
}

func TestPipelineRunFailsExtractionGateOnParseFailures(t *testing.T) {
	fx := newPipelineFixture(t, admissionsLLM{
		labels:     map[string]string{"transcript.pdf": `{"document_type":"transcript","confidence":0.95}`},
		extraction: "sorry, unreadable",
	})
	app := domain.NewApplicationRecord("APP-4", "applicant", "CS", "DE", uploaded("transcript.pdf"))

	if err := fx.controller.Run(context.Background(), app); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if app.CurrentStage != domain.StageErrorHandled || app.ErrorMessage != "No data extracted with sufficient confidence" {
		t.Fatalf("unexpected outcome: %s %q", app.CurrentStage, app.ErrorMessage)
	}
	if len(app.ExtractedRecords) != 1 || !app.ExtractedRecords[0].ParseFailed {
		t.Fatalf("sentinel record must be kept: %+v", app.ExtractedRecords)
	}
}

func TestPipelineRunReportsNoClassifiedDocuments(t *testing.T) {
	llm := &llmFake{respond: func(domain.CompletionRequest) (string, error) {
		return "", errors.New("model down")
	}}
	controller := NewPipelineController(NewDocumentClassifier(&textExtractorFake{}, llm, 1), nil, nil)
	app := domain.NewApplicationRecord("APP-5", "applicant", "CS", "DE", uploaded("a.pdf"))

	if err := controller.Run(context.Background(), app); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if app.CurrentStage != domain.StageErrorHandled || app.ErrorMessage != "No documents were successfully classified" {
		t.Fatalf("unexpected outcome: %s %q", app.CurrentStage, app.ErrorMessage)
	}
}

type classificationStageFake struct {
	docs []domain.ClassifiedDocument
	err  error
}

func (f classificationStageFake) ClassifyAll(context.Context, []domain.UploadedFile, AuditSink) ([]domain.ClassifiedDocument, error) {
	return f.docs, f.err
}

type extractionStageFake struct {
	records []domain.ExtractedRecord
}

func (f extractionStageFake) ExtractAll(context.Context, []domain.ClassifiedDocument, AuditSink) ([]domain.ExtractedRecord, error) {
	return f.records, nil
}

type panickingDecider struct{}

func (panickingDecider) Decide(context.Context, *domain.ApplicationRecord) (*domain.AdmissionDecision, error) {
	panic("nil rulebook")
}

func TestPipelineRunRecoversPanicAsWorkflowError(t *testing.T) {
	controller := NewPipelineController(
		classificationStageFake{docs: []domain.ClassifiedDocument{classified(domain.CategoryTranscript, "t.pdf")}},
		extractionStageFake{records: []domain.ExtractedRecord{{Category: domain.CategoryTranscript, Confidence: 0.9, SourceFile: "t.pdf"}}},
		panickingDecider{},
	)
	app := domain.NewApplicationRecord("APP-6", "applicant", "CS", "CA", uploaded("t.pdf"))

	if err := controller.Run(context.Background(), app); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if app.CurrentStage != domain.StageWorkflowError {
		t.Fatalf("expected workflow_error, got %s", app.CurrentStage)
	}
	if !strings.Contains(app.ErrorMessage, "nil rulebook") {
		t.Fatalf("unexpected error message %q", app.ErrorMessage)
	}
	entries := app.Audit.Entries()
	if last := entries[len(entries)-1]; last.Action != "workflow_error" {
		t.Fatalf("panic must be audited, last entry %+v", last)
	}
}

func TestPipelineRunSurvivesPanickingTextExtraction(t *testing.T) {
	fx := newPipelineFixture(t, admissionsLLM{
		labels:     map[string]string{"good.pdf": `{"document_type":"transcript","confidence":0.95}`},
		extraction: `{"institution_name":"TU Berlin","graduation_date":"2022","final_grade":"1.3"}`,
	})
	fx.extractor.panicOn = "bad.pdf"
	app := domain.NewApplicationRecord("APP-10", "applicant", "CS", "DE", uploaded("good.pdf", "bad.pdf"))

	if err := fx.controller.Run(context.Background(), app); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !app.CurrentStage.IsTerminal() {
		t.Fatalf("expected a terminal stage, got %s", app.CurrentStage)
	}
	if len(app.ClassifiedDocuments) != 1 || app.ClassifiedDocuments[0].File.Filename != "good.pdf" {
		t.Fatalf("good.pdf must survive: %+v", app.ClassifiedDocuments)
	}
	if app.CurrentStage != domain.StageDecisionMade || app.Decision.Status != domain.DecisionMissingDocs {
		t.Fatalf("unexpected outcome: %s %+v", app.CurrentStage, app.Decision)
	}

	var audited bool
	for _, entry := range app.Audit.Entries() {
		if entry.Action == "classification_error" && entry.Details["file"] == "bad.pdf" {
			audited = strings.Contains(entry.Details["error"].(string), "panic")
		}
	}
	if !audited {
		t.Fatalf("panicking file must be audited as a classification error")
	}
}

func TestPipelineRunRejectsUntraceableRecords(t *testing.T) {
	controller := NewPipelineController(
		classificationStageFake{docs: []domain.ClassifiedDocument{classified(domain.CategoryTranscript, "t.pdf")}},
		extractionStageFake{records: []domain.ExtractedRecord{{Category: domain.CategoryTranscript, Confidence: 0.9, SourceFile: "other.pdf"}}},
		panickingDecider{},
	)
	app := domain.NewApplicationRecord("APP-7", "applicant", "CS", "CA", uploaded("t.pdf"))

	if err := controller.Run(context.Background(), app); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if app.CurrentStage != domain.StageWorkflowError {
		t.Fatalf("expected workflow_error, got %s", app.CurrentStage)
	}
}

func TestPipelineRunRoutesCancellationToErrorPath(t *testing.T) {
	controller := NewPipelineController(classificationStageFake{err: context.Canceled}, nil, nil)
	app := domain.NewApplicationRecord("APP-8", "applicant", "CS", "DE", uploaded("a.pdf"))

	if err := controller.Run(context.Background(), app); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if app.CurrentStage != domain.StageErrorHandled || !strings.Contains(app.ErrorMessage, "context canceled") {
		t.Fatalf("unexpected outcome: %s %q", app.CurrentStage, app.ErrorMessage)
	}
}

func TestPipelineRunRejectsProcessedApplication(t *testing.T) {
	controller := NewPipelineController(nil, nil, nil)
	app := domain.NewApplicationRecord("APP-9", "applicant", "CS", "DE", nil)
	app.CurrentStage = domain.StageDecisionMade

	if err := controller.Run(context.Background(), app); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestPipelineTransitionsAppendOneEntryEach(t *testing.T) {
	controller := NewPipelineController(
		classificationStageFake{docs: []domain.ClassifiedDocument{classified(domain.CategoryTranscript, "t.pdf")}},
		extractionStageFake{records: []domain.ExtractedRecord{{Category: domain.CategoryTranscript, Confidence: 0.9, SourceFile: "t.pdf"}}},
		NewDecisionMaker(&ruleAnswererFake{}, &llmFake{respond: func(domain.CompletionRequest) (string, error) {
			return `{"status":"REJECTED","confidence":0.95,"reasoning":"grade too low"}`, nil
		}}, testRulebook(t), DecisionOptions{}),
	)
	app := domain.NewApplicationRecord("APP-10", "applicant", "CS", "CA", uploaded("t.pdf"))

	if err := controller.Run(context.Background(), app); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	// Stage fakes do not audit, so only transitions are logged.
	if got := app.Audit.Len(); got != 6 {
		t.Fatalf("expected 6 transition entries, got %d", got)
	}
	if app.Decision.Status != domain.DecisionRejected {
		t.Fatalf("unexpected decision %+v", app.Decision)
	}
}
