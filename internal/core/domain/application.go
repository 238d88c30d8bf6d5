package domain

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Stage is the pipeline position of an application.
type Stage string

const (
	StageCreated              Stage = "created"
	StageClassifyingDocuments Stage = "classifying_documents"
	StageDocumentsClassified  Stage = "documents_classified"
	StageExtractingData       Stage = "extracting_data"
	StageDataExtracted        Stage = "data_extracted"
	StageMakingDecision       Stage = "making_decision"
	StageDecisionMade         Stage = "decision_made"
	StageError                Stage = "error"
	StageErrorHandled         Stage = "error_handled"
	StageWorkflowError        Stage = "workflow_error"
)

var successPath = []Stage{
	StageCreated,
	StageClassifyingDocuments,
	StageDocumentsClassified,
	StageExtractingData,
	StageDataExtracted,
	StageMakingDecision,
	StageDecisionMade,
}

func (s Stage) rank() int {
	for i, st := range successPath {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Stage) IsTerminal() bool {
	switch s {
	case StageDecisionMade, StageErrorHandled, StageWorkflowError:
		return true
	default:
		return false
	}
}

// CanAdvanceTo reports whether next is a legal successor of s. The success
// path only moves one step forward; error stages absorb from any live stage.
func (s Stage) CanAdvanceTo(next Stage) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case StageError:
		return s != StageError
	case StageErrorHandled:
		return s == StageError
	case StageWorkflowError:
		return true
	}
	from, to := s.rank(), next.rank()
	return from >= 0 && to == from+1
}

type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Stage     Stage          `json:"stage"`
	Actor     string         `json:"agent"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details"`
}

// AuditLog is an append-only ordered log safe for concurrent appends.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (l *AuditLog) Append(entry AuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if n := len(l.entries); n > 0 && entry.Timestamp.Before(l.entries[n-1].Timestamp) {
		entry.Timestamp = l.entries[n-1].Timestamp
	}
	if entry.Details == nil {
		entry.Details = map[string]any{}
	}
	l.entries = append(l.entries, entry)
}

func (l *AuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *AuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *AuditLog) MarshalJSON() ([]byte, error) {
	entries := l.Entries()
	if entries == nil {
		entries = []AuditEntry{}
	}
	return json.Marshal(entries)
}

func (l *AuditLog) UnmarshalJSON(data []byte) error {
	var entries []AuditEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = entries
	return nil
}

// ApplicationRecord is the aggregate root threaded through the pipeline.
type ApplicationRecord struct {
	ID                  string               `json:"application_id"`
	ApplicantID         string               `json:"applicant_id"`
	TargetProgram       string               `json:"target_program"`
	Entity              string               `json:"entity"`
	UploadedFiles       []UploadedFile       `json:"uploaded_files"`
	ClassifiedDocuments []ClassifiedDocument `json:"classified_documents"`
	ExtractedRecords    []ExtractedRecord    `json:"extracted_data"`
	Decision            *AdmissionDecision   `json:"admission_decision,omitempty"`
	CurrentStage        Stage                `json:"current_stage"`
	ErrorMessage        string               `json:"error_message,omitempty"`
	Audit               *AuditLog            `json:"agent_logs"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

func NewApplicationRecord(id, applicantID, targetProgram, entity string, files []UploadedFile) *ApplicationRecord {
	now := time.Now().UTC()
	return &ApplicationRecord{
		ID:            id,
		ApplicantID:   applicantID,
		TargetProgram: targetProgram,
		Entity:        entity,
		UploadedFiles: files,
		CurrentStage:  StageCreated,
		Audit:         &AuditLog{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Advance moves the record to next, refusing regressions and exits from terminal stages.
func (a *ApplicationRecord) Advance(next Stage) error {
	if !a.CurrentStage.CanAdvanceTo(next) {
		return WrapError(ErrIllegalTransition, "advance stage", fmt.Errorf("%s -> %s", a.CurrentStage, next))
	}
	a.CurrentStage = next
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (a *ApplicationRecord) Log(actor, action string, details map[string]any) {
	if a.Audit == nil {
		a.Audit = &AuditLog{}
	}
	a.Audit.Append(AuditEntry{
		Stage:   a.CurrentStage,
		Actor:   actor,
		Action:  action,
		Details: details,
	})
}

// ClassifiedCategories returns the set of categories present among classified documents.
func (a *ApplicationRecord) ClassifiedCategories() map[Category]struct{} {
	out := make(map[Category]struct{}, len(a.ClassifiedDocuments))
	for _, doc := range a.ClassifiedDocuments {
		out[doc.Category] = struct{}{}
	}
	return out
}

// ApplicationSummary is the list view of an application.
type ApplicationSummary struct {
	ID             string         `json:"application_id"`
	ApplicantID    string         `json:"applicant_id"`
	TargetProgram  string         `json:"target_program"`
	Entity         string         `json:"entity"`
	CurrentStage   Stage          `json:"current_stage"`
	CreatedAt      time.Time      `json:"created_at"`
	NumDocuments   int            `json:"num_documents"`
	DecisionStatus DecisionStatus `json:"decision_status,omitempty"`
}

func (a *ApplicationRecord) Summary() ApplicationSummary {
	out := ApplicationSummary{
		ID:            a.ID,
		ApplicantID:   a.ApplicantID,
		TargetProgram: a.TargetProgram,
		Entity:        a.Entity,
		CurrentStage:  a.CurrentStage,
		CreatedAt:     a.CreatedAt,
		NumDocuments:  len(a.UploadedFiles),
	}
	if a.Decision != nil {
		out.DecisionStatus = a.Decision.Status
	}
	return out
}
