package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/core/ports"
)

const (
	decisionMaxTokens   = 2000
	decisionTemperature = 0.1

	defaultMaxRuleQuestions = 8
	defaultConfidenceFloor  = 0.8

	decisionParseFailedReasoning = "Decision parsing failed - requires manual review"
)

// RuleAnswerer runs a batch of handbook questions.
type RuleAnswerer interface {
	BatchAnswer(ctx context.Context, questions []string) ([]domain.RuleQueryResult, error)
}

type DecisionOptions struct {
	MaxRuleQuestions int
	ConfidenceFloor  float64
}

type DecisionMaker struct {
	rules    RuleAnswerer
	llm      ports.LanguageModel
	rulebook *domain.Rulebook
	opts     DecisionOptions
}

func NewDecisionMaker(rules RuleAnswerer, llm ports.LanguageModel, rulebook *domain.Rulebook, opts DecisionOptions) *DecisionMaker {
	if opts.MaxRuleQuestions <= 0 {
		opts.MaxRuleQuestions = defaultMaxRuleQuestions
	}
	if opts.ConfidenceFloor <= 0 || opts.ConfidenceFloor > 1 {
		opts.ConfidenceFloor = defaultConfidenceFloor
	}
	return &DecisionMaker{
		rules:    rules,
		llm:      llm,
		rulebook: rulebook,
		opts:     opts,
	}
}

// Decide produces the admission decision from classified documents and
// extracted records. Incomplete applications short-circuit to MISSING_DOCS
// without touching the handbook or the model.
func (d *DecisionMaker) Decide(ctx context.Context, app *domain.ApplicationRecord) (*domain.AdmissionDecision, error) {
	if missing := d.MissingDocuments(app); len(missing) > 0 {
		slog.Info("decision_missing_documents", "application_id", app.ID, "missing", missing)
		return &domain.AdmissionDecision{
			Status:            domain.DecisionMissingDocs,
			Confidence:        1.0,
			Reasoning:         "Missing required documents: " + strings.Join(missing, ", "),
			AppliedRules:      []domain.AppliedRule{},
			MissingDocuments:  missing,
			HandbookCitations: []string{},
		}, nil
	}

	profile := BuildApplicantProfile(app)
	questions := d.RuleQuestions(profile)

	rules, err := d.rules.BatchAnswer(ctx, questions)
	if err != nil {
		return nil, fmt.Errorf("query admission rules: %w", err)
	}

	raw, err := d.llm.Complete(ctx, domain.CompletionRequest{
		Prompt:      buildDecisionPrompt(profile, questions, rules),
		MaxTokens:   decisionMaxTokens,
		Temperature: decisionTemperature,
		JSON:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize decision: %w", err)
	}
	return d.parseDecision(raw), nil
}

// MissingDocuments lists required categories absent from the classified
// documents, in rulebook order.
func (d *DecisionMaker) MissingDocuments(app *domain.ApplicationRecord) []string {
	present := app.ClassifiedCategories()
	var missing []string
	for _, required := range d.rulebook.RequiredDocuments(app.Entity) {
		if _, ok := present[required]; !ok {
			missing = append(missing, string(required))
		}
	}
	return missing
}

func BuildApplicantProfile(app *domain.ApplicationRecord) domain.ApplicantProfile {
	profile := domain.ApplicantProfile{
		TargetProgram:  app.TargetProgram,
		Entity:         app.Entity,
		Qualifications: []domain.Qualification{},
		WorkExperience: []map[string]any{},
		PersonalInfo:   map[string]any{},
	}

	for _, record := range app.ExtractedRecords {
		switch {
		case record.Category == domain.CategoryTranscript:
			profile.Qualifications = append(profile.Qualifications, domain.Qualification{
				Type:       "university_degree",
				Data:       record.Fields,
				Confidence: record.Confidence,
			})
		case record.Category.IsSecondaryEducation():
			profile.Qualifications = append(profile.Qualifications, domain.Qualification{
				Type:       "secondary_education",
				Subtype:    record.Category,
				Data:       record.Fields,
				Confidence: record.Confidence,
			})
		case record.Category == domain.CategoryWorkCertificate:
			profile.WorkExperience = append(profile.WorkExperience, record.Fields)
		case record.Category == domain.CategoryCV:
			profile.PersonalInfo = record.Fields
		}
	}
	return profile
}

// RuleQuestions derives the handbook questions for a profile, deduplicated
// and capped.
func (d *DecisionMaker) RuleQuestions(profile domain.ApplicantProfile) []string {
	program := profile.TargetProgram
	candidates := []string{
		fmt.Sprintf("What are the admission requirements for %s?", program),
	}
	for _, q := range profile.Qualifications {
		if q.Type != "secondary_education" {
			continue
		}
		candidates = append(candidates, fmt.Sprintf("How is %s recognized for admission to %s?", q.Subtype, program))
		if v, ok := q.Data["overall_grade"]; ok && v != nil {
			candidates = append(candidates, fmt.Sprintf("What is the minimum grade requirement for %s with %s?", program, q.Subtype))
		}
	}
	if len(profile.WorkExperience) > 0 {
		candidates = append(candidates, fmt.Sprintf("Can work experience substitute for academic qualifications in %s?", program))
	}

	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, q := range candidates {
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
		if len(out) == d.opts.MaxRuleQuestions {
			break
		}
	}
	return out
}

// parseDecision applies the safety floor: anything the model is unsure
// about, or proposes outside its allowed statuses, goes to manual review.
func (d *DecisionMaker) parseDecision(raw string) *domain.AdmissionDecision {
	var payload struct {
		Status            string            `json:"status"`
		Confidence        *float64          `json:"confidence"`
		Reasoning         string            `json:"reasoning"`
		AppliedRules      []json.RawMessage `json:"applied_rules"`
		HandbookCitations []any             `json:"handbook_citations"`
		MissingDocuments  []any             `json:"missing_documents"`
		Concerns          []any             `json:"concerns"`
	}
	if err := decodeJSONObject(raw, &payload); err != nil || payload.Status == "" || payload.Confidence == nil {
		slog.Warn("decision_output_malformed", "error", err)
		return &domain.AdmissionDecision{
			Status:            domain.DecisionReviewRequired,
			Confidence:        0,
			Reasoning:         decisionParseFailedReasoning,
			AppliedRules:      []domain.AppliedRule{},
			MissingDocuments:  []string{},
			HandbookCitations: []string{},
		}
	}

	status := domain.DecisionStatus(strings.ToUpper(strings.TrimSpace(payload.Status)))
	confidence := clamp01(*payload.Confidence)
	switch status {
	case domain.DecisionApproved, domain.DecisionRejected, domain.DecisionReviewRequired:
	default:
		slog.Warn("decision_status_overridden", "proposed", payload.Status)
		status = domain.DecisionReviewRequired
	}
	if confidence < d.opts.ConfidenceFloor && status != domain.DecisionReviewRequired {
		slog.Info("decision_below_confidence_floor", "proposed", status, "confidence", confidence)
		status = domain.DecisionReviewRequired
	}

	return &domain.AdmissionDecision{
		Status:            status,
		Confidence:        confidence,
		Reasoning:         payload.Reasoning,
		AppliedRules:      parseAppliedRules(payload.AppliedRules),
		MissingDocuments:  stringList(payload.MissingDocuments),
		HandbookCitations: stringList(payload.HandbookCitations),
		Concerns:          stringList(payload.Concerns),
	}
}

func parseAppliedRules(raw []json.RawMessage) []domain.AppliedRule {
	out := make([]domain.AppliedRule, 0, len(raw))
	for _, item := range raw {
		var fields map[string]any
		if err := json.Unmarshal(item, &fields); err != nil {
			var text string
			if json.Unmarshal(item, &text) == nil && text != "" {
				out = append(out, domain.AppliedRule{RuleText: text})
			}
			continue
		}
		out = append(out, domain.AppliedRule{
			RuleID:   stringField(fields, "rule_id"),
			RuleText: stringField(fields, "rule_text"),
			Outcome:  stringField(fields, "outcome"),
		})
	}
	return out
}

func stringField(fields map[string]any, key string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func stringList(items []any) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		if s, ok := item.(string); ok {
			out = append(out, s)
			continue
		}
		out = append(out, fmt.Sprint(item))
	}
	return out
}
