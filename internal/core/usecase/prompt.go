package usecase

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

func buildRuleAnswerPrompt(question, handbookContext string) string {
	return fmt.Sprintf(`You are an expert on university admission rules and regulations.
Answer the question using only the handbook context below.
Cite the specific page numbers and sections you rely on.
If the context does not contain the answer, say so explicitly.

Context from handbook:
%s

Question: %s

Answer (include page references):`, handbookContext, question)
}

func buildClassificationPrompt(filename, snippet string) string {
	labels := make([]string, 0, len(domain.AllCategories()))
	for _, c := range domain.AllCategories() {
		labels = append(labels, string(c))
	}

	return fmt.Sprintf(`You are a document classifier for university admission applications.
Classify the document into exactly one of: %s.

Hints:
- transcript: university transcript, grade report, Bachelor/Master certificate
- a_levels: UK A-level certificate (exam boards AQA, Edexcel, OCR, WJEC)
- abitur: German Allgemeine Hochschulreife / Zeugnis der Reife
- ib: International Baccalaureate diploma or results
- passport: passport or national identity card
- cv: curriculum vitae or resume
- work_certificate: employment reference or Arbeitszeugnis
- apprenticeship: vocational training certificate (Ausbildung, Gesellenbrief)
- other: anything else
File names often help, for example "transcript", "zeugnis", "lebenslauf", "resume".

Filename: %s
Document text (may be truncated):
%s

Return strict JSON with keys document_type (string), confidence (number from 0 to 1), reasoning (string).
No markdown, no extra keys.`, strings.Join(labels, ", "), filename, snippet)
}

func buildExtractionPrompt(schema domain.CategorySchema, text string) string {
	var fields strings.Builder
	for _, f := range schema.Fields {
		fmt.Fprintf(&fields, "- %s: %s\n", f.Name, f.Description)
	}

	return fmt.Sprintf(`%s

Return strict JSON with exactly these keys:
%s
Use null for any field that is not present in the document. Do not guess.
No markdown, no extra keys.

Document text:
%s`, schema.Instruction, fields.String(), text)
}

func buildDecisionPrompt(profile domain.ApplicantProfile, questions []string, rules []domain.RuleQueryResult) string {
	profileJSON := mustIndentJSON(profile)
	rulesJSON := mustIndentJSON(map[string]any{
		"queries": questions,
		"results": rules,
	})

	return fmt.Sprintf(`You are an admissions officer deciding on a university application.
Apply the handbook rules to the applicant profile. Be conservative: when the
rules are unclear or the evidence is incomplete, require manual review.

Applicant profile:
%s

Handbook rules:
%s

Return strict JSON with keys:
status (one of APPROVED, REJECTED, REVIEW_REQUIRED),
confidence (number from 0 to 1),
reasoning (string),
applied_rules (array of objects with rule_id, rule_text, outcome),
handbook_citations (array of strings, e.g. "Page 12: ..."),
missing_documents (array of strings),
concerns (array of strings).
No markdown, no extra keys.`, profileJSON, rulesJSON)
}

func mustIndentJSON(v any) string {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(raw)
}
