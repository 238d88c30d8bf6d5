package domain

type DecisionStatus string

const (
	DecisionApproved       DecisionStatus = "APPROVED"
	DecisionRejected       DecisionStatus = "REJECTED"
	DecisionReviewRequired DecisionStatus = "REVIEW_REQUIRED"
	DecisionMissingDocs    DecisionStatus = "MISSING_DOCS"
)

type AppliedRule struct {
	RuleID   string `json:"rule_id"`
	RuleText string `json:"rule_text"`
	Outcome  string `json:"outcome"`
}

type AdmissionDecision struct {
	Status            DecisionStatus `json:"status"`
	Confidence        float64        `json:"confidence"`
	Reasoning         string         `json:"reasoning"`
	AppliedRules      []AppliedRule  `json:"applied_rules"`
	MissingDocuments  []string       `json:"missing_documents"`
	HandbookCitations []string       `json:"handbook_citations"`
	Concerns          []string       `json:"concerns,omitempty"`
}

// Qualification is one academic entry of an applicant profile.
type Qualification struct {
	Type       string         `json:"type"`
	Subtype    Category       `json:"subtype,omitempty"`
	Data       map[string]any `json:"data"`
	Confidence float64        `json:"confidence"`
}

type ApplicantProfile struct {
	TargetProgram  string           `json:"target_program"`
	Entity         string           `json:"entity"`
	Qualifications []Qualification  `json:"qualifications"`
	WorkExperience []map[string]any `json:"work_experience"`
	PersonalInfo   map[string]any   `json:"personal_info"`
}
