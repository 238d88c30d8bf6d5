package domain

import "time"

// HandbookPage is the extracted text of one handbook page.
type HandbookPage struct {
	Source     string `json:"source"`
	Page       int    `json:"page"`
	TotalPages int    `json:"total_pages"`
	Text       string `json:"text"`
}

// HandbookChunk is the unit of semantic search.
type HandbookChunk struct {
	Source     string `json:"source"`
	Page       int    `json:"page"`
	TotalPages int    `json:"total_pages"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkTotal int    `json:"chunk_total"`
	Text       string `json:"text"`
}

type ScoredChunk struct {
	HandbookChunk
	Score float64 `json:"score"`
}

// IndexStat describes the persisted index as seen by its store.
type IndexStat struct {
	Exists bool
	Points int
}

type IndexStatus struct {
	Ready       bool      `json:"ready"`
	Chunks      int       `json:"chunks"`
	LastBuiltAt time.Time `json:"last_built_at,omitempty"`
	LoadedFrom  string    `json:"loaded_from,omitempty"`
}

type RuleSource struct {
	Page       int    `json:"page"`
	Excerpt    string `json:"excerpt"`
	ChunkIndex int    `json:"chunk_index"`
}

type RuleQueryResult struct {
	Question string       `json:"question"`
	Answer   string       `json:"answer"`
	Sources  []RuleSource `json:"sources"`
}

// ApplicantCriteria is the input of a composite admission-criteria lookup.
type ApplicantCriteria struct {
	TargetProgram         string `json:"target_program"`
	PreviousQualification string `json:"previous_qualification"`
	HasExmatriculation    bool   `json:"has_exmatrikulation"`
	WorkExperienceYears   int    `json:"work_experience_years"`
}

// CompletionRequest is one language-model call.
type CompletionRequest struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
	JSON        bool
}
