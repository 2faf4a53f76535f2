package models

// DeletionOutcome is the structured result of a document deletion.
type DeletionOutcome struct {
	DocumentID          string    `json:"document_id"`
	Success             bool      `json:"success"`
	Message             string    `json:"message"`
	Warnings            []string  `json:"warnings"`
	LightRAGDeleted     bool      `json:"lightrag_deleted"`
	LightRAGVerified    bool      `json:"lightrag_verified"`
	LightRAGDocumentID  string    `json:"lightrag_document_id,omitempty"`
	HasQuizDependencies bool      `json:"has_quiz_dependencies"`
	AffectedQuizzes     []QuizRef `json:"affected_quizzes"`
	AlreadyDeleted      bool      `json:"already_deleted,omitempty"`
	Forced              bool      `json:"forced,omitempty"`
}

// BatchDeletionOutcome aggregates per-document outcomes of a batch delete.
type BatchDeletionOutcome struct {
	Requested int               `json:"requested"`
	Deleted   int               `json:"deleted"`
	Failed    int               `json:"failed"`
	Results   []DeletionOutcome `json:"results"`
	Warnings  []string          `json:"warnings"`
}
