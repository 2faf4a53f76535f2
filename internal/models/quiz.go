package models

// QuizRef identifies a quiz that references a document.
type QuizRef struct {
	ID    string `db:"id" json:"id"`
	Title string `db:"title" json:"title"`
}

// DependencyReport is the result of a quiz dependency check.
type DependencyReport struct {
	Blocked         bool      `json:"blocked"`
	AffectedQuizzes []QuizRef `json:"affectedQuizzes"`
}
