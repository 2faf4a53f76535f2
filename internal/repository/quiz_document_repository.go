package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/quizlearn-api/internal/models"
)

// QuizDocumentRepository reads quiz to document associations.
type QuizDocumentRepository struct {
	db *sqlx.DB
}

// NewQuizDocumentRepository constructs the repository.
func NewQuizDocumentRepository(db *sqlx.DB) *QuizDocumentRepository {
	return &QuizDocumentRepository{db: db}
}

// FindQuizzesByDocument lists quizzes referencing the document.
func (r *QuizDocumentRepository) FindQuizzesByDocument(ctx context.Context, documentID string) ([]models.QuizRef, error) {
	const query = `SELECT q.id, q.title FROM quiz_documents qd JOIN quizzes q ON q.id = qd.quiz_id WHERE qd.document_id = $1 ORDER BY q.title`
	var quizzes []models.QuizRef
	if err := r.db.SelectContext(ctx, &quizzes, query, documentID); err != nil {
		return nil, fmt.Errorf("find quizzes by document: %w", err)
	}
	return quizzes, nil
}
