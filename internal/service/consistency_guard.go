package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/quizlearn-api/internal/models"
	appErrors "github.com/noah-isme/quizlearn-api/pkg/errors"
	"github.com/noah-isme/quizlearn-api/pkg/events"
)

type quizDependencyReader interface {
	FindQuizzesByDocument(ctx context.Context, documentID string) ([]models.QuizRef, error)
}

type tombstoneWriter interface {
	documentReader
	MarkDeleted(ctx context.Context, id string, data models.ProcessedData) error
}

type objectRemover interface {
	Delete(ctx context.Context, name string) error
}

// ConsistencyGuard owns the dependency check and tombstone write shared by every deletion path.
type ConsistencyGuard struct {
	docs      tombstoneWriter
	quizzes   quizDependencyReader
	files     objectRemover
	index     documentIndexer
	publisher eventPublisher
	logger    *zap.Logger
}

// NewConsistencyGuard constructs the guard. files, index and publisher are optional.
func NewConsistencyGuard(docs tombstoneWriter, quizzes quizDependencyReader, files objectRemover, index documentIndexer, publisher eventPublisher, logger *zap.Logger) *ConsistencyGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsistencyGuard{docs: docs, quizzes: quizzes, files: files, index: index, publisher: publisher, logger: logger}
}

// CheckDependencies lists quizzes referencing the document.
func (g *ConsistencyGuard) CheckDependencies(ctx context.Context, documentID string) (models.DependencyReport, error) {
	quizzes, err := g.quizzes.FindQuizzesByDocument(ctx, documentID)
	if err != nil {
		return models.DependencyReport{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check quiz dependencies")
	}
	if quizzes == nil {
		quizzes = []models.QuizRef{}
	}
	return models.DependencyReport{Blocked: len(quizzes) > 0, AffectedQuizzes: quizzes}, nil
}

// FinalizeAsTombstone marks the document deleted and stores info as its deletion record.
// Repeated calls overwrite the record; cleanup side effects run only on the first call.
func (g *ConsistencyGuard) FinalizeAsTombstone(ctx context.Context, documentID string, info models.DeletionInfo) ([]string, error) {
	doc, err := g.docs.FindByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "document not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load document")
	}
	wasTombstone := doc.IsTombstone()

	if err := g.docs.MarkDeleted(ctx, documentID, models.ProcessedData{DeletionInfo: &info}); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "document not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark document deleted")
	}
	if wasTombstone {
		return nil, nil
	}

	var warnings []string
	if !info.HasQuizDependencies && doc.StoragePath != "" && g.files != nil {
		if err := g.files.Delete(ctx, doc.StoragePath); err != nil {
			g.logger.Warn("delete stored document file failed", zap.String("document_id", documentID), zap.Error(err))
			warnings = append(warnings, fmt.Sprintf("stored file could not be removed: %v", err))
		}
	}
	if g.index != nil {
		if err := g.index.Remove(documentID); err != nil {
			g.logger.Warn("remove document from search index failed", zap.String("document_id", documentID), zap.Error(err))
			warnings = append(warnings, "search index entry could not be removed")
		}
	}
	publishEvent(ctx, g.publisher, g.logger, events.NewEvent(events.TypeDocumentDeleted, documentID, doc.EducatorID, map[string]interface{}{
		"lightragDeleted":     info.LightRAGDeleted,
		"hasQuizDependencies": info.HasQuizDependencies,
		"forced":              info.Forced,
	}))
	return warnings, nil
}
