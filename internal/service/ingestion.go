package service

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/quizlearn-api/internal/models"
	appErrors "github.com/noah-isme/quizlearn-api/pkg/errors"
	"github.com/noah-isme/quizlearn-api/pkg/events"
	"github.com/noah-isme/quizlearn-api/pkg/lightrag"
	"github.com/noah-isme/quizlearn-api/pkg/search"
)

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type pipelineStatusReader interface {
	PipelineStatus(ctx context.Context) (*lightrag.PipelineStatus, error)
}

type eventPublisher interface {
	Publish(ctx context.Context, evt events.Event) error
}

type documentIndexer interface {
	Upsert(rec search.Record) error
	Remove(id string) error
	Search(query, educatorID string, limit int64) ([]string, error)
}

type documentReader interface {
	FindByID(ctx context.Context, id string) (*models.Document, error)
}

type documentWriter interface {
	documentReader
	Update(ctx context.Context, id string, params models.UpdateDocumentParams) error
}

// loadDocument maps a missing row onto ErrNotFound.
func loadDocument(ctx context.Context, repo documentReader, id string) (*models.Document, error) {
	doc, err := repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "document not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load document")
	}
	return doc, nil
}

func publishEvent(ctx context.Context, publisher eventPublisher, logger *zap.Logger, evt events.Event) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, evt); err != nil {
		logger.Warn("publish document event failed", zap.String("event", evt.Type), zap.String("document_id", evt.DocumentID), zap.Error(err))
	}
}

func searchRecord(doc *models.Document) search.Record {
	rec := search.Record{
		ID:               doc.ID,
		EducatorID:       doc.EducatorID,
		Name:             doc.Name,
		OriginalFilename: doc.OriginalFilename,
		Status:           string(doc.Status),
		CreatedAt:        doc.CreatedAt.Unix(),
	}
	if doc.Remarks != nil {
		rec.Remarks = *doc.Remarks
	}
	return rec
}

// busyError builds the retryable busy error surfaced to clients.
func busyError(message string, retryAfter time.Duration) *appErrors.Error {
	seconds := int(retryAfter / time.Second)
	if seconds <= 0 {
		seconds = 30
	}
	return appErrors.Clone(appErrors.ErrPipelineBusy, message).WithDetail("retryAfter", seconds)
}

// mapIndexingError converts pkg/lightrag failures into the API error taxonomy.
func mapIndexingError(err error, message string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var validationErr *lightrag.ValidationError
	var serviceErr *lightrag.ServiceError
	var transportErr *lightrag.TransportError
	switch {
	case errors.Is(err, lightrag.ErrNotConfigured):
		return appErrors.Wrap(err, appErrors.ErrConfiguration.Code, appErrors.ErrConfiguration.Status, appErrors.ErrConfiguration.Message)
	case errors.Is(err, lightrag.ErrPipelineBusy):
		return appErrors.Wrap(err, appErrors.ErrPipelineBusy.Code, appErrors.ErrPipelineBusy.Status, message)
	case errors.As(err, &validationErr):
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, validationErr.Message)
	case errors.As(err, &serviceErr):
		if serviceErr.StatusCode == http.StatusNotFound {
			return appErrors.Wrap(err, appErrors.ErrNotFound.Code, appErrors.ErrNotFound.Status, message)
		}
		return appErrors.Wrap(err, appErrors.ErrService.Code, appErrors.ErrService.Status, message)
	case errors.As(err, &transportErr):
		return appErrors.Wrap(err, appErrors.ErrService.Code, appErrors.ErrService.Status, message)
	}

	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}

// waitFor sleeps for d or until ctx is done.
func waitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func stringPtr(s string) *string {
	return &s
}

func timePtr(t time.Time) *time.Time {
	return &t
}
