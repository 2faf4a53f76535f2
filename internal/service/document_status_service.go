package service

import (
	"context"
	"errors"
	"math"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/quizlearn-api/internal/models"
	appErrors "github.com/noah-isme/quizlearn-api/pkg/errors"
	"github.com/noah-isme/quizlearn-api/pkg/events"
	"github.com/noah-isme/quizlearn-api/pkg/lightrag"
)

var chunkProgressPattern = regexp.MustCompile(`(?i)chunk\s+(\d+)\s+of\s+(\d+)`)

const (
	messagePendingUpload = "document pending upload"
	messageQueued        = "pipeline busy, queued"
)

type trackingClient interface {
	PipelineStatus(ctx context.Context) (*lightrag.PipelineStatus, error)
	CheckTrackStatus(ctx context.Context, trackID string) (*lightrag.TrackStatus, error)
}

// DocumentStatusConfig bounds the polling loop.
type DocumentStatusConfig struct {
	PollMaxAttempts int
	PollInterval    time.Duration
}

// DocumentStatusService keeps local document status in step with the indexing pipeline.
type DocumentStatusService struct {
	repo      documentWriter
	client    trackingClient
	locker    DocumentLocker
	publisher eventPublisher
	index     documentIndexer
	metrics   *MetricsService
	logger    *zap.Logger
	cfg       DocumentStatusConfig
}

// NewDocumentStatusService constructs the tracker. publisher and index are optional.
func NewDocumentStatusService(repo documentWriter, client trackingClient, locker DocumentLocker, publisher eventPublisher, index documentIndexer, metrics *MetricsService, logger *zap.Logger, cfg DocumentStatusConfig) *DocumentStatusService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = NewKeyedMutex()
	}
	if cfg.PollMaxAttempts <= 0 {
		cfg.PollMaxAttempts = 60
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &DocumentStatusService{
		repo:      repo,
		client:    client,
		locker:    locker,
		publisher: publisher,
		index:     index,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
	}
}

// UpdateProcessingStatus reconciles one document. It reports true once the document is processed.
// Errors mark the document failed before they are returned.
func (s *DocumentStatusService) UpdateProcessingStatus(ctx context.Context, documentID string) (bool, error) {
	release, err := s.locker.Lock(ctx, documentID)
	if err != nil {
		return false, err
	}
	defer release()

	doc, err := loadDocument(ctx, s.repo, documentID)
	if err != nil {
		return false, err
	}
	switch doc.Status {
	case models.DocumentStatusProcessed:
		return true, nil
	case models.DocumentStatusDeleted:
		return false, appErrors.Clone(appErrors.ErrConflict, "document has been deleted")
	}

	processed, err := s.reconcile(ctx, doc)
	if err != nil {
		s.markFailed(ctx, doc, err)
		return false, err
	}
	return processed, nil
}

func (s *DocumentStatusService) reconcile(ctx context.Context, doc *models.Document) (bool, error) {
	pipeline, err := s.client.PipelineStatus(ctx)
	if err != nil {
		return false, mapIndexingError(err, "failed to fetch pipeline status")
	}

	now := time.Now().UTC()
	progress := models.ProcessingStatus{
		Busy:           pipeline.Busy,
		JobName:        pipeline.JobName,
		Docs:           pipeline.Docs,
		Batchs:         pipeline.Batchs,
		CurBatch:       pipeline.CurBatch,
		LatestMessage:  pipeline.LatestMessage,
		RequestPending: pipeline.RequestPending,
		LastCheckedAt:  &now,
	}
	if done, total, ok := parseChunkProgress(pipeline.LatestMessage); ok {
		progress.ProcessedChunks = &done
		progress.TotalChunks = &total
	}

	params := models.UpdateDocumentParams{ProcessingStatus: &progress}
	next := doc.Status

	if lookupID := trackLookupID(doc); lookupID != "" {
		track, err := s.client.CheckTrackStatus(ctx, lookupID)
		if err != nil {
			return false, mapIndexingError(err, "failed to fetch track status")
		}
		if lightrag.IsPermanentID(track.DocumentID) {
			permanent := track.DocumentID
			params.TrackID = &permanent
			params.LightragDocumentID = &permanent
			params.PermanentDocID = &permanent
		}
		progress.Message = track.Message
		if track.Processed {
			next = models.DocumentStatusProcessed
		} else {
			next = models.DocumentStatusProcessing
		}
	} else if _, ok := ResolveDeletableID(doc); ok {
		if pipeline.Idle() {
			next = models.DocumentStatusProcessed
			progress.Message = "document indexed"
		} else {
			next = models.DocumentStatusProcessing
			progress.Message = messageQueued
		}
	} else if pipeline.Busy {
		next = models.DocumentStatusProcessing
		progress.Message = messageQueued
	} else {
		next = models.DocumentStatusPending
		progress.Message = messagePendingUpload
	}

	if !doc.Status.CanTransition(next) {
		next = doc.Status
	}
	if next == models.DocumentStatusFailed {
		progress.Error = doc.ProcessingStatus.Error
	}
	params.Status = &next
	if next == models.DocumentStatusProcessing || next == models.DocumentStatusProcessed {
		if doc.ProcessingStartedAt == nil {
			params.ProcessingStartedAt = &now
		}
	}
	completed := next == models.DocumentStatusProcessed && doc.Status != models.DocumentStatusProcessed
	if completed && doc.ProcessingCompletedAt == nil {
		params.ProcessingCompletedAt = &now
	}

	if err := s.repo.Update(ctx, doc.ID, params); err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist processing status")
	}
	s.metrics.RecordStatusCheck(string(next))
	if next != doc.Status {
		s.reindex(doc, next)
	}

	if completed {
		data := map[string]interface{}{}
		if params.PermanentDocID != nil {
			data["permanentDocId"] = *params.PermanentDocID
		}
		publishEvent(ctx, s.publisher, s.logger, events.NewEvent(events.TypeDocumentProcessed, doc.ID, doc.EducatorID, data))
	}
	return next == models.DocumentStatusProcessed, nil
}

func (s *DocumentStatusService) markFailed(ctx context.Context, doc *models.Document, cause error) {
	if isContextError(cause) || !doc.Status.CanTransition(models.DocumentStatusFailed) {
		return
	}
	now := time.Now().UTC()
	status := models.DocumentStatusFailed
	progress := doc.ProcessingStatus
	progress.Error = cause.Error()
	progress.LastCheckedAt = &now

	if err := s.repo.Update(ctx, doc.ID, models.UpdateDocumentParams{Status: &status, ProcessingStatus: &progress}); err != nil {
		s.logger.Error("mark document failed", zap.String("document_id", doc.ID), zap.Error(err))
		return
	}
	s.metrics.RecordStatusCheck(string(status))
	s.reindex(doc, status)
	publishEvent(ctx, s.publisher, s.logger, events.NewEvent(events.TypeDocumentFailed, doc.ID, doc.EducatorID, map[string]interface{}{
		"error": cause.Error(),
	}))
}

// reindex refreshes the search record so status filters follow the pipeline.
func (s *DocumentStatusService) reindex(doc *models.Document, status models.DocumentStatus) {
	if s.index == nil {
		return
	}
	snapshot := *doc
	snapshot.Status = status
	if err := s.index.Upsert(searchRecord(&snapshot)); err != nil {
		s.logger.Warn("reindex document status failed", zap.String("document_id", doc.ID), zap.Error(err))
	}
}

// PollDocumentStatus calls UpdateProcessingStatus up to maxAttempts times, waiting interval between calls.
// Exhausting the attempts returns false.
func (s *DocumentStatusService) PollDocumentStatus(ctx context.Context, documentID string, maxAttempts int, interval time.Duration) bool {
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.PollMaxAttempts
	}
	if interval < 0 {
		interval = s.cfg.PollInterval
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		processed, err := s.UpdateProcessingStatus(ctx, documentID)
		if err == nil && processed {
			return true
		}
		if err != nil {
			s.logger.Warn("document status check failed",
				zap.String("document_id", documentID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if stopPolling(err) {
				return false
			}
		}
		if attempt == maxAttempts {
			break
		}
		if err := waitFor(ctx, interval); err != nil {
			return false
		}
	}
	s.logger.Info("document status polling exhausted",
		zap.String("document_id", documentID),
		zap.Int("attempts", maxAttempts))
	return false
}

// Poll runs PollDocumentStatus with the configured bounds.
func (s *DocumentStatusService) Poll(ctx context.Context, documentID string) bool {
	return s.PollDocumentStatus(ctx, documentID, s.cfg.PollMaxAttempts, s.cfg.PollInterval)
}

func stopPolling(err error) bool {
	return isContextError(err) ||
		errors.Is(err, appErrors.ErrNotFound) ||
		errors.Is(err, appErrors.ErrConflict) ||
		errors.Is(err, appErrors.ErrConfiguration)
}

// GetProgress returns the stored progress view without calling the pipeline.
func (s *DocumentStatusService) GetProgress(ctx context.Context, documentID string) (*models.DocumentProgress, error) {
	doc, err := loadDocument(ctx, s.repo, documentID)
	if err != nil {
		return nil, err
	}
	return progressOf(doc), nil
}

func progressOf(doc *models.Document) *models.DocumentProgress {
	view := &models.DocumentProgress{
		DocumentID:            doc.ID,
		Status:                doc.Status,
		ProcessingStatus:      doc.ProcessingStatus,
		ProcessingStartedAt:   doc.ProcessingStartedAt,
		ProcessingCompletedAt: doc.ProcessingCompletedAt,
	}
	done, total := doc.ProcessingStatus.ProcessedChunks, doc.ProcessingStatus.TotalChunks
	if done != nil && total != nil && *total > 0 {
		pct := int(math.Round(float64(*done) / float64(*total) * 100))
		view.Progress = &pct
	}
	return view
}

func parseChunkProgress(message string) (int, int, bool) {
	match := chunkProgressPattern.FindStringSubmatch(message)
	if match == nil {
		return 0, 0, false
	}
	done, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, 0, false
	}
	total, err := strconv.Atoi(match[2])
	if err != nil || total <= 0 {
		return 0, 0, false
	}
	return done, total, true
}
