package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/noah-isme/quizlearn-api/internal/dto"
	"github.com/noah-isme/quizlearn-api/internal/models"
	appErrors "github.com/noah-isme/quizlearn-api/pkg/errors"
	"github.com/noah-isme/quizlearn-api/pkg/events"
	"github.com/noah-isme/quizlearn-api/pkg/lightrag"
	"github.com/noah-isme/quizlearn-api/pkg/storage"
)

type uploadClient interface {
	Upload(ctx context.Context, filename string, content io.Reader, size int64) (*lightrag.UploadResult, error)
}

type uploadDocumentStore interface {
	documentWriter
	Create(ctx context.Context, doc *models.Document) error
}

type trackingScheduler interface {
	Schedule(documentID string) error
}

// DocumentUpload carries the uploaded file stream.
type DocumentUpload struct {
	Filename string
	Size     int64
	MimeType string
	Content  io.ReadSeeker
}

// DocumentUploadConfig holds retry parameters for LightRAG uploads.
type DocumentUploadConfig struct {
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	BusyRetryAfter time.Duration
}

// DocumentUploadService stores an uploaded file and hands it to LightRAG.
type DocumentUploadService struct {
	repo      uploadDocumentStore
	client    uploadClient
	files     storage.Store
	index     documentIndexer
	publisher eventPublisher
	tracker   trackingScheduler
	audit     auditLogger
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       DocumentUploadConfig
}

// NewDocumentUploadService constructs the upload flow. index, publisher, tracker and audit are optional.
func NewDocumentUploadService(repo uploadDocumentStore, client uploadClient, files storage.Store, index documentIndexer, publisher eventPublisher, audit auditLogger, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg DocumentUploadConfig) *DocumentUploadService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase < 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.BusyRetryAfter <= 0 {
		cfg.BusyRetryAfter = 30 * time.Second
	}
	return &DocumentUploadService{
		repo:      repo,
		client:    client,
		files:     files,
		index:     index,
		publisher: publisher,
		audit:     audit,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
	}
}

// SetTracker registers the scheduler that follows up on accepted uploads.
func (s *DocumentUploadService) SetTracker(tracker trackingScheduler) {
	s.tracker = tracker
}

// Upload validates, stores and indexes a new document owned by the actor.
func (s *DocumentUploadService) Upload(ctx context.Context, meta dto.CreateDocumentRequest, upload DocumentUpload, actor *models.JWTClaims) (*models.Document, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleEducator && actor.Role != models.RoleAdmin {
		return nil, appErrors.ErrForbidden
	}
	if err := s.validator.Struct(meta); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	if upload.Content == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "file is required")
	}
	if err := lightrag.ValidateFile(upload.Filename, upload.Size); err != nil {
		return nil, mapIndexingError(err, "invalid file")
	}

	ext := strings.ToLower(filepath.Ext(upload.Filename))
	mimeType := upload.MimeType
	if mimeType == "" || mimeType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			mimeType = byExt
		}
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	name := strings.TrimSpace(meta.Name)
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(upload.Filename), filepath.Ext(upload.Filename))
	}

	doc := &models.Document{
		ID:               uuid.NewString(),
		EducatorID:       actor.UserID,
		Name:             name,
		Remarks:          meta.Remarks,
		OriginalFilename: filepath.Base(upload.Filename),
		MimeType:         mimeType,
		SizeBytes:        upload.Size,
		Status:           models.DocumentStatusPending,
	}
	if ext == ".pdf" {
		doc.PageCount = s.pageCount(doc.ID, upload.Content)
	}

	if err := rewind(upload.Content); err != nil {
		return nil, err
	}
	path, err := s.files.SaveStream(ctx, fmt.Sprintf("%s/%s%s", actor.UserID, doc.ID, ext), upload.Content, upload.Size, mimeType)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store document file")
	}
	doc.StoragePath = path

	if err := s.repo.Create(ctx, doc); err != nil {
		if delErr := s.files.Delete(ctx, path); delErr != nil {
			s.logger.Warn("cleanup stored file failed", zap.String("path", path), zap.Error(delErr))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create document")
	}

	result, err := s.uploadWithRetry(ctx, doc, upload)
	if err != nil {
		s.markFailed(ctx, doc, err.Error())
		if errors.Is(err, lightrag.ErrPipelineBusy) {
			return nil, busyError("LightRAG pipeline is busy, retry the upload later", s.cfg.BusyRetryAfter)
		}
		return nil, mapIndexingError(err, "failed to upload document to LightRAG")
	}

	if result.Status == lightrag.UploadDuplicated {
		s.markFailed(ctx, doc, orDefault(result.Message, "document already exists in LightRAG"))
		return nil, appErrors.Clone(appErrors.ErrDuplicate, orDefault(result.Message, "document already indexed"))
	}
	if result.Outcome() != lightrag.OutcomeOK {
		s.markFailed(ctx, doc, orDefault(result.Message, "LightRAG rejected the upload"))
		return nil, appErrors.Clone(appErrors.ErrService, orDefault(result.Message, "LightRAG rejected the upload"))
	}

	if err := s.recordAccepted(ctx, doc, result); err != nil {
		return nil, err
	}

	if s.index != nil {
		if err := s.index.Upsert(searchRecord(doc)); err != nil {
			s.logger.Warn("index document failed", zap.String("document_id", doc.ID), zap.Error(err))
		}
	}
	publishEvent(ctx, s.publisher, s.logger, events.NewEvent(events.TypeDocumentUploaded, doc.ID, doc.EducatorID, map[string]interface{}{
		"trackId":  result.TrackID,
		"filename": doc.OriginalFilename,
	}))
	s.emitAudit(ctx, actor, doc)
	if s.tracker != nil {
		if err := s.tracker.Schedule(doc.ID); err != nil {
			s.logger.Warn("schedule document tracking failed", zap.String("document_id", doc.ID), zap.Error(err))
		}
	}
	return doc, nil
}

func (s *DocumentUploadService) recordAccepted(ctx context.Context, doc *models.Document, result *lightrag.UploadResult) error {
	now := time.Now().UTC()
	status := models.DocumentStatusProcessing
	progress := models.ProcessingStatus{Message: result.Message, LastCheckedAt: &now}
	params := models.UpdateDocumentParams{
		Status:              &status,
		ProcessingStartedAt: &now,
		ProcessingStatus:    &progress,
	}
	if result.TrackID != "" {
		trackID := result.TrackID
		params.TrackID = &trackID
		params.LightragDocumentID = &trackID
		if lightrag.IsPermanentID(trackID) {
			params.PermanentDocID = &trackID
		}
	}
	if err := s.repo.Update(ctx, doc.ID, params); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record upload")
	}
	doc.Status = status
	doc.ProcessingStartedAt = &now
	doc.ProcessingStatus = progress
	doc.TrackID = params.TrackID
	doc.LightragDocumentID = params.LightragDocumentID
	doc.PermanentDocID = params.PermanentDocID
	return nil
}

// uploadWithRetry retries with capped exponential backoff, but only for busy, network or timeout failures.
func (s *DocumentUploadService) uploadWithRetry(ctx context.Context, doc *models.Document, upload DocumentUpload) (*lightrag.UploadResult, error) {
	for attempt := 0; ; attempt++ {
		if err := rewind(upload.Content); err != nil {
			return nil, err
		}
		result, err := s.client.Upload(ctx, upload.Filename, upload.Content, upload.Size)
		if err == nil {
			return result, nil
		}
		if !retryableUpload(err) || attempt >= s.cfg.MaxRetries {
			return nil, err
		}

		delay := s.backoff(attempt)
		s.metrics.RecordUploadRetry()
		s.logger.Info("retrying LightRAG upload",
			zap.String("document_id", doc.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := waitFor(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (s *DocumentUploadService) backoff(attempt int) time.Duration {
	delay := s.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.BackoffMax {
			return s.cfg.BackoffMax
		}
	}
	if delay > s.cfg.BackoffMax {
		return s.cfg.BackoffMax
	}
	return delay
}

func retryableUpload(err error) bool {
	if err == nil || isContextError(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "network") || strings.Contains(msg, "timeout")
}

func (s *DocumentUploadService) markFailed(ctx context.Context, doc *models.Document, reason string) {
	now := time.Now().UTC()
	status := models.DocumentStatusFailed
	progress := models.ProcessingStatus{Error: reason, LastCheckedAt: &now}
	if err := s.repo.Update(ctx, doc.ID, models.UpdateDocumentParams{Status: &status, ProcessingStatus: &progress}); err != nil {
		s.logger.Error("mark upload failed", zap.String("document_id", doc.ID), zap.Error(err))
		return
	}
	doc.Status = status
	doc.ProcessingStatus = progress
	publishEvent(ctx, s.publisher, s.logger, events.NewEvent(events.TypeDocumentFailed, doc.ID, doc.EducatorID, map[string]interface{}{
		"error": reason,
	}))
}

// pageCount reads the PDF page count. Unreadable files are still accepted.
func (s *DocumentUploadService) pageCount(documentID string, rs io.ReadSeeker) *int {
	if err := rewind(rs); err != nil {
		return nil
	}
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	pages, err := api.PageCount(rs, conf)
	if err != nil {
		s.logger.Debug("pdf page count unavailable", zap.String("document_id", documentID), zap.Error(err))
		return nil
	}
	return &pages
}

func (s *DocumentUploadService) emitAudit(ctx context.Context, actor *models.JWTClaims, doc *models.Document) {
	if s.audit == nil {
		return
	}
	values, _ := json.Marshal(map[string]interface{}{
		"name":     doc.Name,
		"filename": doc.OriginalFilename,
		"trackId":  doc.TrackID,
	})
	entry := &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionDocumentUpload,
		Resource:   "document",
		ResourceID: &doc.ID,
		NewValues:  values,
		IPAddress:  "system",
		UserAgent:  "document-upload-service",
	}
	if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to create upload audit", zap.Error(err))
	}
}

func rewind(rs io.ReadSeeker) error {
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reset upload stream")
	}
	return nil
}
