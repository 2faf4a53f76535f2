package service

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/quizlearn-api/internal/models"
	appErrors "github.com/noah-isme/quizlearn-api/pkg/errors"
	"github.com/noah-isme/quizlearn-api/pkg/lightrag"
)

const (
	warningNoExternalID   = "no valid LightRAG document ID (doc-xxx) found"
	warningForced         = "forced deletion skipped LightRAG cleanup"
	warningUnverified     = "LightRAG deletion could not be verified in time; it may still complete"
	warningDependencyRead = "quiz dependency check failed; stored file kept"

	maxBatchDelete = 100
)

type deletionClient interface {
	PipelineStatus(ctx context.Context) (*lightrag.PipelineStatus, error)
	DeleteDocument(ctx context.Context, docID string, deleteFile bool) (*lightrag.DeleteResult, error)
	DeleteDocuments(ctx context.Context, docIDs []string, deleteFile bool) (*lightrag.DeleteResult, error)
}

type deletionDocumentStore interface {
	documentReader
	FindByIDs(ctx context.Context, ids []string) ([]models.Document, error)
}

// DeleteOptions tunes a deletion request.
type DeleteOptions struct {
	Force bool
}

// DocumentDeletionConfig holds verification bounds and retry hints.
type DocumentDeletionConfig struct {
	VerifyAttempts       int
	VerifyInterval       time.Duration
	BusyRetryAfter       time.Duration
	DeleteBusyRetryAfter time.Duration
	DeleteFile           bool
}

// DocumentDeletionService removes documents from LightRAG and tombstones them locally.
type DocumentDeletionService struct {
	docs    deletionDocumentStore
	client  deletionClient
	guard   *ConsistencyGuard
	locker  DocumentLocker
	audit   auditLogger
	metrics *MetricsService
	logger  *zap.Logger
	cfg     DocumentDeletionConfig
}

// NewDocumentDeletionService constructs the orchestrator.
func NewDocumentDeletionService(docs deletionDocumentStore, client deletionClient, guard *ConsistencyGuard, locker DocumentLocker, audit auditLogger, metrics *MetricsService, logger *zap.Logger, cfg DocumentDeletionConfig) *DocumentDeletionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = NewKeyedMutex()
	}
	if cfg.VerifyAttempts <= 0 {
		cfg.VerifyAttempts = 10
	}
	if cfg.VerifyInterval < 0 {
		cfg.VerifyInterval = 2 * time.Second
	}
	if cfg.BusyRetryAfter <= 0 {
		cfg.BusyRetryAfter = 30 * time.Second
	}
	if cfg.DeleteBusyRetryAfter <= 0 {
		cfg.DeleteBusyRetryAfter = 60 * time.Second
	}
	return &DocumentDeletionService{
		docs:    docs,
		client:  client,
		guard:   guard,
		locker:  locker,
		audit:   audit,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
	}
}

// Delete runs the deletion protocol for one document.
// Busy, forbidden and failed external outcomes abort before any local mutation.
func (s *DocumentDeletionService) Delete(ctx context.Context, documentID string, actor *models.JWTClaims, opts DeleteOptions) (*models.DeletionOutcome, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if opts.Force && actor.Role != models.RoleAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only administrators can force delete")
	}

	release, err := s.locker.Lock(ctx, documentID)
	if err != nil {
		return nil, err
	}
	defer release()

	doc, err := loadDocument(ctx, s.docs, documentID)
	if err != nil {
		return nil, err
	}
	if err := canModify(doc, actor); err != nil {
		return nil, err
	}
	if doc.IsTombstone() {
		s.metrics.RecordDeletionOutcome("already_deleted")
		return alreadyDeletedOutcome(doc), nil
	}

	outcome := newDeletionOutcome(doc.ID, opts.Force)
	externalID, ok := ResolveDeletableID(doc)
	switch {
	case opts.Force:
		outcome.Warnings = append(outcome.Warnings, warningForced)
	case !ok:
		s.logger.Warn("skipping LightRAG delete", zap.String("document_id", doc.ID), zap.String("reason", warningNoExternalID))
		outcome.Warnings = append(outcome.Warnings, warningNoExternalID)
	default:
		outcome.LightRAGDocumentID = externalID
		if err := s.deleteExternal(ctx, externalID, outcome); err != nil {
			s.metrics.RecordDeletionOutcome(abortLabel(err))
			return nil, err
		}
	}

	if err := s.finalize(ctx, doc, actor, outcome); err != nil {
		s.metrics.RecordDeletionOutcome("error")
		return nil, err
	}

	action := models.AuditActionDocumentDelete
	if opts.Force {
		action = models.AuditActionDocumentForceDelete
	}
	s.emitAudit(ctx, actor, action, &doc.ID, outcome)
	return outcome, nil
}

// DeleteMany deletes several documents with a single pipeline check and one LightRAG batch call.
func (s *DocumentDeletionService) DeleteMany(ctx context.Context, ids []string, actor *models.JWTClaims, opts DeleteOptions) (*models.BatchDeletionOutcome, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if opts.Force && actor.Role != models.RoleAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only administrators can force delete")
	}
	ids = uniqueSorted(ids)
	if len(ids) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "at least one document id is required")
	}
	if len(ids) > maxBatchDelete {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("at most %d documents can be deleted at once", maxBatchDelete))
	}

	for _, id := range ids {
		release, err := s.locker.Lock(ctx, id)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	docs, err := s.docs.FindByIDs(ctx, ids)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load documents")
	}
	byID := make(map[string]*models.Document, len(docs))
	for i := range docs {
		byID[docs[i].ID] = &docs[i]
	}

	batch := &models.BatchDeletionOutcome{Requested: len(ids), Results: make([]models.DeletionOutcome, 0, len(ids)), Warnings: []string{}}
	pending := make([]*models.Document, 0, len(ids))
	outcomes := make(map[string]*models.DeletionOutcome, len(ids))
	for _, id := range ids {
		doc, ok := byID[id]
		if !ok {
			batch.Results = append(batch.Results, models.DeletionOutcome{DocumentID: id, Message: "document not found", Warnings: []string{}, AffectedQuizzes: []models.QuizRef{}})
			batch.Failed++
			continue
		}
		if err := canModify(doc, actor); err != nil {
			batch.Results = append(batch.Results, models.DeletionOutcome{DocumentID: id, Message: "not allowed to delete this document", Warnings: []string{}, AffectedQuizzes: []models.QuizRef{}})
			batch.Failed++
			continue
		}
		if doc.IsTombstone() {
			batch.Results = append(batch.Results, *alreadyDeletedOutcome(doc))
			batch.Deleted++
			continue
		}
		outcome := newDeletionOutcome(doc.ID, opts.Force)
		if opts.Force {
			outcome.Warnings = append(outcome.Warnings, warningForced)
		} else if externalID, ok := ResolveDeletableID(doc); ok {
			outcome.LightRAGDocumentID = externalID
		} else {
			outcome.Warnings = append(outcome.Warnings, warningNoExternalID)
		}
		outcomes[doc.ID] = outcome
		pending = append(pending, doc)
	}

	rejected, err := s.deleteExternalBatch(ctx, pending, outcomes, batch)
	if err != nil {
		s.metrics.RecordDeletionOutcome(abortLabel(err))
		return nil, err
	}

	for _, doc := range pending {
		outcome := outcomes[doc.ID]
		if _, ok := rejected[doc.ID]; ok {
			s.metrics.RecordDeletionOutcome("failed")
			outcome.Message = "LightRAG failed to delete the document; retry later"
			batch.Failed++
			batch.Results = append(batch.Results, *outcome)
			continue
		}
		if err := s.finalize(ctx, doc, actor, outcome); err != nil {
			s.metrics.RecordDeletionOutcome("error")
			outcome.Success = false
			outcome.Message = appErrors.FromError(err).Message
			batch.Failed++
		} else {
			batch.Deleted++
		}
		batch.Results = append(batch.Results, *outcome)
	}

	s.emitAudit(ctx, actor, models.AuditActionDocumentBatchDelete, nil, batch)
	return batch, nil
}

func (s *DocumentDeletionService) deleteExternal(ctx context.Context, externalID string, outcome *models.DeletionOutcome) error {
	warning, err := s.ensureIdle(ctx)
	if err != nil {
		return err
	}
	if warning != "" {
		outcome.Warnings = append(outcome.Warnings, warning)
	}

	result, err := s.client.DeleteDocument(ctx, externalID, s.cfg.DeleteFile)
	if err != nil {
		return mapIndexingError(err, "LightRAG delete request failed")
	}
	if err := s.checkDeleteResult(result); err != nil {
		return err
	}
	if slices.Contains(result.FailedDocs, externalID) {
		return appErrors.Clone(appErrors.ErrService, fmt.Sprintf("LightRAG did not delete %s", externalID))
	}

	outcome.LightRAGDeleted = true
	outcome.LightRAGVerified = s.verify(ctx, externalID)
	if !outcome.LightRAGVerified {
		outcome.Warnings = append(outcome.Warnings, warningUnverified)
	}
	return nil
}

// deleteExternalBatch returns the local ids LightRAG reported in FailedDocs.
// Those documents must stay untouched so a later delete retries them.
func (s *DocumentDeletionService) deleteExternalBatch(ctx context.Context, docs []*models.Document, outcomes map[string]*models.DeletionOutcome, batch *models.BatchDeletionOutcome) (map[string]struct{}, error) {
	externalIDs := make([]string, 0, len(docs))
	for _, doc := range docs {
		if id := outcomes[doc.ID].LightRAGDocumentID; id != "" {
			externalIDs = append(externalIDs, id)
		}
	}
	rejected := make(map[string]struct{})
	if len(externalIDs) == 0 {
		return rejected, nil
	}

	warning, err := s.ensureIdle(ctx)
	if err != nil {
		return nil, err
	}
	if warning != "" {
		batch.Warnings = append(batch.Warnings, warning)
	}

	result, err := s.client.DeleteDocuments(ctx, externalIDs, s.cfg.DeleteFile)
	if err != nil {
		return nil, mapIndexingError(err, "LightRAG batch delete request failed")
	}
	if err := s.checkDeleteResult(result); err != nil {
		return nil, err
	}

	failed := make(map[string]struct{}, len(result.FailedDocs))
	for _, id := range result.FailedDocs {
		failed[id] = struct{}{}
	}
	verified := s.verify(ctx, "batch")
	for _, doc := range docs {
		outcome := outcomes[doc.ID]
		if outcome.LightRAGDocumentID == "" {
			continue
		}
		if _, ok := failed[outcome.LightRAGDocumentID]; ok {
			outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("LightRAG did not delete %s", outcome.LightRAGDocumentID))
			rejected[doc.ID] = struct{}{}
			continue
		}
		outcome.LightRAGDeleted = true
		outcome.LightRAGVerified = verified
		if !verified {
			outcome.Warnings = append(outcome.Warnings, warningUnverified)
		}
	}
	return rejected, nil
}

// ensureIdle aborts when the pipeline is busy. A failed status read only yields a warning.
func (s *DocumentDeletionService) ensureIdle(ctx context.Context) (string, error) {
	status, err := s.client.PipelineStatus(ctx)
	if err != nil {
		if isContextError(err) {
			return "", err
		}
		s.logger.Warn("pipeline status check before delete failed", zap.Error(err))
		return fmt.Sprintf("could not check LightRAG pipeline status: %v", err), nil
	}
	if status.Busy {
		return "", busyError("LightRAG pipeline is busy processing documents, retry later", s.cfg.BusyRetryAfter)
	}
	return "", nil
}

func (s *DocumentDeletionService) checkDeleteResult(result *lightrag.DeleteResult) error {
	switch result.Outcome() {
	case lightrag.OutcomeOK:
		return nil
	case lightrag.OutcomeBusy:
		return busyError(orDefault(result.Message, "LightRAG is busy, retry the deletion later"), s.cfg.DeleteBusyRetryAfter)
	case lightrag.OutcomeForbidden:
		return appErrors.Clone(appErrors.ErrForbidden, orDefault(result.Message, "LightRAG does not allow deleting this document"))
	default:
		return appErrors.Clone(appErrors.ErrService, orDefault(result.Message, "LightRAG failed to delete the document"))
	}
}

// verify polls until the pipeline is idle. Errors and timeouts count as unverified.
func (s *DocumentDeletionService) verify(ctx context.Context, externalID string) bool {
	for attempt := 1; attempt <= s.cfg.VerifyAttempts; attempt++ {
		status, err := s.client.PipelineStatus(ctx)
		if err == nil && status.Idle() {
			return true
		}
		if err != nil && isContextError(err) {
			return false
		}
		if attempt == s.cfg.VerifyAttempts {
			break
		}
		if err := waitFor(ctx, s.cfg.VerifyInterval); err != nil {
			return false
		}
	}
	s.logger.Warn("LightRAG deletion not verified",
		zap.String("lightrag_document_id", externalID),
		zap.Int("attempts", s.cfg.VerifyAttempts))
	return false
}

func (s *DocumentDeletionService) finalize(ctx context.Context, doc *models.Document, actor *models.JWTClaims, outcome *models.DeletionOutcome) error {
	report, err := s.guard.CheckDependencies(ctx, doc.ID)
	if err != nil {
		s.logger.Warn("quiz dependency check failed", zap.String("document_id", doc.ID), zap.Error(err))
		outcome.Warnings = append(outcome.Warnings, warningDependencyRead)
		report = models.DependencyReport{Blocked: true, AffectedQuizzes: []models.QuizRef{}}
	}
	outcome.HasQuizDependencies = report.Blocked
	outcome.AffectedQuizzes = report.AffectedQuizzes
	if report.Blocked && len(report.AffectedQuizzes) > 0 {
		titles := make([]string, 0, len(report.AffectedQuizzes))
		for _, quiz := range report.AffectedQuizzes {
			titles = append(titles, quiz.Title)
		}
		outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("document is still used by %d quiz(zes): %s", len(titles), strings.Join(titles, ", ")))
	}

	info := models.DeletionInfo{
		DeletedAt:           time.Now().UTC(),
		DeletedBy:           actor.UserID,
		LightRAGDeleted:     outcome.LightRAGDeleted,
		LightRAGVerified:    outcome.LightRAGVerified,
		LightRAGDocumentID:  outcome.LightRAGDocumentID,
		HasQuizDependencies: report.Blocked,
		AffectedQuizzes:     report.AffectedQuizzes,
		Forced:              outcome.Forced,
		Warnings:            append([]string(nil), outcome.Warnings...),
	}
	sideWarnings, err := s.guard.FinalizeAsTombstone(ctx, doc.ID, info)
	if err != nil {
		return err
	}
	outcome.Warnings = append(outcome.Warnings, sideWarnings...)
	outcome.Success = true
	outcome.Message = deletionMessage(outcome)

	label := "deleted"
	switch {
	case outcome.HasQuizDependencies:
		label = "tombstoned_with_dependencies"
	case !outcome.LightRAGDeleted:
		label = "local_only"
	}
	s.metrics.RecordDeletionOutcome(label)
	return nil
}

func (s *DocumentDeletionService) emitAudit(ctx context.Context, actor *models.JWTClaims, action string, resourceID *string, payload interface{}) {
	if s.audit == nil {
		return
	}
	values, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("encode deletion audit payload", zap.Error(err))
	}
	entry := &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     action,
		Resource:   "document",
		ResourceID: resourceID,
		NewValues:  values,
		IPAddress:  "system",
		UserAgent:  "document-deletion-service",
	}
	if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to create deletion audit", zap.Error(err))
	}
}

func newDeletionOutcome(documentID string, forced bool) *models.DeletionOutcome {
	return &models.DeletionOutcome{
		DocumentID:      documentID,
		Warnings:        []string{},
		AffectedQuizzes: []models.QuizRef{},
		Forced:          forced,
	}
}

func alreadyDeletedOutcome(doc *models.Document) *models.DeletionOutcome {
	outcome := newDeletionOutcome(doc.ID, false)
	outcome.Success = true
	outcome.AlreadyDeleted = true
	outcome.Message = "Document was already deleted"
	if info := doc.ProcessedData.DeletionInfo; info != nil {
		outcome.LightRAGDeleted = info.LightRAGDeleted
		outcome.LightRAGVerified = info.LightRAGVerified
		outcome.LightRAGDocumentID = info.LightRAGDocumentID
		outcome.HasQuizDependencies = info.HasQuizDependencies
		outcome.Forced = info.Forced
		if info.AffectedQuizzes != nil {
			outcome.AffectedQuizzes = info.AffectedQuizzes
		}
	}
	return outcome
}

func deletionMessage(outcome *models.DeletionOutcome) string {
	quizzes := len(outcome.AffectedQuizzes)
	switch {
	case outcome.LightRAGDeleted && outcome.HasQuizDependencies:
		return fmt.Sprintf("Document removed from LightRAG and archived locally because %d quiz(zes) still reference it", quizzes)
	case outcome.LightRAGDeleted:
		return "Document deleted from LightRAG and local storage"
	case outcome.HasQuizDependencies:
		return fmt.Sprintf("Document archived locally because %d quiz(zes) still reference it; LightRAG cleanup was skipped", quizzes)
	default:
		return "Document deleted locally; LightRAG cleanup was skipped"
	}
}

func canModify(doc *models.Document, actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if actor.Role == models.RoleAdmin || doc.EducatorID == actor.UserID {
		return nil
	}
	return appErrors.Clone(appErrors.ErrForbidden, "document belongs to another educator")
}

func abortLabel(err error) string {
	appErr := appErrors.FromError(err)
	switch appErr.Code {
	case appErrors.ErrPipelineBusy.Code:
		return "busy"
	case appErrors.ErrForbidden.Code:
		return "forbidden"
	default:
		return "error"
	}
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
