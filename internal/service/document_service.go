package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/quizlearn-api/internal/dto"
	"github.com/noah-isme/quizlearn-api/internal/models"
	appErrors "github.com/noah-isme/quizlearn-api/pkg/errors"
	"github.com/noah-isme/quizlearn-api/pkg/export"
	"github.com/noah-isme/quizlearn-api/pkg/search"
	"github.com/noah-isme/quizlearn-api/pkg/storage"
)

type documentCatalogStore interface {
	documentWriter
	FindByIDs(ctx context.Context, ids []string) ([]models.Document, error)
	List(ctx context.Context, filter models.DocumentFilter) ([]models.Document, int, error)
	ListAll(ctx context.Context, includeDeleted bool) ([]models.Document, error)
}

type documentFileOpener interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

type downloadSigner interface {
	Sign(grant storage.DownloadGrant) (string, time.Time, error)
	Verify(token string) (*storage.DownloadGrant, error)
}

// DocumentServiceConfig holds catalogue settings.
type DocumentServiceConfig struct {
	APIPrefix string
}

// DocumentDownload bundles an opened stored file for streaming.
type DocumentDownload struct {
	Reader    io.ReadCloser
	Filename  string
	MimeType  string
	SizeBytes int64
	ExpiresAt time.Time
}

// DocumentExport is a rendered ledger file.
type DocumentExport struct {
	Filename    string
	ContentType string
	Data        []byte
}

// DocumentService exposes read and metadata operations on documents.
type DocumentService struct {
	repo      documentCatalogStore
	files     documentFileOpener
	signer    downloadSigner
	index     documentIndexer
	audit     auditLogger
	validator *validator.Validate
	logger    *zap.Logger
	cfg       DocumentServiceConfig
}

// NewDocumentService constructs the catalogue service.
func NewDocumentService(repo documentCatalogStore, files documentFileOpener, signer downloadSigner, index documentIndexer, audit auditLogger, validate *validator.Validate, logger *zap.Logger, cfg DocumentServiceConfig) *DocumentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api"
	}
	return &DocumentService{
		repo:      repo,
		files:     files,
		signer:    signer,
		index:     index,
		audit:     audit,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
	}
}

// Get returns a document the actor may see. Tombstones stay readable to their owner.
func (s *DocumentService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Document, error) {
	doc, err := loadDocument(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}
	if err := canModify(doc, actor); err != nil {
		return nil, err
	}
	return doc, nil
}

// Progress returns the stored progress view of a document the actor may see.
func (s *DocumentService) Progress(ctx context.Context, id string, actor *models.JWTClaims) (*models.DocumentProgress, error) {
	doc, err := s.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	return progressOf(doc), nil
}

// List returns the actor's documents. Admins see every educator's documents.
func (s *DocumentService) List(ctx context.Context, query dto.DocumentListQuery, actor *models.JWTClaims) ([]models.Document, *models.Pagination, error) {
	if actor == nil {
		return nil, nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(query); err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid query")
	}
	filter := models.DocumentFilter{
		Search:         strings.TrimSpace(query.Search),
		IncludeDeleted: query.IncludeDeleted,
		Page:           query.Page,
		PageSize:       query.PageSize,
	}
	if actor.Role != models.RoleAdmin {
		filter.EducatorID = actor.UserID
	}
	if query.Status != "" {
		status := models.DocumentStatus(query.Status)
		filter.Status = &status
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}

	docs, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list documents")
	}
	return docs, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// Search runs a full-text query scoped to the actor. It falls back to a name match when no index is configured.
func (s *DocumentService) Search(ctx context.Context, query string, limit int, actor *models.JWTClaims) ([]models.Document, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "query is required")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	owner := actor.UserID
	if actor.Role == models.RoleAdmin {
		owner = ""
	}

	if s.index != nil {
		ids, err := s.index.Search(query, owner, int64(limit))
		switch {
		case err == nil:
			docs, err := s.repo.FindByIDs(ctx, ids)
			if err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load documents")
			}
			return orderByIDs(visible(docs, owner), ids), nil
		case errors.Is(err, search.ErrDisabled):
		default:
			s.logger.Warn("search index query failed, using database", zap.Error(err))
		}
	}

	docs, _, err := s.repo.List(ctx, models.DocumentFilter{EducatorID: owner, Search: query, PageSize: limit})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to search documents")
	}
	return docs, nil
}

// UpdateMetadata changes name or remarks. Tombstones are read-only.
func (s *DocumentService) UpdateMetadata(ctx context.Context, id string, req dto.UpdateDocumentRequest, actor *models.JWTClaims) (*models.Document, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	if req.Name == nil && req.Remarks == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "nothing to update")
	}
	doc, err := s.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if doc.IsTombstone() {
		return nil, appErrors.Clone(appErrors.ErrConflict, "deleted documents cannot be edited")
	}

	params := models.UpdateDocumentParams{}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, "name cannot be empty")
		}
		params.Name = &name
	}
	if req.Remarks != nil {
		remarks := strings.TrimSpace(*req.Remarks)
		params.Remarks = &remarks
	}
	before, _ := json.Marshal(map[string]interface{}{"name": doc.Name, "remarks": doc.Remarks})

	if err := s.repo.Update(ctx, id, params); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update document")
	}
	if params.Name != nil {
		doc.Name = *params.Name
	}
	if params.Remarks != nil {
		doc.Remarks = params.Remarks
	}

	if s.index != nil {
		if err := s.index.Upsert(searchRecord(doc)); err != nil {
			s.logger.Warn("reindex document failed", zap.String("document_id", id), zap.Error(err))
		}
	}
	after, _ := json.Marshal(map[string]interface{}{"name": doc.Name, "remarks": doc.Remarks})
	s.emitAudit(ctx, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionDocumentUpdate,
		Resource:   "document",
		ResourceID: &doc.ID,
		OldValues:  before,
		NewValues:  after,
	})
	return doc, nil
}

// DownloadURL returns a signed URL for the stored original.
func (s *DocumentService) DownloadURL(ctx context.Context, id string, actor *models.JWTClaims) (string, time.Time, error) {
	if s.signer == nil {
		return "", time.Time{}, appErrors.Clone(appErrors.ErrInternal, "download signer unavailable")
	}
	doc, err := s.Get(ctx, id, actor)
	if err != nil {
		return "", time.Time{}, err
	}
	if doc.IsTombstone() || doc.StoragePath == "" {
		return "", time.Time{}, appErrors.Clone(appErrors.ErrNotFound, "document file not available")
	}
	token, expiresAt, err := s.signer.Sign(storage.DownloadGrant{
		DocumentID: doc.ID,
		EducatorID: doc.EducatorID,
		Path:       doc.StoragePath,
		SizeBytes:  doc.SizeBytes,
	})
	if err != nil {
		return "", time.Time{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate download token")
	}
	base := strings.TrimRight(s.cfg.APIPrefix, "/")
	return fmt.Sprintf("%s/educator/documents/%s/download?token=%s", base, doc.ID, token), expiresAt, nil
}

// Download validates the token and opens the stored original.
func (s *DocumentService) Download(ctx context.Context, id, token string, actor *models.JWTClaims) (*DocumentDownload, error) {
	if s.signer == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "download signer unavailable")
	}
	doc, err := s.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if doc.IsTombstone() {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "document file not available")
	}
	grant, err := s.signer.Verify(token)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired token")
	}
	if grant.DocumentID != doc.ID || grant.EducatorID != doc.EducatorID ||
		grant.Path != doc.StoragePath || grant.SizeBytes != doc.SizeBytes {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "token mismatch")
	}
	reader, err := s.files.Open(ctx, grant.Path)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "document file not available")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open document file")
	}
	return &DocumentDownload{
		Reader:    reader,
		Filename:  doc.OriginalFilename,
		MimeType:  doc.MimeType,
		SizeBytes: doc.SizeBytes,
		ExpiresAt: grant.Expiry(),
	}, nil
}

// Export renders the document ledger for administrators.
func (s *DocumentService) Export(ctx context.Context, rawFormat string, includeDeleted bool, actor *models.JWTClaims) (*DocumentExport, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleAdmin {
		return nil, appErrors.ErrForbidden
	}
	format, err := export.ParseFormat(rawFormat)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	docs, err := s.repo.ListAll(ctx, includeDeleted)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load documents")
	}
	data, err := export.Render(ledgerDataset(docs), format)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}
	return &DocumentExport{
		Filename:    fmt.Sprintf("documents-%s.%s", time.Now().UTC().Format("20060102-150405"), format),
		ContentType: format.ContentType(),
		Data:        data,
	}, nil
}

func ledgerDataset(docs []models.Document) export.Dataset {
	rows := make([]map[string]string, 0, len(docs))
	for _, doc := range docs {
		externalID, _ := ResolveDeletableID(&doc)
		quizzes := ""
		if info := doc.ProcessedData.DeletionInfo; info != nil && info.HasQuizDependencies {
			quizzes = strconv.Itoa(len(info.AffectedQuizzes))
		}
		rows = append(rows, map[string]string{
			"id":         doc.ID,
			"educator":   doc.EducatorID,
			"name":       doc.Name,
			"status":     string(doc.Status),
			"lightrag":   externalID,
			"size":       strconv.FormatInt(doc.SizeBytes, 10),
			"created_at": doc.CreatedAt.UTC().Format(time.RFC3339),
			"quizzes":    quizzes,
		})
	}
	return export.Dataset{
		Title: "Document Ledger",
		Columns: []export.Column{
			{Key: "id", Label: "ID", Weight: 3},
			{Key: "educator", Label: "Educator", Weight: 3},
			{Key: "name", Label: "Name", Weight: 4},
			{Key: "status", Label: "Status", Weight: 2},
			{Key: "lightrag", Label: "LightRAG ID", Weight: 3},
			{Key: "size", Label: "Bytes", Weight: 1},
			{Key: "created_at", Label: "Created", Weight: 3},
			{Key: "quizzes", Label: "Blocking Quizzes", Weight: 1},
		},
		Rows: rows,
	}
}

func visible(docs []models.Document, owner string) []models.Document {
	out := docs[:0]
	for _, doc := range docs {
		if doc.IsTombstone() {
			continue
		}
		if owner != "" && doc.EducatorID != owner {
			continue
		}
		out = append(out, doc)
	}
	return out
}

func orderByIDs(docs []models.Document, ids []string) []models.Document {
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}
	ordered := append([]models.Document(nil), docs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return pos[ordered[i].ID] < pos[ordered[j].ID]
	})
	return ordered
}

func (s *DocumentService) emitAudit(ctx context.Context, log *models.AuditLog) {
	if s.audit == nil || log == nil {
		return
	}
	log.IPAddress = "system"
	log.UserAgent = "document-service"
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to create document audit", zap.Error(err))
	}
}
