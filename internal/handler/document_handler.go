package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/quizlearn-api/internal/dto"
	"github.com/noah-isme/quizlearn-api/internal/models"
	"github.com/noah-isme/quizlearn-api/internal/service"
	appErrors "github.com/noah-isme/quizlearn-api/pkg/errors"
	"github.com/noah-isme/quizlearn-api/pkg/response"
)

type documentUploader interface {
	Upload(ctx context.Context, meta dto.CreateDocumentRequest, upload service.DocumentUpload, actor *models.JWTClaims) (*models.Document, error)
}

type documentCatalog interface {
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Document, error)
	List(ctx context.Context, query dto.DocumentListQuery, actor *models.JWTClaims) ([]models.Document, *models.Pagination, error)
	Search(ctx context.Context, query string, limit int, actor *models.JWTClaims) ([]models.Document, error)
	UpdateMetadata(ctx context.Context, id string, req dto.UpdateDocumentRequest, actor *models.JWTClaims) (*models.Document, error)
	Progress(ctx context.Context, id string, actor *models.JWTClaims) (*models.DocumentProgress, error)
	DownloadURL(ctx context.Context, id string, actor *models.JWTClaims) (string, time.Time, error)
	Download(ctx context.Context, id, token string, actor *models.JWTClaims) (*service.DocumentDownload, error)
}

type documentDeleter interface {
	Delete(ctx context.Context, id string, actor *models.JWTClaims, opts service.DeleteOptions) (*models.DeletionOutcome, error)
}

type statusUpdater interface {
	UpdateProcessingStatus(ctx context.Context, id string) (bool, error)
}

type statusRefresher interface {
	RefreshMany(ctx context.Context, ids []string, actor *models.JWTClaims) ([]dto.StatusRefreshResult, error)
}

// DocumentHandler serves the educator document endpoints.
type DocumentHandler struct {
	uploads   documentUploader
	catalog   documentCatalog
	deletions documentDeleter
	status    statusUpdater
	refresher statusRefresher
}

// NewDocumentHandler constructs the handler.
func NewDocumentHandler(uploads documentUploader, catalog documentCatalog, deletions documentDeleter, status statusUpdater, refresher statusRefresher) *DocumentHandler {
	return &DocumentHandler{uploads: uploads, catalog: catalog, deletions: deletions, status: status, refresher: refresher}
}

// Upload godoc
// @Summary Upload a course document
// @Description Stores the file, creates a pending document and hands it to LightRAG for indexing.
// @Tags Documents
// @Accept multipart/form-data
// @Produce json
// @Param name formData string false "Display name"
// @Param remarks formData string false "Remarks"
// @Param file formData file true "Document (pdf, txt, doc, docx, md, csv, rtf; max 2MB)"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 429 {object} response.Envelope
// @Failure 502 {object} response.Envelope
// @Router /educator/documents [post]
func (h *DocumentHandler) Upload(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CreateDocumentRequest
	if err := c.ShouldBind(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid document payload"))
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "file is required"))
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file"))
		return
	}
	defer src.Close()

	reader, ok := src.(io.ReadSeeker)
	if !ok {
		buf, readErr := io.ReadAll(src)
		if readErr != nil {
			response.Error(c, appErrors.Wrap(readErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to buffer file"))
			return
		}
		reader = bytes.NewReader(buf)
	}

	doc, err := h.uploads.Upload(c.Request.Context(), req, service.DocumentUpload{
		Filename: fileHeader.Filename,
		Size:     fileHeader.Size,
		MimeType: fileHeader.Header.Get("Content-Type"),
		Content:  reader,
	}, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, doc)
}

// List godoc
// @Summary List documents
// @Tags Documents
// @Produce json
// @Param status query string false "Status filter"
// @Param search query string false "Name filter"
// @Param include_deleted query bool false "Include tombstones"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /educator/documents [get]
func (h *DocumentHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var query dto.DocumentListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid query parameters"))
		return
	}
	docs, pagination, err := h.catalog.List(c.Request.Context(), query, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, docs, pagination)
}

// Search godoc
// @Summary Full-text search over document metadata
// @Tags Documents
// @Produce json
// @Param q query string true "Query"
// @Param limit query int false "Maximum hits"
// @Success 200 {object} response.Envelope
// @Router /educator/documents/search [get]
func (h *DocumentHandler) Search(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	docs, err := h.catalog.Search(c.Request.Context(), c.Query("q"), limit, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, docs, nil)
}

// Get godoc
// @Summary Get document metadata with a signed download URL
// @Tags Documents
// @Produce json
// @Param id path string true "Document ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /educator/documents/{id} [get]
func (h *DocumentHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	doc, err := h.catalog.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	payload := dto.DocumentDownloadResponse{Document: *doc}
	if !doc.IsTombstone() && doc.StoragePath != "" {
		if url, _, err := h.catalog.DownloadURL(c.Request.Context(), doc.ID, claims); err == nil {
			payload.DownloadURL = url
		}
	}
	response.JSON(c, http.StatusOK, payload, nil)
}

// Update godoc
// @Summary Update document name or remarks
// @Tags Documents
// @Accept json
// @Produce json
// @Param id path string true "Document ID"
// @Param payload body dto.UpdateDocumentRequest true "Metadata"
// @Success 200 {object} response.Envelope
// @Router /educator/documents/{id} [patch]
func (h *DocumentHandler) Update(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.UpdateDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid document payload"))
		return
	}
	doc, err := h.catalog.UpdateMetadata(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, doc, nil)
}

// Delete godoc
// @Summary Delete a document from LightRAG and tombstone it locally
// @Description Aborts with 429 and a Retry-After header while the LightRAG pipeline is busy.
// @Tags Documents
// @Produce json
// @Param id path string true "Document ID"
// @Param force query bool false "Skip LightRAG cleanup (admins only)"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 429 {object} response.Envelope
// @Failure 502 {object} response.Envelope
// @Router /educator/documents/{id} [delete]
func (h *DocumentHandler) Delete(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	force, _ := strconv.ParseBool(c.Query("force"))
	outcome, err := h.deletions.Delete(c.Request.Context(), c.Param("id"), claims, service.DeleteOptions{Force: force})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, outcome, nil)
}

// Status godoc
// @Summary Get stored processing progress
// @Tags Documents
// @Produce json
// @Param id path string true "Document ID"
// @Success 200 {object} response.Envelope
// @Router /educator/documents/{id}/status [get]
func (h *DocumentHandler) Status(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	progress, err := h.catalog.Progress(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, progress, nil)
}

// RefreshStatus godoc
// @Summary Reconcile one document with LightRAG now
// @Tags Documents
// @Produce json
// @Param id path string true "Document ID"
// @Success 200 {object} response.Envelope
// @Router /educator/documents/{id}/status [post]
func (h *DocumentHandler) RefreshStatus(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	id := c.Param("id")
	if _, err := h.catalog.Get(c.Request.Context(), id, claims); err != nil {
		response.Error(c, err)
		return
	}
	processed, err := h.status.UpdateProcessingStatus(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	progress, err := h.catalog.Progress(c.Request.Context(), id, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.StatusRefreshResult{DocumentID: id, Processed: processed, Progress: progress}, nil)
}

// RefreshMany godoc
// @Summary Reconcile several documents with LightRAG
// @Tags Documents
// @Accept json
// @Produce json
// @Param payload body dto.RefreshStatusRequest true "Document IDs"
// @Success 200 {object} response.Envelope
// @Router /educator/documents/status/refresh [post]
func (h *DocumentHandler) RefreshMany(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.RefreshStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid refresh payload"))
		return
	}
	results, err := h.refresher.RefreshMany(c.Request.Context(), req.IDs, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, results, nil)
}

// Download godoc
// @Summary Download the stored original via signed token
// @Tags Documents
// @Produce octet-stream
// @Param id path string true "Document ID"
// @Param token query string true "Signed token"
// @Success 200 {file} binary
// @Router /educator/documents/{id}/download [get]
func (h *DocumentHandler) Download(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	result, err := h.catalog.Download(c.Request.Context(), c.Param("id"), token, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer result.Reader.Close() //nolint:errcheck
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, result.SizeBytes, result.MimeType, result.Reader, nil)
}
