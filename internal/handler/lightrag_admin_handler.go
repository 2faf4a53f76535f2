package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/quizlearn-api/internal/dto"
	"github.com/noah-isme/quizlearn-api/internal/middleware"
	"github.com/noah-isme/quizlearn-api/internal/models"
	"github.com/noah-isme/quizlearn-api/internal/service"
	appErrors "github.com/noah-isme/quizlearn-api/pkg/errors"
	"github.com/noah-isme/quizlearn-api/pkg/jobs"
	"github.com/noah-isme/quizlearn-api/pkg/lightrag"
	"github.com/noah-isme/quizlearn-api/pkg/response"
)

type lightragConsole interface {
	PipelineStatus(ctx context.Context) (*service.PipelineView, error)
	EntityExists(ctx context.Context, entity string) (*lightrag.EntityExistsResult, error)
	ClearAll(ctx context.Context, actor *models.JWTClaims) (*lightrag.ClearResult, error)
}

type batchDeleter interface {
	DeleteMany(ctx context.Context, ids []string, actor *models.JWTClaims, opts service.DeleteOptions) (*models.BatchDeletionOutcome, error)
}

type ledgerExporter interface {
	Export(ctx context.Context, format string, includeDeleted bool, actor *models.JWTClaims) (*service.DocumentExport, error)
}

type trackingStats interface {
	Stats() jobs.Stats
}

// LightRAGAdminHandler serves the admin console.
type LightRAGAdminHandler struct {
	console   lightragConsole
	deletions batchDeleter
	exporter  ledgerExporter
	tracking  trackingStats
}

// NewLightRAGAdminHandler constructs the handler. tracking may be nil.
func NewLightRAGAdminHandler(console lightragConsole, deletions batchDeleter, exporter ledgerExporter, tracking trackingStats) *LightRAGAdminHandler {
	return &LightRAGAdminHandler{console: console, deletions: deletions, exporter: exporter, tracking: tracking}
}

// Pipeline godoc
// @Summary LightRAG pipeline snapshot
// @Description Briefly cached. Includes local tracking queue counters.
// @Tags Admin
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 502 {object} response.Envelope
// @Router /admin/lightrag/pipeline [get]
func (h *LightRAGAdminHandler) Pipeline(c *gin.Context) {
	view, err := h.console.PipelineStatus(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, view.Cached)
	if h.tracking != nil {
		middleware.SetMeta(c, "tracking", h.tracking.Stats())
	}
	response.JSON(c, http.StatusOK, view, nil, middleware.ExtractMeta(c))
}

// EntityExists godoc
// @Summary Check whether an entity exists in the knowledge graph
// @Tags Admin
// @Accept json
// @Produce json
// @Param payload body dto.EntityExistsRequest true "Entity"
// @Success 200 {object} response.Envelope
// @Router /admin/lightrag/entities/exists [post]
func (h *LightRAGAdminHandler) EntityExists(c *gin.Context) {
	var req dto.EntityExistsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid entity payload"))
		return
	}
	result, err := h.console.EntityExists(c.Request.Context(), req.Entity)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// ClearDocuments godoc
// @Summary Remove every document from LightRAG
// @Description Local document rows are not modified.
// @Tags Admin
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 429 {object} response.Envelope
// @Router /admin/lightrag/documents [delete]
func (h *LightRAGAdminHandler) ClearDocuments(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	result, err := h.console.ClearAll(c.Request.Context(), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// BatchDelete godoc
// @Summary Delete several documents through the deletion protocol
// @Tags Admin
// @Accept json
// @Produce json
// @Param payload body dto.BatchDeleteRequest true "Document IDs"
// @Success 200 {object} response.Envelope
// @Failure 429 {object} response.Envelope
// @Router /admin/documents [delete]
func (h *LightRAGAdminHandler) BatchDelete(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.BatchDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid batch delete payload"))
		return
	}
	outcome, err := h.deletions.DeleteMany(c.Request.Context(), req.IDs, claims, service.DeleteOptions{Force: req.Force})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, outcome, nil)
}

// Export godoc
// @Summary Export the document ledger
// @Tags Admin
// @Produce text/csv
// @Produce application/pdf
// @Param format query string false "csv or pdf"
// @Param include_deleted query bool false "Include tombstones"
// @Success 200 {file} binary
// @Router /admin/documents/export [get]
func (h *LightRAGAdminHandler) Export(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	includeDeleted, _ := strconv.ParseBool(c.Query("include_deleted"))
	out, err := h.exporter.Export(c.Request.Context(), c.Query("format"), includeDeleted, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", out.Filename))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, out.ContentType, out.Data)
}
