package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/quizlearn-api/internal/dto"
	"github.com/noah-isme/quizlearn-api/internal/middleware"
	"github.com/noah-isme/quizlearn-api/internal/models"
	"github.com/noah-isme/quizlearn-api/internal/service"
	appErrors "github.com/noah-isme/quizlearn-api/pkg/errors"
	"github.com/noah-isme/quizlearn-api/pkg/jobs"
	"github.com/noah-isme/quizlearn-api/pkg/lightrag"
)

type uploaderMock struct {
	got service.DocumentUpload
	doc *models.Document
	err error
}

func (m *uploaderMock) Upload(_ context.Context, _ dto.CreateDocumentRequest, upload service.DocumentUpload, _ *models.JWTClaims) (*models.Document, error) {
	m.got = upload
	return m.doc, m.err
}

type catalogMock struct {
	doc      *models.Document
	err      error
	progress *models.DocumentProgress
}

func (m *catalogMock) Get(context.Context, string, *models.JWTClaims) (*models.Document, error) {
	return m.doc, m.err
}

func (m *catalogMock) List(context.Context, dto.DocumentListQuery, *models.JWTClaims) ([]models.Document, *models.Pagination, error) {
	return []models.Document{*m.doc}, &models.Pagination{Page: 1, PageSize: 20, TotalCount: 1}, nil
}

func (m *catalogMock) Search(context.Context, string, int, *models.JWTClaims) ([]models.Document, error) {
	return nil, nil
}

func (m *catalogMock) UpdateMetadata(context.Context, string, dto.UpdateDocumentRequest, *models.JWTClaims) (*models.Document, error) {
	return m.doc, m.err
}

func (m *catalogMock) Progress(context.Context, string, *models.JWTClaims) (*models.DocumentProgress, error) {
	return m.progress, nil
}

func (m *catalogMock) DownloadURL(context.Context, string, *models.JWTClaims) (string, time.Time, error) {
	return "/api/educator/documents/d1/download?token=abc", time.Now().Add(time.Minute), nil
}

func (m *catalogMock) Download(context.Context, string, string, *models.JWTClaims) (*service.DocumentDownload, error) {
	return nil, appErrors.ErrNotFound
}

type deleterMock struct {
	opts    service.DeleteOptions
	outcome *models.DeletionOutcome
	batch   *models.BatchDeletionOutcome
	ids     []string
	err     error
}

func (m *deleterMock) Delete(_ context.Context, _ string, _ *models.JWTClaims, opts service.DeleteOptions) (*models.DeletionOutcome, error) {
	m.opts = opts
	return m.outcome, m.err
}

func (m *deleterMock) DeleteMany(_ context.Context, ids []string, _ *models.JWTClaims, opts service.DeleteOptions) (*models.BatchDeletionOutcome, error) {
	m.ids = ids
	m.opts = opts
	return m.batch, m.err
}

type statusMock struct {
	processed bool
	err       error
}

func (m *statusMock) UpdateProcessingStatus(context.Context, string) (bool, error) {
	return m.processed, m.err
}

type refresherMock struct{}

func (refresherMock) RefreshMany(_ context.Context, ids []string, _ *models.JWTClaims) ([]dto.StatusRefreshResult, error) {
	out := make([]dto.StatusRefreshResult, len(ids))
	for i, id := range ids {
		out[i] = dto.StatusRefreshResult{DocumentID: id}
	}
	return out, nil
}

func newGinContext(method, path string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func withUser(c *gin.Context, role models.UserRole) {
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "edu-1", Role: role})
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestDocumentHandlerDeleteBusyReturnsRetryAfter(t *testing.T) {
	deleter := &deleterMock{err: appErrors.Clone(appErrors.ErrPipelineBusy, "LightRAG pipeline is busy").WithDetail("retryAfter", 30)}
	h := NewDocumentHandler(nil, nil, deleter, nil, nil)

	c, w := newGinContext(http.MethodDelete, "/api/educator/documents/d1", nil)
	c.Params = gin.Params{{Key: "id", Value: "d1"}}
	withUser(c, models.RoleEducator)

	h.Delete(c)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	body := decodeEnvelope(t, w)
	errBody := body["error"].(map[string]interface{})
	assert.Equal(t, "PIPELINE_BUSY", errBody["code"])
}

func TestDocumentHandlerDeletePassesForce(t *testing.T) {
	deleter := &deleterMock{outcome: &models.DeletionOutcome{DocumentID: "d1", Success: true, Warnings: []string{"forced deletion skipped LightRAG cleanup"}}}
	h := NewDocumentHandler(nil, nil, deleter, nil, nil)

	c, w := newGinContext(http.MethodDelete, "/api/educator/documents/d1?force=true", nil)
	c.Params = gin.Params{{Key: "id", Value: "d1"}}
	withUser(c, models.RoleAdmin)

	h.Delete(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, deleter.opts.Force)
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, true, data["success"])
}

func TestDocumentHandlerDeleteRequiresUser(t *testing.T) {
	h := NewDocumentHandler(nil, nil, &deleterMock{}, nil, nil)
	c, w := newGinContext(http.MethodDelete, "/api/educator/documents/d1", nil)
	h.Delete(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDocumentHandlerUploadMultipart(t *testing.T) {
	uploader := &uploaderMock{doc: &models.Document{ID: "d1", Status: models.DocumentStatusProcessing}}
	h := NewDocumentHandler(uploader, nil, nil, nil, nil)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	require.NoError(t, writer.WriteField("name", "Cells"))
	part, err := writer.CreateFormFile("file", "cells.txt")
	require.NoError(t, err)
	_, err = part.Write(bytes.Repeat([]byte("x"), 512))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	c, w := newGinContext(http.MethodPost, "/api/educator/documents", buf.Bytes())
	c.Request.Header.Set("Content-Type", writer.FormDataContentType())
	withUser(c, models.RoleEducator)

	h.Upload(c)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "cells.txt", uploader.got.Filename)
	assert.Equal(t, int64(512), uploader.got.Size)
}

func TestDocumentHandlerUploadRequiresFile(t *testing.T) {
	h := NewDocumentHandler(&uploaderMock{}, nil, nil, nil, nil)
	c, w := newGinContext(http.MethodPost, "/api/educator/documents", nil)
	withUser(c, models.RoleEducator)

	h.Upload(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDocumentHandlerGetIncludesDownloadURL(t *testing.T) {
	catalog := &catalogMock{doc: &models.Document{ID: "d1", StoragePath: "edu-1/d1.txt", Status: models.DocumentStatusProcessed}}
	h := NewDocumentHandler(nil, catalog, nil, nil, nil)

	c, w := newGinContext(http.MethodGet, "/api/educator/documents/d1", nil)
	c.Params = gin.Params{{Key: "id", Value: "d1"}}
	withUser(c, models.RoleEducator)

	h.Get(c)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "/api/educator/documents/d1/download?token=abc", data["download_url"])
}

func TestDocumentHandlerRefreshStatus(t *testing.T) {
	pct := 50
	catalog := &catalogMock{
		doc:      &models.Document{ID: "d1"},
		progress: &models.DocumentProgress{DocumentID: "d1", Status: models.DocumentStatusProcessing, Progress: &pct},
	}
	h := NewDocumentHandler(nil, catalog, nil, &statusMock{}, refresherMock{})

	c, w := newGinContext(http.MethodPost, "/api/educator/documents/d1/status", nil)
	c.Params = gin.Params{{Key: "id", Value: "d1"}}
	withUser(c, models.RoleEducator)

	h.RefreshStatus(c)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, false, data["processed"])
	assert.Equal(t, float64(50), data["progress"].(map[string]interface{})["progress"])
}

func TestDocumentHandlerRefreshStatusSurfacesServiceError(t *testing.T) {
	catalog := &catalogMock{doc: &models.Document{ID: "d1"}}
	h := NewDocumentHandler(nil, catalog, nil, &statusMock{err: appErrors.Clone(appErrors.ErrService, "LightRAG track status failed")}, refresherMock{})

	c, w := newGinContext(http.MethodPost, "/api/educator/documents/d1/status", nil)
	c.Params = gin.Params{{Key: "id", Value: "d1"}}
	withUser(c, models.RoleEducator)

	h.RefreshStatus(c)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestDocumentHandlerRefreshManyRejectsBadPayload(t *testing.T) {
	h := NewDocumentHandler(nil, nil, nil, nil, refresherMock{})
	c, w := newGinContext(http.MethodPost, "/api/educator/documents/status/refresh", []byte("{"))
	withUser(c, models.RoleEducator)

	h.RefreshMany(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type consoleMock struct {
	view *service.PipelineView
}

func (m *consoleMock) PipelineStatus(context.Context) (*service.PipelineView, error) {
	return m.view, nil
}

func (m *consoleMock) EntityExists(_ context.Context, entity string) (*lightrag.EntityExistsResult, error) {
	return &lightrag.EntityExistsResult{Exists: true, Entity: entity}, nil
}

func (m *consoleMock) ClearAll(context.Context, *models.JWTClaims) (*lightrag.ClearResult, error) {
	return &lightrag.ClearResult{Status: "success", ClearedCount: 2}, nil
}

type exporterMock struct{}

func (exporterMock) Export(context.Context, string, bool, *models.JWTClaims) (*service.DocumentExport, error) {
	return &service.DocumentExport{Filename: "documents.csv", ContentType: "text/csv", Data: []byte("ID\nd1\n")}, nil
}

type statsMock struct{}

func (statsMock) Stats() jobs.Stats { return jobs.Stats{Pending: 3} }

func TestAdminHandlerPipelineReportsCacheHit(t *testing.T) {
	h := NewLightRAGAdminHandler(&consoleMock{view: &service.PipelineView{PipelineStatus: lightrag.PipelineStatus{Busy: true}, Cached: true}}, nil, nil, statsMock{})

	c, w := newGinContext(http.MethodGet, "/api/admin/lightrag/pipeline", nil)
	withUser(c, models.RoleAdmin)

	h.Pipeline(c)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeEnvelope(t, w)
	meta := body["meta"].(map[string]interface{})
	assert.Equal(t, true, meta["cache_hit"])
	assert.Equal(t, float64(3), meta["tracking"].(map[string]interface{})["pending"])
	assert.Equal(t, true, body["data"].(map[string]interface{})["busy"])
}

func TestAdminHandlerBatchDelete(t *testing.T) {
	deleter := &deleterMock{batch: &models.BatchDeletionOutcome{Requested: 2, Deleted: 2}}
	h := NewLightRAGAdminHandler(nil, deleter, nil, nil)

	payload, _ := json.Marshal(dto.BatchDeleteRequest{IDs: []string{"d1", "d2"}})
	c, w := newGinContext(http.MethodDelete, "/api/admin/documents", payload)
	withUser(c, models.RoleAdmin)

	h.BatchDelete(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"d1", "d2"}, deleter.ids)
	assert.False(t, deleter.opts.Force)
}

func TestAdminHandlerExportStreamsFile(t *testing.T) {
	h := NewLightRAGAdminHandler(nil, nil, exporterMock{}, nil)

	c, w := newGinContext(http.MethodGet, "/api/admin/documents/export?format=csv", nil)
	withUser(c, models.RoleAdmin)

	h.Export(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "documents.csv")
	assert.Equal(t, "ID\nd1\n", w.Body.String())
}

func TestAdminHandlerEntityExists(t *testing.T) {
	h := NewLightRAGAdminHandler(&consoleMock{}, nil, nil, nil)

	c, w := newGinContext(http.MethodPost, "/api/admin/lightrag/entities/exists", []byte(`{"entity":"ATP"}`))
	withUser(c, models.RoleAdmin)

	h.EntityExists(c)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, true, data["exists"])
}
