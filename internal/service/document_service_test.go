package service

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/quizlearn-api/internal/dto"
	"github.com/noah-isme/quizlearn-api/internal/models"
	appErrors "github.com/noah-isme/quizlearn-api/pkg/errors"
	"github.com/noah-isme/quizlearn-api/pkg/search"
	"github.com/noah-isme/quizlearn-api/pkg/storage"
)

type catalogFixture struct {
	repo   *documentRepoStub
	files  *objectStoreStub
	signer *storage.DownloadSigner
	index  *indexStub
	audit  *auditStub
	svc    *DocumentService
}

func newCatalogFixture(docs ...*models.Document) *catalogFixture {
	f := &catalogFixture{
		repo:   newDocumentRepoStub(docs...),
		files:  newObjectStoreStub(),
		signer: storage.NewDownloadSigner("test-secret", time.Minute),
		index:  &indexStub{},
		audit:  &auditStub{},
	}
	f.svc = NewDocumentService(f.repo, f.files, f.signer, f.index, f.audit, nil, nil, DocumentServiceConfig{APIPrefix: "/api"})
	return f
}

func ownedDoc(id, educatorID string) *models.Document {
	return &models.Document{
		ID:               id,
		EducatorID:       educatorID,
		Name:             "Doc " + id,
		OriginalFilename: id + ".txt",
		MimeType:         "text/plain",
		SizeBytes:        5,
		StoragePath:      educatorID + "/" + id + ".txt",
		Status:           models.DocumentStatusProcessed,
		CreatedAt:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestDocumentServiceGetOwnership(t *testing.T) {
	f := newCatalogFixture(ownedDoc("d1", "edu-1"))

	doc, err := f.svc.Get(context.Background(), "d1", educatorClaims("edu-1"))
	require.NoError(t, err)
	assert.Equal(t, "d1", doc.ID)

	_, err = f.svc.Get(context.Background(), "d1", educatorClaims("edu-2"))
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	_, err = f.svc.Get(context.Background(), "d1", adminClaims())
	require.NoError(t, err)

	_, err = f.svc.Get(context.Background(), "missing", adminClaims())
	require.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestDocumentServiceListScopesToEducator(t *testing.T) {
	f := newCatalogFixture(ownedDoc("d1", "edu-1"), ownedDoc("d2", "edu-2"))

	docs, page, err := f.svc.List(context.Background(), dto.DocumentListQuery{}, educatorClaims("edu-1"))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "d1", docs[0].ID)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 20, page.PageSize)
	assert.Equal(t, 1, page.TotalCount)

	docs, _, err = f.svc.List(context.Background(), dto.DocumentListQuery{}, adminClaims())
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestDocumentServiceListRejectsUnknownStatus(t *testing.T) {
	f := newCatalogFixture()
	_, _, err := f.svc.List(context.Background(), dto.DocumentListQuery{Status: "archived"}, adminClaims())
	require.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestDocumentServiceSearchUsesIndexOrder(t *testing.T) {
	f := newCatalogFixture(ownedDoc("d1", "edu-1"), ownedDoc("d2", "edu-1"), ownedDoc("x", "edu-2"))
	f.index.hits = []string{"d2", "x", "d1"}

	docs, err := f.svc.Search(context.Background(), "cells", 10, educatorClaims("edu-1"))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "d2", docs[0].ID)
	assert.Equal(t, "d1", docs[1].ID)
}

func TestDocumentServiceSearchFallsBackWhenIndexDisabled(t *testing.T) {
	f := newCatalogFixture(ownedDoc("d1", "edu-1"), ownedDoc("x", "edu-2"))
	f.index.err = search.ErrDisabled

	docs, err := f.svc.Search(context.Background(), "doc", 0, educatorClaims("edu-1"))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "d1", docs[0].ID)
}

func TestDocumentServiceSearchRequiresQuery(t *testing.T) {
	f := newCatalogFixture()
	_, err := f.svc.Search(context.Background(), "  ", 10, adminClaims())
	require.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestDocumentServiceUpdateMetadata(t *testing.T) {
	f := newCatalogFixture(ownedDoc("d1", "edu-1"))
	name := "  Photosynthesis  "

	doc, err := f.svc.UpdateMetadata(context.Background(), "d1", dto.UpdateDocumentRequest{Name: &name}, educatorClaims("edu-1"))
	require.NoError(t, err)
	assert.Equal(t, "Photosynthesis", doc.Name)
	assert.Equal(t, "Photosynthesis", f.repo.get("d1").Name)
	require.Len(t, f.index.upserts, 1)
	assert.Equal(t, "Photosynthesis", f.index.upserts[0].Name)
	require.Len(t, f.audit.logs, 1)
	assert.Equal(t, models.AuditActionDocumentUpdate, f.audit.logs[0].Action)
	assert.Contains(t, string(f.audit.logs[0].OldValues), "Doc d1")
}

func TestDocumentServiceUpdateMetadataRejectsTombstone(t *testing.T) {
	doc := ownedDoc("d1", "edu-1")
	doc.Status = models.DocumentStatusDeleted
	f := newCatalogFixture(doc)
	name := "New"

	_, err := f.svc.UpdateMetadata(context.Background(), "d1", dto.UpdateDocumentRequest{Name: &name}, educatorClaims("edu-1"))
	require.ErrorIs(t, err, appErrors.ErrConflict)
	assert.Empty(t, f.repo.updates)
}

func TestDocumentServiceUpdateMetadataRequiresField(t *testing.T) {
	f := newCatalogFixture(ownedDoc("d1", "edu-1"))
	_, err := f.svc.UpdateMetadata(context.Background(), "d1", dto.UpdateDocumentRequest{}, educatorClaims("edu-1"))
	require.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestDocumentServiceDownloadRoundTrip(t *testing.T) {
	doc := ownedDoc("d1", "edu-1")
	f := newCatalogFixture(doc)
	f.files.objects[doc.StoragePath] = []byte("hello")

	url, expiresAt, err := f.svc.DownloadURL(context.Background(), "d1", educatorClaims("edu-1"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "/api/educator/documents/d1/download?token="))
	assert.True(t, expiresAt.After(time.Now()))

	token := strings.TrimPrefix(url, "/api/educator/documents/d1/download?token=")
	download, err := f.svc.Download(context.Background(), "d1", token, educatorClaims("edu-1"))
	require.NoError(t, err)
	defer download.Reader.Close()
	body, err := io.ReadAll(download.Reader)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, "d1.txt", download.Filename)
}

func TestDocumentServiceDownloadRejectsForeignToken(t *testing.T) {
	f := newCatalogFixture(ownedDoc("d1", "edu-1"), ownedDoc("d2", "edu-1"))
	token, _, err := f.signer.Sign(storage.DownloadGrant{DocumentID: "d2", EducatorID: "edu-1", Path: "edu-1/d2.txt", SizeBytes: 5})
	require.NoError(t, err)

	_, err = f.svc.Download(context.Background(), "d1", token, educatorClaims("edu-1"))
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	foreignOwner, _, err := f.signer.Sign(storage.DownloadGrant{DocumentID: "d1", EducatorID: "edu-2", Path: "edu-1/d1.txt", SizeBytes: 5})
	require.NoError(t, err)
	_, err = f.svc.Download(context.Background(), "d1", foreignOwner, educatorClaims("edu-1"))
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	staleSize, _, err := f.signer.Sign(storage.DownloadGrant{DocumentID: "d1", EducatorID: "edu-1", Path: "edu-1/d1.txt", SizeBytes: 4})
	require.NoError(t, err)
	_, err = f.svc.Download(context.Background(), "d1", staleSize, educatorClaims("edu-1"))
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	_, err = f.svc.Download(context.Background(), "d1", "garbage", educatorClaims("edu-1"))
	require.ErrorIs(t, err, appErrors.ErrForbidden)
}

func TestDocumentServiceDownloadMissingFile(t *testing.T) {
	f := newCatalogFixture(ownedDoc("d1", "edu-1"))
	token, _, err := f.signer.Sign(storage.DownloadGrant{DocumentID: "d1", EducatorID: "edu-1", Path: "edu-1/d1.txt", SizeBytes: 5})
	require.NoError(t, err)

	_, err = f.svc.Download(context.Background(), "d1", token, educatorClaims("edu-1"))
	require.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestDocumentServiceExportCSV(t *testing.T) {
	doc := ownedDoc("d1", "edu-1")
	doc.PermanentDocID = stringPtr("doc-abc")
	f := newCatalogFixture(doc)

	out, err := f.svc.Export(context.Background(), "csv", false, adminClaims())
	require.NoError(t, err)
	assert.Equal(t, "text/csv", out.ContentType)
	assert.True(t, strings.HasSuffix(out.Filename, ".csv"))
	assert.Contains(t, string(out.Data), "doc-abc")
	assert.Contains(t, string(out.Data), "LightRAG ID")

	_, err = f.svc.Export(context.Background(), "csv", false, educatorClaims("edu-1"))
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	_, err = f.svc.Export(context.Background(), "xlsx", false, adminClaims())
	require.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestDocumentServiceProgress(t *testing.T) {
	doc := ownedDoc("d1", "edu-1")
	doc.Status = models.DocumentStatusProcessing
	doc.ProcessingStatus = models.ProcessingStatus{ProcessedChunks: intPtr(1), TotalChunks: intPtr(4)}
	f := newCatalogFixture(doc)

	progress, err := f.svc.Progress(context.Background(), "d1", educatorClaims("edu-1"))
	require.NoError(t, err)
	require.NotNil(t, progress.Progress)
	assert.Equal(t, 25, *progress.Progress)
}

func intPtr(v int) *int {
	return &v
}
