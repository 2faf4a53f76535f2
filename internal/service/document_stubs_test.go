package service

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"sync"

	"github.com/noah-isme/quizlearn-api/internal/models"
	"github.com/noah-isme/quizlearn-api/pkg/events"
	"github.com/noah-isme/quizlearn-api/pkg/lightrag"
	"github.com/noah-isme/quizlearn-api/pkg/search"
	"github.com/noah-isme/quizlearn-api/pkg/storage"
)

type documentRepoStub struct {
	mu          sync.Mutex
	docs        map[string]*models.Document
	updates     []models.UpdateDocumentParams
	created     []*models.Document
	markDeleted []models.ProcessedData
	createErr   error
}

func newDocumentRepoStub(docs ...*models.Document) *documentRepoStub {
	stub := &documentRepoStub{docs: map[string]*models.Document{}}
	for _, doc := range docs {
		stub.docs[doc.ID] = doc
	}
	return stub
}

func (s *documentRepoStub) FindByID(_ context.Context, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *doc
	return &clone, nil
}

func (s *documentRepoStub) FindByIDs(_ context.Context, ids []string) ([]models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := s.docs[id]; ok {
			out = append(out, *doc)
		}
	}
	return out, nil
}

func (s *documentRepoStub) Create(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if doc.Status == "" {
		doc.Status = models.DocumentStatusPending
	}
	clone := *doc
	s.docs[doc.ID] = &clone
	s.created = append(s.created, &clone)
	return nil
}

func (s *documentRepoStub) Update(_ context.Context, id string, params models.UpdateDocumentParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return sql.ErrNoRows
	}
	s.updates = append(s.updates, params)
	if params.Name != nil {
		doc.Name = *params.Name
	}
	if params.Remarks != nil {
		doc.Remarks = params.Remarks
	}
	if params.Status != nil {
		doc.Status = *params.Status
	}
	if params.TrackID != nil {
		doc.TrackID = params.TrackID
	}
	if params.LightragDocumentID != nil {
		doc.LightragDocumentID = params.LightragDocumentID
	}
	if params.PermanentDocID != nil {
		doc.PermanentDocID = params.PermanentDocID
	}
	if params.ProcessingStartedAt != nil {
		doc.ProcessingStartedAt = params.ProcessingStartedAt
	}
	if params.ProcessingCompletedAt != nil {
		doc.ProcessingCompletedAt = params.ProcessingCompletedAt
	}
	if params.ProcessingStatus != nil {
		doc.ProcessingStatus = *params.ProcessingStatus
	}
	if params.ProcessedData != nil {
		doc.ProcessedData = *params.ProcessedData
	}
	return nil
}

func (s *documentRepoStub) MarkDeleted(_ context.Context, id string, data models.ProcessedData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return sql.ErrNoRows
	}
	doc.Status = models.DocumentStatusDeleted
	doc.ProcessedData = data
	s.markDeleted = append(s.markDeleted, data)
	return nil
}

func (s *documentRepoStub) List(_ context.Context, filter models.DocumentFilter) ([]models.Document, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Document
	for _, doc := range s.docs {
		if filter.EducatorID != "" && doc.EducatorID != filter.EducatorID {
			continue
		}
		if !filter.IncludeDeleted && doc.Status == models.DocumentStatusDeleted {
			continue
		}
		out = append(out, *doc)
	}
	return out, len(out), nil
}

func (s *documentRepoStub) ListAll(_ context.Context, includeDeleted bool) ([]models.Document, error) {
	docs, _, err := s.List(context.Background(), models.DocumentFilter{IncludeDeleted: includeDeleted})
	return docs, err
}

func (s *documentRepoStub) ListInFlight(_ context.Context, _ int) ([]models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Document
	for _, doc := range s.docs {
		if doc.Status == models.DocumentStatusPending || doc.Status == models.DocumentStatusProcessing {
			out = append(out, *doc)
		}
	}
	return out, nil
}

func (s *documentRepoStub) get(id string) *models.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *s.docs[id]
	return &clone
}

type lightragStub struct {
	mu sync.Mutex

	pipeline      *lightrag.PipelineStatus
	pipelineSeq   []*lightrag.PipelineStatus
	pipelineErr   error
	pipelineCalls int
	track         *lightrag.TrackStatus
	trackErr      error
	trackCalls    int
	trackIDs      []string
	deleteResult  *lightrag.DeleteResult
	deleteErr     error
	deleteCalls   int
	deletedIDs    [][]string
	uploadResults []*lightrag.UploadResult
	uploadErrs    []error
	uploadCalls   int
	uploadedBytes []int64
	entityResult  *lightrag.EntityExistsResult
	clearResult   *lightrag.ClearResult
	clearCalls    int
}

func (s *lightragStub) PipelineStatus(context.Context) (*lightrag.PipelineStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelineCalls++
	if s.pipelineErr != nil {
		return nil, s.pipelineErr
	}
	if len(s.pipelineSeq) > 0 {
		next := s.pipelineSeq[0]
		if len(s.pipelineSeq) > 1 {
			s.pipelineSeq = s.pipelineSeq[1:]
		}
		return next, nil
	}
	if s.pipeline == nil {
		return &lightrag.PipelineStatus{}, nil
	}
	return s.pipeline, nil
}

func (s *lightragStub) CheckTrackStatus(_ context.Context, trackID string) (*lightrag.TrackStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackCalls++
	s.trackIDs = append(s.trackIDs, trackID)
	if s.trackErr != nil {
		return nil, s.trackErr
	}
	if s.track == nil {
		return &lightrag.TrackStatus{Status: "PENDING"}, nil
	}
	return s.track, nil
}

func (s *lightragStub) DeleteDocument(ctx context.Context, docID string, deleteFile bool) (*lightrag.DeleteResult, error) {
	return s.DeleteDocuments(ctx, []string{docID}, deleteFile)
}

func (s *lightragStub) DeleteDocuments(_ context.Context, docIDs []string, _ bool) (*lightrag.DeleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++
	s.deletedIDs = append(s.deletedIDs, docIDs)
	if s.deleteErr != nil {
		return nil, s.deleteErr
	}
	if s.deleteResult == nil {
		return &lightrag.DeleteResult{Status: lightrag.DeleteSuccess, DeletedDocs: docIDs}, nil
	}
	return s.deleteResult, nil
}

func (s *lightragStub) Upload(_ context.Context, _ string, _ io.Reader, size int64) (*lightrag.UploadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.uploadCalls
	s.uploadCalls++
	s.uploadedBytes = append(s.uploadedBytes, size)
	if idx < len(s.uploadErrs) && s.uploadErrs[idx] != nil {
		return nil, s.uploadErrs[idx]
	}
	if idx < len(s.uploadResults) {
		return s.uploadResults[idx], nil
	}
	return &lightrag.UploadResult{Status: lightrag.UploadSuccess, TrackID: "t-123"}, nil
}

func (s *lightragStub) EntityExists(_ context.Context, entity string) (*lightrag.EntityExistsResult, error) {
	if s.entityResult != nil {
		return s.entityResult, nil
	}
	return &lightrag.EntityExistsResult{Entity: entity}, nil
}

func (s *lightragStub) ClearDocuments(context.Context) (*lightrag.ClearResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearCalls++
	if s.clearResult != nil {
		return s.clearResult, nil
	}
	return &lightrag.ClearResult{Status: "success"}, nil
}

type quizLookupStub struct {
	quizzes map[string][]models.QuizRef
	err     error
}

func (s *quizLookupStub) FindQuizzesByDocument(_ context.Context, documentID string) ([]models.QuizRef, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.quizzes[documentID], nil
}

type publisherStub struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *publisherStub) Publish(_ context.Context, evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *publisherStub) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, evt := range s.events {
		out = append(out, evt.Type)
	}
	return out
}

type indexStub struct {
	upserts []search.Record
	removed []string
	hits    []string
	err     error
}

func (s *indexStub) Upsert(rec search.Record) error {
	s.upserts = append(s.upserts, rec)
	return nil
}

func (s *indexStub) Remove(id string) error {
	s.removed = append(s.removed, id)
	return nil
}

func (s *indexStub) Search(string, string, int64) ([]string, error) {
	return s.hits, s.err
}

type auditStub struct {
	mu   sync.Mutex
	logs []*models.AuditLog
}

func (s *auditStub) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, log)
	return nil
}

type objectStoreStub struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newObjectStoreStub() *objectStoreStub {
	return &objectStoreStub{objects: map[string][]byte{}}
}

func (s *objectStoreStub) SaveStream(_ context.Context, name string, r io.Reader, _ int64, _ string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = data
	return name, nil
}

func (s *objectStoreStub) Open(_ context.Context, name string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[name]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *objectStoreStub) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, name)
	s.deleted = append(s.deleted, name)
	return nil
}

func educatorClaims(id string) *models.JWTClaims {
	return &models.JWTClaims{UserID: id, Role: models.RoleEducator}
}

func adminClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin}
}
