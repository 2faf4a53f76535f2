package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/quizlearn-api/internal/models"
	appErrors "github.com/noah-isme/quizlearn-api/pkg/errors"
	"github.com/noah-isme/quizlearn-api/pkg/events"
	"github.com/noah-isme/quizlearn-api/pkg/lightrag"
)

type deletionFixture struct {
	repo    *documentRepoStub
	client  *lightragStub
	quizzes *quizLookupStub
	files   *objectStoreStub
	index   *indexStub
	pub     *publisherStub
	audit   *auditStub
	svc     *DocumentDeletionService
}

func newDeletionFixture(docs ...*models.Document) *deletionFixture {
	f := &deletionFixture{
		repo:    newDocumentRepoStub(docs...),
		client:  &lightragStub{},
		quizzes: &quizLookupStub{quizzes: map[string][]models.QuizRef{}},
		files:   newObjectStoreStub(),
		index:   &indexStub{},
		pub:     &publisherStub{},
		audit:   &auditStub{},
	}
	guard := NewConsistencyGuard(f.repo, f.quizzes, f.files, f.index, f.pub, nil)
	f.svc = NewDocumentDeletionService(f.repo, f.client, guard, NewKeyedMutex(), f.audit, nil, nil, DocumentDeletionConfig{
		VerifyAttempts: 3,
	})
	return f
}

func processedDoc(id string) *models.Document {
	return &models.Document{
		ID:             id,
		EducatorID:     "edu-1",
		Status:         models.DocumentStatusProcessed,
		StoragePath:    "edu-1/" + id + ".pdf",
		TrackID:        stringPtr("t-1"),
		PermanentDocID: stringPtr("doc-" + id),
	}
}

func TestDeleteHappyPath(t *testing.T) {
	f := newDeletionFixture(processedDoc("d1"))
	f.files.objects["edu-1/d1.pdf"] = []byte("pdf")

	outcome, err := f.svc.Delete(context.Background(), "d1", educatorClaims("edu-1"), DeleteOptions{})
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.True(t, outcome.LightRAGDeleted)
	assert.True(t, outcome.LightRAGVerified)
	assert.False(t, outcome.HasQuizDependencies)
	assert.Empty(t, outcome.Warnings)
	assert.Equal(t, "Document deleted from LightRAG and local storage", outcome.Message)
	assert.Equal(t, [][]string{{"doc-d1"}}, f.client.deletedIDs)

	doc := f.repo.get("d1")
	assert.Equal(t, models.DocumentStatusDeleted, doc.Status)
	require.NotNil(t, doc.ProcessedData.DeletionInfo)
	assert.Equal(t, "edu-1", doc.ProcessedData.DeletionInfo.DeletedBy)
	assert.True(t, doc.ProcessedData.DeletionInfo.LightRAGVerified)
	assert.Equal(t, []string{"edu-1/d1.pdf"}, f.files.deleted)
	assert.Equal(t, []string{"d1"}, f.index.removed)
	assert.Equal(t, []string{events.TypeDocumentDeleted}, f.pub.types())
	require.Len(t, f.audit.logs, 1)
	assert.Equal(t, models.AuditActionDocumentDelete, f.audit.logs[0].Action)
}

func TestDeleteAbortsWhenPipelineBusy(t *testing.T) {
	f := newDeletionFixture(processedDoc("d1"))
	f.client.pipeline = &lightrag.PipelineStatus{Busy: true}

	outcome, err := f.svc.Delete(context.Background(), "d1", educatorClaims("edu-1"), DeleteOptions{})
	require.Error(t, err)
	assert.Nil(t, outcome)
	assert.Zero(t, f.client.deleteCalls)

	appErr := appErrors.FromError(err)
	assert.Equal(t, 429, appErr.Status)
	retryAfter, ok := appErr.RetryAfterSeconds()
	require.True(t, ok)
	assert.Equal(t, 30, retryAfter)

	assert.Equal(t, models.DocumentStatusProcessed, f.repo.get("d1").Status)
	assert.Empty(t, f.repo.markDeleted)
}

func TestDeleteSkipsExternalCallForTrackOnlyID(t *testing.T) {
	doc := &models.Document{ID: "d1", EducatorID: "edu-1", Status: models.DocumentStatusProcessed, TrackID: stringPtr("t-999")}
	f := newDeletionFixture(doc)

	outcome, err := f.svc.Delete(context.Background(), "d1", educatorClaims("edu-1"), DeleteOptions{})
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.False(t, outcome.LightRAGDeleted)
	assert.Contains(t, outcome.Warnings, "no valid LightRAG document ID (doc-xxx) found")
	assert.Zero(t, f.client.deleteCalls)
	assert.Zero(t, f.client.pipelineCalls)
	assert.Equal(t, models.DocumentStatusDeleted, f.repo.get("d1").Status)
}

func TestDeleteWithQuizDependenciesKeepsTombstone(t *testing.T) {
	f := newDeletionFixture(processedDoc("d1"))
	f.files.objects["edu-1/d1.pdf"] = []byte("pdf")
	f.quizzes.quizzes["d1"] = []models.QuizRef{{ID: "q1", Title: "Cell Biology Quiz"}}

	outcome, err := f.svc.Delete(context.Background(), "d1", educatorClaims("edu-1"), DeleteOptions{})
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.True(t, outcome.HasQuizDependencies)
	require.Len(t, outcome.AffectedQuizzes, 1)
	assert.Equal(t, "Cell Biology Quiz", outcome.AffectedQuizzes[0].Title)
	assert.Contains(t, outcome.Message, "1 quiz(zes)")
	assert.Contains(t, outcome.Warnings, "document is still used by 1 quiz(zes): Cell Biology Quiz")

	doc := f.repo.get("d1")
	assert.Equal(t, models.DocumentStatusDeleted, doc.Status)
	require.NotNil(t, doc.ProcessedData.DeletionInfo)
	assert.True(t, doc.ProcessedData.DeletionInfo.HasQuizDependencies)
	assert.Empty(t, f.files.deleted)
	assert.Contains(t, f.files.objects, "edu-1/d1.pdf")
}

func TestDeleteExternalOutcomesAbortWithoutLocalMutation(t *testing.T) {
	cases := []struct {
		name       string
		result     *lightrag.DeleteResult
		callErr    error
		status     int
		retryAfter int
	}{
		{name: "not allowed", result: &lightrag.DeleteResult{Status: lightrag.DeleteNotAllowed, Message: "protected"}, status: 403},
		{name: "busy", result: &lightrag.DeleteResult{Status: lightrag.DeleteBusy}, status: 429, retryAfter: 60},
		{name: "fail", result: &lightrag.DeleteResult{Status: lightrag.DeleteFail, Message: "boom"}, status: 502},
		{name: "network", callErr: &lightrag.TransportError{Operation: "delete_documents", Err: errors.New("connection refused")}, status: 502},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newDeletionFixture(processedDoc("d1"))
			f.client.deleteResult = tc.result
			f.client.deleteErr = tc.callErr

			_, err := f.svc.Delete(context.Background(), "d1", educatorClaims("edu-1"), DeleteOptions{})
			require.Error(t, err)
			appErr := appErrors.FromError(err)
			assert.Equal(t, tc.status, appErr.Status)
			if tc.retryAfter > 0 {
				retryAfter, ok := appErr.RetryAfterSeconds()
				require.True(t, ok)
				assert.Equal(t, tc.retryAfter, retryAfter)
			}
			assert.Equal(t, models.DocumentStatusProcessed, f.repo.get("d1").Status)
			assert.Empty(t, f.repo.markDeleted)
		})
	}
}

func TestDeleteVerificationTimeoutIsWarning(t *testing.T) {
	f := newDeletionFixture(processedDoc("d1"))
	f.client.pipelineSeq = []*lightrag.PipelineStatus{{Busy: false}, {Busy: true}}

	outcome, err := f.svc.Delete(context.Background(), "d1", educatorClaims("edu-1"), DeleteOptions{})
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.True(t, outcome.LightRAGDeleted)
	assert.False(t, outcome.LightRAGVerified)
	assert.Contains(t, outcome.Warnings, warningUnverified)
	// one pre-check plus three verification reads
	assert.Equal(t, 4, f.client.pipelineCalls)
}

func TestDeletePipelineStatusFailureBecomesWarning(t *testing.T) {
	f := newDeletionFixture(processedDoc("d1"))
	f.client.pipelineErr = &lightrag.TransportError{Operation: "pipeline_status", Err: errors.New("timeout")}

	outcome, err := f.svc.Delete(context.Background(), "d1", educatorClaims("edu-1"), DeleteOptions{})
	require.NoError(t, err)
	assert.True(t, outcome.LightRAGDeleted)
	assert.False(t, outcome.LightRAGVerified)
	assert.Equal(t, 1, f.client.deleteCalls)
	assert.Len(t, outcome.Warnings, 2)
}

func TestDeleteEnforcesOwnership(t *testing.T) {
	f := newDeletionFixture(processedDoc("d1"))

	_, err := f.svc.Delete(context.Background(), "d1", educatorClaims("edu-2"), DeleteOptions{})
	require.ErrorIs(t, err, appErrors.ErrForbidden)
	assert.Zero(t, f.client.pipelineCalls)

	outcome, err := f.svc.Delete(context.Background(), "d1", adminClaims(), DeleteOptions{})
	require.NoError(t, err)
	assert.True(t, outcome.Success)
}

func TestForceDeleteIsAdminOnlyAndSkipsLightRAG(t *testing.T) {
	f := newDeletionFixture(processedDoc("d1"))

	_, err := f.svc.Delete(context.Background(), "d1", educatorClaims("edu-1"), DeleteOptions{Force: true})
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	f.client.pipeline = &lightrag.PipelineStatus{Busy: true}
	outcome, err := f.svc.Delete(context.Background(), "d1", adminClaims(), DeleteOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, outcome.Forced)
	assert.Contains(t, outcome.Warnings, warningForced)
	assert.Zero(t, f.client.deleteCalls)
	assert.Equal(t, models.DocumentStatusDeleted, f.repo.get("d1").Status)
	assert.Equal(t, models.AuditActionDocumentForceDelete, f.audit.logs[0].Action)
}

func TestDeleteAlreadyTombstonedIsIdempotent(t *testing.T) {
	f := newDeletionFixture(processedDoc("d1"))

	_, err := f.svc.Delete(context.Background(), "d1", educatorClaims("edu-1"), DeleteOptions{})
	require.NoError(t, err)

	outcome, err := f.svc.Delete(context.Background(), "d1", educatorClaims("edu-1"), DeleteOptions{})
	require.NoError(t, err)
	assert.True(t, outcome.AlreadyDeleted)
	assert.True(t, outcome.LightRAGDeleted)
	assert.Equal(t, 1, f.client.deleteCalls)
	assert.Len(t, f.repo.markDeleted, 1)
	assert.Len(t, f.pub.types(), 1)
}

func TestFinalizeAsTombstoneTwiceOverwrites(t *testing.T) {
	f := newDeletionFixture(processedDoc("d1"))
	guard := NewConsistencyGuard(f.repo, f.quizzes, f.files, f.index, f.pub, nil)

	_, err := guard.FinalizeAsTombstone(context.Background(), "d1", models.DeletionInfo{DeletedBy: "a"})
	require.NoError(t, err)
	_, err = guard.FinalizeAsTombstone(context.Background(), "d1", models.DeletionInfo{DeletedBy: "b"})
	require.NoError(t, err)

	doc := f.repo.get("d1")
	assert.Equal(t, "b", doc.ProcessedData.DeletionInfo.DeletedBy)
	assert.Len(t, f.index.removed, 1)
	assert.Len(t, f.pub.types(), 1)
}

func TestDeleteManyUsesSingleBatchCall(t *testing.T) {
	trackOnly := &models.Document{ID: "d3", EducatorID: "edu-1", Status: models.DocumentStatusProcessing, TrackID: stringPtr("t-3")}
	f := newDeletionFixture(processedDoc("d1"), processedDoc("d2"), trackOnly)
	f.client.deleteResult = &lightrag.DeleteResult{Status: lightrag.DeleteStarted, FailedDocs: []string{"doc-d2"}}

	batch, err := f.svc.DeleteMany(context.Background(), []string{"d2", "d1", "d3", "missing", "d1"}, adminClaims(), DeleteOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, batch.Requested)
	assert.Equal(t, 2, batch.Deleted)
	assert.Equal(t, 2, batch.Failed)
	assert.Equal(t, 1, f.client.deleteCalls)
	assert.ElementsMatch(t, []string{"doc-d1", "doc-d2"}, f.client.deletedIDs[0])

	byID := map[string]models.DeletionOutcome{}
	for _, r := range batch.Results {
		byID[r.DocumentID] = r
	}
	assert.True(t, byID["d1"].LightRAGDeleted)
	assert.False(t, byID["d2"].LightRAGDeleted)
	assert.False(t, byID["d2"].Success)
	assert.Contains(t, byID["d2"].Warnings, "LightRAG did not delete doc-d2")
	assert.Contains(t, byID["d3"].Warnings, warningNoExternalID)
	assert.False(t, byID["missing"].Success)
	assert.Equal(t, models.DocumentStatusDeleted, f.repo.get("d1").Status)
	assert.Equal(t, models.DocumentStatusDeleted, f.repo.get("d3").Status)
	assert.Equal(t, models.DocumentStatusProcessed, f.repo.get("d2").Status)
	assert.Nil(t, f.repo.get("d2").ProcessedData.DeletionInfo)
}

func TestDeleteRetriesDocumentLightRAGFailedToDelete(t *testing.T) {
	f := newDeletionFixture(processedDoc("d1"), processedDoc("d2"))
	f.client.deleteResult = &lightrag.DeleteResult{Status: lightrag.DeleteSuccess, FailedDocs: []string{"doc-d2"}}

	batch, err := f.svc.DeleteMany(context.Background(), []string{"d1", "d2"}, educatorClaims("edu-1"), DeleteOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Deleted)
	assert.Equal(t, 1, batch.Failed)
	assert.Equal(t, models.DocumentStatusProcessed, f.repo.get("d2").Status)

	f.client.deleteResult = nil
	outcome, err := f.svc.Delete(context.Background(), "d2", educatorClaims("edu-1"), DeleteOptions{})
	require.NoError(t, err)
	assert.False(t, outcome.AlreadyDeleted)
	assert.True(t, outcome.LightRAGDeleted)
	assert.Equal(t, 2, f.client.deleteCalls)
	assert.Equal(t, []string{"doc-d2"}, f.client.deletedIDs[1])
	assert.Equal(t, models.DocumentStatusDeleted, f.repo.get("d2").Status)
}

func TestDeleteFailsWhenLightRAGReportsDocumentFailed(t *testing.T) {
	f := newDeletionFixture(processedDoc("d1"))
	f.client.deleteResult = &lightrag.DeleteResult{Status: lightrag.DeleteSuccess, FailedDocs: []string{"doc-d1"}}

	outcome, err := f.svc.Delete(context.Background(), "d1", educatorClaims("edu-1"), DeleteOptions{})
	require.ErrorIs(t, err, appErrors.ErrService)
	assert.Nil(t, outcome)
	assert.Equal(t, 502, appErrors.FromError(err).Status)
	assert.Equal(t, models.DocumentStatusProcessed, f.repo.get("d1").Status)
	assert.Empty(t, f.repo.markDeleted)
}

func TestDeleteManyAbortsWhenBusy(t *testing.T) {
	f := newDeletionFixture(processedDoc("d1"), processedDoc("d2"))
	f.client.pipeline = &lightrag.PipelineStatus{Busy: true}

	_, err := f.svc.DeleteMany(context.Background(), []string{"d1", "d2"}, adminClaims(), DeleteOptions{})
	require.ErrorIs(t, err, appErrors.ErrPipelineBusy)
	assert.Zero(t, f.client.deleteCalls)
	assert.Empty(t, f.repo.markDeleted)
}
