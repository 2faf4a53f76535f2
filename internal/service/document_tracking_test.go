package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/quizlearn-api/internal/models"
	appErrors "github.com/noah-isme/quizlearn-api/pkg/errors"
)

type pollerStub struct {
	mu        sync.Mutex
	gate      chan struct{}
	polled    []string
	refreshed []string
	processed map[string]bool
}

func (s *pollerStub) Poll(ctx context.Context, documentID string) bool {
	s.mu.Lock()
	s.polled = append(s.polled, documentID)
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (s *pollerStub) UpdateProcessingStatus(_ context.Context, documentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshed = append(s.refreshed, documentID)
	return s.processed[documentID], nil
}

func (s *pollerStub) GetProgress(_ context.Context, documentID string) (*models.DocumentProgress, error) {
	return &models.DocumentProgress{DocumentID: documentID}, nil
}

func (s *pollerStub) polledIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.polled...)
}

func TestTrackerScheduleDeduplicatesActiveDocument(t *testing.T) {
	poller := &pollerStub{gate: make(chan struct{})}
	tracker := NewDocumentTracker(poller, newDocumentRepoStub(), nil, DocumentTrackerConfig{Workers: 1})
	tracker.Start(context.Background())
	defer tracker.Stop()

	require.NoError(t, tracker.Schedule("d1"))
	require.Eventually(t, func() bool { return len(poller.polledIDs()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, tracker.Schedule("d1"))

	close(poller.gate)
	require.Eventually(t, func() bool { return tracker.Stats().Processed == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"d1"}, poller.polledIDs())

	require.NoError(t, tracker.Schedule("d1"))
	require.Eventually(t, func() bool { return tracker.Stats().Processed == 2 }, time.Second, 5*time.Millisecond)
}

func TestTrackerScheduleBeforeStartFails(t *testing.T) {
	tracker := NewDocumentTracker(&pollerStub{}, newDocumentRepoStub(), nil, DocumentTrackerConfig{})
	require.Error(t, tracker.Schedule("d1"))

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.Empty(t, tracker.active)
}

func TestTrackerResumeInFlight(t *testing.T) {
	pending := ownedDoc("p1", "edu-1")
	pending.Status = models.DocumentStatusPending
	processing := ownedDoc("p2", "edu-1")
	processing.Status = models.DocumentStatusProcessing
	done := ownedDoc("p3", "edu-1")

	poller := &pollerStub{}
	tracker := NewDocumentTracker(poller, newDocumentRepoStub(pending, processing, done), nil, DocumentTrackerConfig{Workers: 2})
	tracker.Start(context.Background())
	defer tracker.Stop()

	scheduled, err := tracker.ResumeInFlight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, scheduled)
	require.Eventually(t, func() bool { return tracker.Stats().Processed == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"p1", "p2"}, poller.polledIDs())
}

func TestTrackerRefreshManyReportsPerDocument(t *testing.T) {
	poller := &pollerStub{processed: map[string]bool{"d1": true}}
	repo := newDocumentRepoStub(ownedDoc("d1", "edu-1"), ownedDoc("d2", "edu-2"), ownedDoc("d3", "edu-1"))
	tracker := NewDocumentTracker(poller, repo, nil, DocumentTrackerConfig{RefreshConcurrency: 2})

	results, err := tracker.RefreshMany(context.Background(), []string{"d3", "d2", "d1", "missing", "d1"}, educatorClaims("edu-1"))
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, "d1", results[0].DocumentID)
	assert.True(t, results[0].Processed)
	assert.NotNil(t, results[0].Progress)
	assert.Empty(t, results[0].Error)

	assert.Equal(t, "d2", results[1].DocumentID)
	assert.Equal(t, "document belongs to another educator", results[1].Error)

	assert.Equal(t, "d3", results[2].DocumentID)
	assert.False(t, results[2].Processed)

	assert.Equal(t, "missing", results[3].DocumentID)
	assert.Equal(t, "document not found", results[3].Error)

	assert.ElementsMatch(t, []string{"d1", "d3"}, poller.refreshed)
}

func TestTrackerRefreshManyValidatesInput(t *testing.T) {
	tracker := NewDocumentTracker(&pollerStub{}, newDocumentRepoStub(), nil, DocumentTrackerConfig{})

	_, err := tracker.RefreshMany(context.Background(), nil, educatorClaims("edu-1"))
	require.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = tracker.RefreshMany(context.Background(), []string{"d1"}, nil)
	require.ErrorIs(t, err, appErrors.ErrUnauthorized)
}
