package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/quizlearn-api/internal/dto"
	"github.com/noah-isme/quizlearn-api/internal/models"
	appErrors "github.com/noah-isme/quizlearn-api/pkg/errors"
	"github.com/noah-isme/quizlearn-api/pkg/jobs"
)

const (
	trackingQueueName = "document-tracking"
	maxBatchRefresh   = 50
)

type statusPoller interface {
	UpdateProcessingStatus(ctx context.Context, documentID string) (bool, error)
	GetProgress(ctx context.Context, documentID string) (*models.DocumentProgress, error)
	Poll(ctx context.Context, documentID string) bool
}

type inFlightLister interface {
	documentReader
	ListInFlight(ctx context.Context, limit int) ([]models.Document, error)
}

// DocumentTrackerConfig sizes the background tracking pool.
type DocumentTrackerConfig struct {
	Workers            int
	BufferSize         int
	RefreshConcurrency int
	ResumeLimit        int
}

// DocumentTracker follows accepted uploads until LightRAG finishes indexing them.
type DocumentTracker struct {
	status statusPoller
	docs   inFlightLister
	queue  *jobs.Queue[string]
	logger *zap.Logger
	cfg    DocumentTrackerConfig

	mu     sync.Mutex
	active map[string]struct{}
}

// NewDocumentTracker wires the polling queue.
func NewDocumentTracker(status statusPoller, docs inFlightLister, logger *zap.Logger, cfg DocumentTrackerConfig) *DocumentTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.RefreshConcurrency <= 0 {
		cfg.RefreshConcurrency = 4
	}
	if cfg.ResumeLimit <= 0 {
		cfg.ResumeLimit = 200
	}
	t := &DocumentTracker{
		status: status,
		docs:   docs,
		logger: logger,
		cfg:    cfg,
		active: make(map[string]struct{}),
	}
	t.queue = jobs.NewQueue[string](trackingQueueName, t.handle, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		Logger:     logger,
	})
	return t
}

// Start launches the workers.
func (t *DocumentTracker) Start(ctx context.Context) {
	t.queue.Start(ctx)
}

// Stop cancels polling and waits for workers to exit.
func (t *DocumentTracker) Stop() {
	t.queue.Stop()
}

// Stats exposes queue counters for the admin console.
func (t *DocumentTracker) Stats() jobs.Stats {
	return t.queue.Stats()
}

// Schedule queues a document for polling. A document already being tracked is not queued twice.
func (t *DocumentTracker) Schedule(documentID string) error {
	t.mu.Lock()
	if _, ok := t.active[documentID]; ok {
		t.mu.Unlock()
		return nil
	}
	t.active[documentID] = struct{}{}
	t.mu.Unlock()

	if err := t.queue.Enqueue(jobs.Job[string]{ID: documentID, Payload: documentID}); err != nil {
		t.release(documentID)
		return err
	}
	return nil
}

// ResumeInFlight re-queues pending and processing documents left over from a previous run.
func (t *DocumentTracker) ResumeInFlight(ctx context.Context) (int, error) {
	docs, err := t.docs.ListInFlight(ctx, t.cfg.ResumeLimit)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list in-flight documents")
	}
	scheduled := 0
	for _, doc := range docs {
		if err := t.Schedule(doc.ID); err != nil {
			t.logger.Warn("resume tracking failed", zap.String("document_id", doc.ID), zap.Error(err))
			continue
		}
		scheduled++
	}
	if scheduled > 0 {
		t.logger.Info("resumed document tracking", zap.Int("documents", scheduled))
	}
	return scheduled, nil
}

// RefreshMany reconciles several documents concurrently and reports each result.
// Documents the actor does not own are reported as errors without a LightRAG call.
func (t *DocumentTracker) RefreshMany(ctx context.Context, ids []string, actor *models.JWTClaims) ([]dto.StatusRefreshResult, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	ids = uniqueSorted(ids)
	if len(ids) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "at least one document id is required")
	}
	if len(ids) > maxBatchRefresh {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("at most %d documents can be refreshed at once", maxBatchRefresh))
	}

	results := make([]dto.StatusRefreshResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.RefreshConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			results[i] = t.refreshOne(gctx, id, actor)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (t *DocumentTracker) refreshOne(ctx context.Context, id string, actor *models.JWTClaims) dto.StatusRefreshResult {
	result := dto.StatusRefreshResult{DocumentID: id}
	doc, err := loadDocument(ctx, t.docs, id)
	if err == nil {
		err = canModify(doc, actor)
	}
	if err != nil {
		result.Error = appErrors.FromError(err).Message
		return result
	}

	processed, err := t.status.UpdateProcessingStatus(ctx, id)
	if err != nil {
		result.Error = appErrors.FromError(err).Message
	}
	result.Processed = processed
	if progress, perr := t.status.GetProgress(ctx, id); perr == nil {
		result.Progress = progress
	}
	return result
}

func (t *DocumentTracker) handle(ctx context.Context, job jobs.Job[string]) error {
	defer t.release(job.Payload)
	if t.status.Poll(ctx, job.Payload) {
		t.logger.Debug("document tracking finished", zap.String("document_id", job.Payload))
		return nil
	}
	if ctx.Err() == nil {
		t.logger.Info("document tracking stopped before completion", zap.String("document_id", job.Payload))
	}
	return nil
}

func (t *DocumentTracker) release(documentID string) {
	t.mu.Lock()
	delete(t.active, documentID)
	t.mu.Unlock()
}
