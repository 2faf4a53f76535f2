package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/quizlearn-api/internal/models"
	appErrors "github.com/noah-isme/quizlearn-api/pkg/errors"
	"github.com/noah-isme/quizlearn-api/pkg/lightrag"
)

const pipelineStatusCacheKey = "lightrag:pipeline"

type adminClient interface {
	PipelineStatus(ctx context.Context) (*lightrag.PipelineStatus, error)
	EntityExists(ctx context.Context, entity string) (*lightrag.EntityExistsResult, error)
	ClearDocuments(ctx context.Context) (*lightrag.ClearResult, error)
}

// LightRAGAdminConfig tunes the admin console.
type LightRAGAdminConfig struct {
	PipelineCacheTTL time.Duration
	BusyRetryAfter   time.Duration
}

// PipelineView is the admin snapshot of the remote pipeline.
type PipelineView struct {
	lightrag.PipelineStatus
	Cached bool `json:"cached"`
}

// LightRAGAdminService exposes operator views and actions on the LightRAG instance.
type LightRAGAdminService struct {
	client adminClient
	cache  *CacheService
	audit  auditLogger
	logger *zap.Logger
	cfg    LightRAGAdminConfig
}

// NewLightRAGAdminService constructs the admin console service. cache may be nil.
func NewLightRAGAdminService(client adminClient, cache *CacheService, audit auditLogger, logger *zap.Logger, cfg LightRAGAdminConfig) *LightRAGAdminService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PipelineCacheTTL <= 0 {
		cfg.PipelineCacheTTL = 5 * time.Second
	}
	if cfg.BusyRetryAfter <= 0 {
		cfg.BusyRetryAfter = 30 * time.Second
	}
	return &LightRAGAdminService{client: client, cache: cache, audit: audit, logger: logger, cfg: cfg}
}

// PipelineStatus returns a briefly cached pipeline snapshot. Deletion never reads through this cache.
func (s *LightRAGAdminService) PipelineStatus(ctx context.Context) (*PipelineView, error) {
	var cached lightrag.PipelineStatus
	value, hit, err := s.cache.Remember(ctx, pipelineStatusCacheKey, s.cfg.PipelineCacheTTL, &cached, func(ctx context.Context) (interface{}, error) {
		return s.client.PipelineStatus(ctx)
	})
	if err != nil {
		return nil, mapIndexingError(err, "failed to read LightRAG pipeline status")
	}
	if hit {
		return &PipelineView{PipelineStatus: cached, Cached: true}, nil
	}
	status, ok := value.(*lightrag.PipelineStatus)
	if !ok || status == nil {
		return nil, appErrors.Clone(appErrors.ErrService, "empty pipeline status")
	}
	return &PipelineView{PipelineStatus: *status}, nil
}

// EntityExists asks the knowledge graph whether an entity is present.
func (s *LightRAGAdminService) EntityExists(ctx context.Context, entity string) (*lightrag.EntityExistsResult, error) {
	entity = strings.TrimSpace(entity)
	if entity == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "entity is required")
	}
	result, err := s.client.EntityExists(ctx, entity)
	if err != nil {
		return nil, mapIndexingError(err, "failed to query LightRAG entity")
	}
	return result, nil
}

// ClearAll wipes every document from LightRAG. Local rows are left untouched.
func (s *LightRAGAdminService) ClearAll(ctx context.Context, actor *models.JWTClaims) (*lightrag.ClearResult, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleAdmin {
		return nil, appErrors.ErrForbidden
	}

	result, err := s.client.ClearDocuments(ctx)
	if err != nil {
		return nil, mapIndexingError(err, "failed to clear LightRAG documents")
	}
	switch result.Outcome() {
	case lightrag.OutcomeOK:
	case lightrag.OutcomeBusy:
		return nil, busyError(orDefault(result.Message, "LightRAG pipeline is busy, retry later"), s.cfg.BusyRetryAfter)
	case lightrag.OutcomeForbidden:
		return nil, appErrors.Clone(appErrors.ErrForbidden, orDefault(result.Message, "LightRAG refused to clear documents"))
	default:
		return nil, appErrors.Clone(appErrors.ErrService, orDefault(result.Message, "LightRAG failed to clear documents"))
	}

	_ = s.cache.Invalidate(ctx, pipelineStatusCacheKey)
	s.logger.Warn("LightRAG documents cleared", zap.String("user_id", actor.UserID), zap.Int("cleared", result.ClearedCount))
	s.emitAudit(ctx, actor, result)
	return result, nil
}

func (s *LightRAGAdminService) emitAudit(ctx context.Context, actor *models.JWTClaims, result *lightrag.ClearResult) {
	if s.audit == nil {
		return
	}
	values, _ := json.Marshal(result)
	entry := &models.AuditLog{
		UserID:    &actor.UserID,
		Action:    models.AuditActionLightRAGClear,
		Resource:  "lightrag",
		NewValues: values,
		IPAddress: "system",
		UserAgent: "lightrag-admin-service",
	}
	if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to create lightrag audit", zap.Error(err))
	}
}
