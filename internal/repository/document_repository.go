package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/quizlearn-api/internal/models"
)

const documentColumns = `id, educator_id, name, remarks, original_filename, storage_path, mime_type, size_bytes, page_count, status, track_id, lightrag_document_id, permanent_doc_id, processing_started_at, processing_completed_at, processing_status, processed_data, created_at, updated_at`

// DocumentRepository provides database access for uploaded documents.
type DocumentRepository struct {
	db *sqlx.DB
}

// NewDocumentRepository creates a new instance of DocumentRepository.
func NewDocumentRepository(db *sqlx.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create inserts a new document row.
func (r *DocumentRepository) Create(ctx context.Context, doc *models.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Status == "" {
		doc.Status = models.DocumentStatusPending
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	const query = `INSERT INTO documents (` + documentColumns + `) VALUES (:id, :educator_id, :name, :remarks, :original_filename, :storage_path, :mime_type, :size_bytes, :page_count, :status, :track_id, :lightrag_document_id, :permanent_doc_id, :processing_started_at, :processing_completed_at, :processing_status, :processed_data, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, doc); err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// FindByID returns a document by identifier, including tombstones.
func (r *DocumentRepository) FindByID(ctx context.Context, id string) (*models.Document, error) {
	const query = `SELECT ` + documentColumns + ` FROM documents WHERE id = $1 LIMIT 1`
	var doc models.Document
	if err := r.db.GetContext(ctx, &doc, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find document by id: %w", err)
	}
	return &doc, nil
}

// FindByIDs returns the documents matching ids. Missing ids are skipped.
func (r *DocumentRepository) FindByIDs(ctx context.Context, ids []string) ([]models.Document, error) {
	if len(ids) == 0 {
		return []models.Document{}, nil
	}
	query, args, err := sqlx.In(`SELECT `+documentColumns+` FROM documents WHERE id IN (?) ORDER BY created_at`, ids)
	if err != nil {
		return nil, fmt.Errorf("build find documents query: %w", err)
	}
	var docs []models.Document
	if err := r.db.SelectContext(ctx, &docs, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("find documents by ids: %w", err)
	}
	return docs, nil
}

// List returns documents based on filters with total count.
func (r *DocumentRepository) List(ctx context.Context, filter models.DocumentFilter) ([]models.Document, int, error) {
	baseQuery := `FROM documents WHERE 1=1`
	var conditions []string
	var args []interface{}

	if filter.EducatorID != "" {
		conditions = append(conditions, fmt.Sprintf("educator_id = $%d", len(args)+1))
		args = append(args, filter.EducatorID)
	}
	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, *filter.Status)
	} else if !filter.IncludeDeleted {
		conditions = append(conditions, fmt.Sprintf("status <> $%d", len(args)+1))
		args = append(args, models.DocumentStatusDeleted)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(LOWER(name) LIKE $%d OR LOWER(original_filename) LIKE $%d)", len(args)+1, len(args)+1))
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}

	if len(conditions) > 0 {
		baseQuery += " AND " + strings.Join(conditions, " AND ")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	listQuery := fmt.Sprintf("SELECT %s %s ORDER BY created_at DESC LIMIT %d OFFSET %d", documentColumns, baseQuery, pageSize, offset)
	var docs []models.Document
	if err := r.db.SelectContext(ctx, &docs, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", baseQuery)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}

	return docs, total, nil
}

// ListAll returns every document for ledger exports, newest first.
func (r *DocumentRepository) ListAll(ctx context.Context, includeDeleted bool) ([]models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents`
	var args []interface{}
	if !includeDeleted {
		query += ` WHERE status <> $1`
		args = append(args, models.DocumentStatusDeleted)
	}
	query += ` ORDER BY created_at DESC`

	var docs []models.Document
	if err := r.db.SelectContext(ctx, &docs, query, args...); err != nil {
		return nil, fmt.Errorf("list all documents: %w", err)
	}
	return docs, nil
}

// ListInFlight returns documents still waiting on the external pipeline.
func (r *DocumentRepository) ListInFlight(ctx context.Context, limit int) ([]models.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM documents WHERE status IN ($1, $2) AND (track_id IS NOT NULL OR lightrag_document_id IS NOT NULL OR permanent_doc_id IS NOT NULL) ORDER BY created_at LIMIT %d`, documentColumns, limit)
	var docs []models.Document
	if err := r.db.SelectContext(ctx, &docs, query, models.DocumentStatusPending, models.DocumentStatusProcessing); err != nil {
		return nil, fmt.Errorf("list in-flight documents: %w", err)
	}
	return docs, nil
}

// Update applies the non-nil fields of params. It returns sql.ErrNoRows when the row is missing.
func (r *DocumentRepository) Update(ctx context.Context, id string, params models.UpdateDocumentParams) error {
	sets := make([]string, 0, 11)
	args := make([]interface{}, 0, 12)

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if params.Name != nil {
		add("name", *params.Name)
	}
	if params.Remarks != nil {
		add("remarks", *params.Remarks)
	}
	if params.Status != nil {
		add("status", *params.Status)
	}
	if params.TrackID != nil {
		add("track_id", *params.TrackID)
	}
	if params.LightragDocumentID != nil {
		add("lightrag_document_id", *params.LightragDocumentID)
	}
	if params.PermanentDocID != nil {
		add("permanent_doc_id", *params.PermanentDocID)
	}
	if params.ProcessingStartedAt != nil {
		add("processing_started_at", *params.ProcessingStartedAt)
	}
	if params.ProcessingCompletedAt != nil {
		add("processing_completed_at", *params.ProcessingCompletedAt)
	}
	if params.ProcessingStatus != nil {
		add("processing_status", *params.ProcessingStatus)
	}
	if params.ProcessedData != nil {
		add("processed_data", *params.ProcessedData)
	}
	if len(sets) == 0 {
		return nil
	}
	add("updated_at", time.Now().UTC())

	args = append(args, id)
	query := fmt.Sprintf("UPDATE documents SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkDeleted turns the row into a tombstone. Calling it again overwrites processed_data.
func (r *DocumentRepository) MarkDeleted(ctx context.Context, id string, data models.ProcessedData) error {
	const query = `UPDATE documents SET status = $2, processed_data = $3, updated_at = $4 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, models.DocumentStatusDeleted, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark document deleted: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark document deleted rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
