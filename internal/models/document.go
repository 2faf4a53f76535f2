package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// DocumentStatus captures the ingestion lifecycle of an uploaded document.
type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusProcessed  DocumentStatus = "processed"
	DocumentStatusFailed     DocumentStatus = "failed"
	DocumentStatusDeleted    DocumentStatus = "deleted"
)

// Valid reports whether s is a known status.
func (s DocumentStatus) Valid() bool {
	switch s {
	case DocumentStatusPending, DocumentStatusProcessing, DocumentStatusProcessed, DocumentStatusFailed, DocumentStatusDeleted:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed.
// Deleted is terminal. Failed may be re-checked into processing or processed.
func (s DocumentStatus) CanTransition(next DocumentStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case DocumentStatusDeleted:
		return false
	case DocumentStatusPending:
		return next != DocumentStatusPending
	case DocumentStatusProcessing:
		return next == DocumentStatusProcessed || next == DocumentStatusFailed || next == DocumentStatusDeleted
	case DocumentStatusProcessed:
		return next == DocumentStatusDeleted
	case DocumentStatusFailed:
		return next == DocumentStatusProcessing || next == DocumentStatusProcessed || next == DocumentStatusDeleted
	}
	return false
}

// Document is one uploaded file owned by an educator. Rows are never removed; deletion leaves a tombstone.
type Document struct {
	ID                    string           `db:"id" json:"id"`
	EducatorID            string           `db:"educator_id" json:"educator_id"`
	Name                  string           `db:"name" json:"name"`
	Remarks               *string          `db:"remarks" json:"remarks,omitempty"`
	OriginalFilename      string           `db:"original_filename" json:"original_filename"`
	StoragePath           string           `db:"storage_path" json:"-"`
	MimeType              string           `db:"mime_type" json:"mime_type"`
	SizeBytes             int64            `db:"size_bytes" json:"size_bytes"`
	PageCount             *int             `db:"page_count" json:"page_count,omitempty"`
	Status                DocumentStatus   `db:"status" json:"status"`
	TrackID               *string          `db:"track_id" json:"track_id,omitempty"`
	LightragDocumentID    *string          `db:"lightrag_document_id" json:"lightrag_document_id,omitempty"`
	PermanentDocID        *string          `db:"permanent_doc_id" json:"permanent_doc_id,omitempty"`
	ProcessingStartedAt   *time.Time       `db:"processing_started_at" json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time       `db:"processing_completed_at" json:"processing_completed_at,omitempty"`
	ProcessingStatus      ProcessingStatus `db:"processing_status" json:"processing_status"`
	ProcessedData         ProcessedData    `db:"processed_data" json:"processed_data"`
	CreatedAt             time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time        `db:"updated_at" json:"updated_at"`
}

// IsTombstone reports whether the document has been deleted.
func (d *Document) IsTombstone() bool {
	return d != nil && d.Status == DocumentStatusDeleted
}

// ProcessingStatus mirrors the external pipeline state as last observed for this document.
type ProcessingStatus struct {
	Busy            bool       `json:"busy"`
	JobName         string     `json:"jobName,omitempty"`
	Docs            int        `json:"docs,omitempty"`
	Batchs          int        `json:"batchs,omitempty"`
	CurBatch        int        `json:"curBatch,omitempty"`
	LatestMessage   string     `json:"latestMessage,omitempty"`
	RequestPending  bool       `json:"requestPending,omitempty"`
	ProcessedChunks *int       `json:"processedChunks,omitempty"`
	TotalChunks     *int       `json:"totalChunks,omitempty"`
	Message         string     `json:"message,omitempty"`
	Error           string     `json:"error,omitempty"`
	LastCheckedAt   *time.Time `json:"lastCheckedAt,omitempty"`
}

// Value marshals the blob to JSON for persistence.
func (p ProcessingStatus) Value() (driver.Value, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal processing status: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the blob.
func (p *ProcessingStatus) Scan(value interface{}) error {
	*p = ProcessingStatus{}
	data, err := jsonBytes(value, "ProcessingStatus")
	if err != nil || len(data) == 0 {
		return err
	}
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("unmarshal processing status: %w", err)
	}
	return nil
}

// ProcessedData holds derived data attached to a document, including the deletion record.
type ProcessedData struct {
	DeletionInfo *DeletionInfo `json:"deletionInfo,omitempty"`
}

// DeletionInfo records how a document was tombstoned. Rewritten wholesale on every finalize.
type DeletionInfo struct {
	DeletedAt           time.Time `json:"deletedAt"`
	DeletedBy           string    `json:"deletedBy"`
	LightRAGDeleted     bool      `json:"lightragDeleted"`
	LightRAGVerified    bool      `json:"lightragVerified"`
	LightRAGDocumentID  string    `json:"lightragDocumentId,omitempty"`
	HasQuizDependencies bool      `json:"hasQuizDependencies"`
	AffectedQuizzes     []QuizRef `json:"affectedQuizzes,omitempty"`
	Forced              bool      `json:"forced,omitempty"`
	Warnings            []string  `json:"warnings,omitempty"`
}

// Value marshals the blob to JSON for persistence.
func (p ProcessedData) Value() (driver.Value, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal processed data: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the blob.
func (p *ProcessedData) Scan(value interface{}) error {
	*p = ProcessedData{}
	data, err := jsonBytes(value, "ProcessedData")
	if err != nil || len(data) == 0 {
		return err
	}
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("unmarshal processed data: %w", err)
	}
	return nil
}

func jsonBytes(value interface{}, target string) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported type %T for %s", value, target)
	}
}

// DocumentFilter captures list criteria.
type DocumentFilter struct {
	EducatorID     string
	Status         *DocumentStatus
	Search         string
	IncludeDeleted bool
	Page           int
	PageSize       int
}

// UpdateDocumentParams holds optional column updates. Nil fields are left untouched.
type UpdateDocumentParams struct {
	Name                  *string
	Remarks               *string
	Status                *DocumentStatus
	TrackID               *string
	LightragDocumentID    *string
	PermanentDocID        *string
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	ProcessingStatus      *ProcessingStatus
	ProcessedData         *ProcessedData
}

// DocumentProgress is the derived progress view of a document.
type DocumentProgress struct {
	DocumentID            string           `json:"document_id"`
	Status                DocumentStatus   `json:"status"`
	Progress              *int             `json:"progress"`
	ProcessingStatus      ProcessingStatus `json:"processing_status"`
	ProcessingStartedAt   *time.Time       `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time       `json:"processing_completed_at,omitempty"`
}
