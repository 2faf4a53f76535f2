package dto

import "github.com/noah-isme/quizlearn-api/internal/models"

// CreateDocumentRequest contains metadata submitted alongside a file upload.
type CreateDocumentRequest struct {
	Name    string  `form:"name" json:"name" validate:"omitempty,max=255"`
	Remarks *string `form:"remarks" json:"remarks" validate:"omitempty,max=2000"`
}

// UpdateDocumentRequest describes the metadata PATCH payload.
type UpdateDocumentRequest struct {
	Name    *string `json:"name" validate:"omitempty,min=1,max=255"`
	Remarks *string `json:"remarks" validate:"omitempty,max=2000"`
}

// DocumentListQuery captures list query parameters.
type DocumentListQuery struct {
	Status         string `form:"status" validate:"omitempty,oneof=pending processing processed failed deleted"`
	Search         string `form:"search"`
	IncludeDeleted bool   `form:"include_deleted"`
	Page           int    `form:"page" validate:"omitempty,min=1"`
	PageSize       int    `form:"page_size" validate:"omitempty,min=1,max=100"`
}

// BatchDeleteRequest lists documents to delete in one call.
type BatchDeleteRequest struct {
	IDs   []string `json:"ids" validate:"required,min=1,max=100,dive,required"`
	Force bool     `json:"force"`
}

// RefreshStatusRequest lists documents whose status should be re-checked.
type RefreshStatusRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,max=50,dive,required"`
}

// EntityExistsRequest checks whether an entity exists in the knowledge graph.
type EntityExistsRequest struct {
	Entity string `json:"entity" validate:"required,max=512"`
}

// DocumentDownloadResponse enriches metadata with a signed download URL.
type DocumentDownloadResponse struct {
	models.Document
	DownloadURL string `json:"download_url"`
}

// StatusRefreshResult reports one document of a batch refresh.
type StatusRefreshResult struct {
	DocumentID string                   `json:"document_id"`
	Processed  bool                     `json:"processed"`
	Progress   *models.DocumentProgress `json:"progress,omitempty"`
	Error      string                   `json:"error,omitempty"`
}
