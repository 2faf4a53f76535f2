package lightrag

import "strings"

// Outcome classifies a soft result so callers can switch on it exhaustively.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeBusy      Outcome = "busy"
	OutcomeForbidden Outcome = "forbidden"
	OutcomeFailed    Outcome = "failed"
)

// DocIDPrefix marks a permanent document id. Only such ids may be sent to delete.
const DocIDPrefix = "doc-"

// IsPermanentID reports whether id has the permanent document id shape.
func IsPermanentID(id string) bool {
	return strings.HasPrefix(id, DocIDPrefix)
}

// PipelineStatus is a snapshot of the remote indexing queue.
type PipelineStatus struct {
	Busy            bool     `json:"busy"`
	JobName         string   `json:"job_name"`
	JobStart        string   `json:"job_start,omitempty"`
	Docs            int      `json:"docs"`
	Batchs          int      `json:"batchs"`
	CurBatch        int      `json:"cur_batch"`
	RequestPending  bool     `json:"request_pending"`
	LatestMessage   string   `json:"latest_message"`
	HistoryMessages []string `json:"history_messages,omitempty"`
}

// Idle reports whether the pipeline is neither running nor holding a queued request.
func (p PipelineStatus) Idle() bool {
	return !p.Busy && !p.RequestPending
}

// UploadStatus is the wire status of an upload.
type UploadStatus string

const (
	UploadSuccess        UploadStatus = "success"
	UploadDuplicated     UploadStatus = "duplicated"
	UploadPartialSuccess UploadStatus = "partial_success"
	UploadFailure        UploadStatus = "failure"
)

// UploadResult is returned by Upload.
type UploadResult struct {
	Status  UploadStatus `json:"status"`
	Message string       `json:"message"`
	TrackID string       `json:"track_id,omitempty"`
}

// Outcome maps the wire status onto an Outcome. Duplicates count as failed uploads.
func (r UploadResult) Outcome() Outcome {
	switch r.Status {
	case UploadSuccess, UploadPartialSuccess:
		return OutcomeOK
	default:
		return OutcomeFailed
	}
}

// TrackDocument is one record returned by a track status lookup.
type TrackDocument struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	ContentSummary string `json:"content_summary,omitempty"`
	FilePath       string `json:"file_path,omitempty"`
	ChunksCount    *int   `json:"chunks_count,omitempty"`
	ErrorMsg       string `json:"error_msg,omitempty"`
}

type trackStatusResponse struct {
	TrackID       string          `json:"track_id"`
	Documents     []TrackDocument `json:"documents"`
	TotalCount    int             `json:"total_count"`
	StatusSummary map[string]int  `json:"status_summary"`
}

// TrackStatus is the interpreted result of a track status lookup.
type TrackStatus struct {
	Exists     bool            `json:"exists"`
	Processed  bool            `json:"processed"`
	Status     string          `json:"status"`
	Message    string          `json:"message"`
	DocumentID string          `json:"documentId,omitempty"`
	Documents  []TrackDocument `json:"documents,omitempty"`
}

// DeleteStatus is the wire status of a delete call.
type DeleteStatus string

const (
	DeleteStarted    DeleteStatus = "deletion_started"
	DeleteBusy       DeleteStatus = "busy"
	DeleteNotAllowed DeleteStatus = "not_allowed"
	DeleteSuccess    DeleteStatus = "success"
	DeleteFail       DeleteStatus = "fail"
)

// DeleteResult is returned by DeleteDocument and DeleteDocuments.
type DeleteResult struct {
	Status      DeleteStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	DocID       string       `json:"doc_id,omitempty"`
	DeletedDocs []string     `json:"deleted_docs,omitempty"`
	FailedDocs  []string     `json:"failed_docs,omitempty"`
}

// Outcome maps the wire status onto an Outcome.
func (r DeleteResult) Outcome() Outcome {
	switch r.Status {
	case DeleteStarted, DeleteSuccess:
		return OutcomeOK
	case DeleteBusy:
		return OutcomeBusy
	case DeleteNotAllowed:
		return OutcomeForbidden
	default:
		return OutcomeFailed
	}
}

// EntityExistsResult is returned by EntityExists.
type EntityExistsResult struct {
	Exists  bool   `json:"exists"`
	Entity  string `json:"entity"`
	Message string `json:"message,omitempty"`
}

// ClearResult is returned by ClearDocuments.
type ClearResult struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	ClearedCount int    `json:"cleared_count"`
}

// Outcome maps the wire status onto an Outcome.
func (r ClearResult) Outcome() Outcome {
	switch r.Status {
	case "success":
		return OutcomeOK
	case "busy":
		return OutcomeBusy
	default:
		return OutcomeFailed
	}
}
