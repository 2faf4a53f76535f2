package lightrag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/quizlearn-api/pkg/config"
)

const apiKeyHeader = "X-API-Key"

// Observer receives one callback per remote call.
type Observer func(operation string, outcome Outcome, duration time.Duration)

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver registers a call observer.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observe = o
	}
}

// Client talks to the LightRAG document API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
	observe Observer
}

// NewClient validates configuration and returns a client.
func NewClient(cfg config.LightRAGConfig, opts ...Option) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	apiKey := strings.TrimSpace(cfg.APIKey)
	if baseURL == "" || apiKey == "" {
		return nil, ErrNotConfigured
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("%w: invalid base URL: %v", ErrNotConfigured, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PipelineStatus fetches the current pipeline snapshot.
func (c *Client) PipelineStatus(ctx context.Context) (*PipelineStatus, error) {
	var status PipelineStatus
	start := time.Now()
	err := c.do(ctx, "pipeline_status", http.MethodGet, "/documents/pipeline_status", nil, "", &status)
	outcome := OutcomeOK
	if err == nil && status.Busy {
		outcome = OutcomeBusy
	}
	c.record("pipeline_status", outcome, err, start)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// Upload validates the file, refuses while the pipeline is busy and sends it as multipart field "file".
func (c *Client) Upload(ctx context.Context, filename string, content io.Reader, size int64) (*UploadResult, error) {
	if err := ValidateFile(filename, size); err != nil {
		return nil, err
	}

	status, err := c.PipelineStatus(ctx)
	if err != nil {
		return nil, err
	}
	if status.Busy {
		return nil, ErrPipelineBusy
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return nil, fmt.Errorf("lightrag upload: build form: %w", err)
	}
	if _, err := io.Copy(part, io.LimitReader(content, MaxFileSize+1)); err != nil {
		return nil, fmt.Errorf("lightrag upload: read file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("lightrag upload: close form: %w", err)
	}

	var result UploadResult
	start := time.Now()
	err = c.do(ctx, "upload", http.MethodPost, "/documents/upload", &body, writer.FormDataContentType(), &result)
	c.record("upload", result.Outcome(), err, start)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CheckTrackStatus resolves a track id. Processed is deliberately lenient: any returned record,
// a nonzero processed count in the summary, or a ready-like record status all count.
func (c *Client) CheckTrackStatus(ctx context.Context, trackID string) (*TrackStatus, error) {
	trackID = strings.TrimSpace(trackID)
	if trackID == "" {
		return nil, &ValidationError{Field: "trackId", Message: "track id is required"}
	}

	var raw trackStatusResponse
	start := time.Now()
	err := c.do(ctx, "track_status", http.MethodGet, "/documents/track_status/"+url.PathEscape(trackID), nil, "", &raw)
	c.record("track_status", OutcomeOK, err, start)
	if err != nil {
		return nil, err
	}
	return interpretTrackStatus(raw), nil
}

func interpretTrackStatus(raw trackStatusResponse) *TrackStatus {
	result := &TrackStatus{
		Exists:    len(raw.Documents) > 0 || raw.TotalCount > 0,
		Status:    "not_found",
		Documents: raw.Documents,
	}

	processed := len(raw.Documents) > 0
	for key, count := range raw.StatusSummary {
		if strings.EqualFold(key, "processed") && count > 0 {
			processed = true
		}
	}
	for _, doc := range raw.Documents {
		if isReadyStatus(doc.Status) {
			processed = true
		}
		if result.DocumentID == "" && IsPermanentID(doc.ID) {
			result.DocumentID = doc.ID
		}
	}
	if len(raw.Documents) > 0 {
		result.Status = raw.Documents[0].Status
	}
	result.Processed = processed

	switch {
	case processed && result.DocumentID != "":
		result.Message = fmt.Sprintf("document %s processed", result.DocumentID)
	case processed:
		result.Message = "document processed"
	case result.Exists:
		result.Message = "document still processing"
	default:
		result.Message = "no documents found for track id"
	}
	return result
}

func isReadyStatus(status string) bool {
	switch status {
	case "PROCESSED", "processed", "ready":
		return true
	}
	return false
}

// DeleteDocument deletes a single permanent document id.
func (c *Client) DeleteDocument(ctx context.Context, docID string, deleteFile bool) (*DeleteResult, error) {
	return c.DeleteDocuments(ctx, []string{docID}, deleteFile)
}

// DeleteDocuments deletes permanent document ids. Ids without the doc- prefix are rejected before any call.
func (c *Client) DeleteDocuments(ctx context.Context, docIDs []string, deleteFile bool) (*DeleteResult, error) {
	if len(docIDs) == 0 {
		return nil, &ValidationError{Field: "doc_ids", Message: "at least one document id is required"}
	}
	for _, id := range docIDs {
		if !IsPermanentID(id) {
			return nil, &ValidationError{Field: "doc_ids", Message: fmt.Sprintf("refusing to delete non-permanent id %q", id)}
		}
	}

	payload, err := json.Marshal(map[string]interface{}{
		"doc_ids":     docIDs,
		"delete_file": deleteFile,
	})
	if err != nil {
		return nil, fmt.Errorf("lightrag delete: encode body: %w", err)
	}

	var result DeleteResult
	start := time.Now()
	err = c.do(ctx, "delete_document", http.MethodDelete, "/documents/delete_document", bytes.NewReader(payload), "application/json", &result)
	c.record("delete_document", result.Outcome(), err, start)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// EntityExists asks the knowledge graph whether an entity is present.
func (c *Client) EntityExists(ctx context.Context, entity string) (*EntityExistsResult, error) {
	entity = strings.TrimSpace(entity)
	if entity == "" {
		return nil, &ValidationError{Field: "entity", Message: "entity is required"}
	}
	payload, err := json.Marshal(map[string]string{"entity": entity})
	if err != nil {
		return nil, fmt.Errorf("lightrag entity exists: encode body: %w", err)
	}

	var result EntityExistsResult
	start := time.Now()
	err = c.do(ctx, "entity_exists", http.MethodPost, "/graph/entity/exists", bytes.NewReader(payload), "application/json", &result)
	c.record("entity_exists", OutcomeOK, err, start)
	if err != nil {
		return nil, err
	}
	if result.Entity == "" {
		result.Entity = entity
	}
	return &result, nil
}

// ClearDocuments removes every document from the remote index.
func (c *Client) ClearDocuments(ctx context.Context) (*ClearResult, error) {
	var result ClearResult
	start := time.Now()
	err := c.do(ctx, "clear_documents", http.MethodDelete, "/documents", nil, "", &result)
	c.record("clear_documents", result.Outcome(), err, start)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("lightrag %s: build request: %w", op, err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}
		return &TransportError{Operation: op, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &TransportError{Operation: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ServiceError{Operation: op, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ServiceError{Operation: op, StatusCode: resp.StatusCode, Body: "malformed response: " + string(raw)}
	}
	return nil
}

func (c *Client) record(op string, outcome Outcome, err error, start time.Time) {
	duration := time.Since(start)
	if err != nil {
		outcome = OutcomeFailed
		c.logger.Warn("lightrag call failed", zap.String("operation", op), zap.Duration("duration", duration), zap.Error(err))
	} else {
		c.logger.Debug("lightrag call", zap.String("operation", op), zap.String("outcome", string(outcome)), zap.Duration("duration", duration))
	}
	if c.observe != nil {
		c.observe(op, outcome, duration)
	}
}
