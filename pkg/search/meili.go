package search

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"github.com/noah-isme/quizlearn-api/pkg/config"
)

// Record is the searchable projection of a document.
type Record struct {
	ID               string `json:"id"`
	EducatorID       string `json:"educator_id"`
	Name             string `json:"name"`
	Remarks          string `json:"remarks,omitempty"`
	OriginalFilename string `json:"original_filename"`
	Status           string `json:"status"`
	CreatedAt        int64  `json:"created_at"`
}

// ErrDisabled is returned by Search when no index is configured.
var ErrDisabled = errors.New("search index disabled")

// Index wraps a meilisearch index holding document records.
type Index struct {
	client *meilisearch.Client
	uid    string
}

// NewIndex connects to meilisearch and configures the index on a best effort basis.
func NewIndex(cfg config.SearchConfig, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	uid := cfg.Index
	if uid == "" {
		uid = "documents"
	}

	client := meilisearch.NewClient(meilisearch.ClientConfig{
		Host:   cfg.URL,
		APIKey: cfg.APIKey,
	})

	if _, err := client.GetIndex(uid); err != nil {
		if _, err := client.CreateIndex(&meilisearch.IndexConfig{Uid: uid, PrimaryKey: "id"}); err != nil {
			logger.Warn("create search index failed", zap.String("index", uid), zap.Error(err))
		}
		if _, err := client.Index(uid).UpdateFilterableAttributes(&[]string{"educator_id", "status"}); err != nil {
			logger.Warn("update filterable attributes failed", zap.String("index", uid), zap.Error(err))
		}
		if _, err := client.Index(uid).UpdateSortableAttributes(&[]string{"created_at"}); err != nil {
			logger.Warn("update sortable attributes failed", zap.String("index", uid), zap.Error(err))
		}
	}

	return &Index{client: client, uid: uid}
}

// Upsert adds or replaces a record.
func (i *Index) Upsert(rec Record) error {
	if i == nil {
		return nil
	}
	if _, err := i.client.Index(i.uid).AddDocuments([]Record{rec}); err != nil {
		return fmt.Errorf("index document %s: %w", rec.ID, err)
	}
	return nil
}

// Remove deletes a record by id.
func (i *Index) Remove(id string) error {
	if i == nil {
		return nil
	}
	if _, err := i.client.Index(i.uid).DeleteDocument(id); err != nil {
		return fmt.Errorf("remove document %s from index: %w", id, err)
	}
	return nil
}

// Search returns matching document ids, optionally scoped to one educator.
func (i *Index) Search(query, educatorID string, limit int64) ([]string, error) {
	if i == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 20
	}
	filters := []string{`status != "deleted"`}
	if educatorID != "" {
		filters = append(filters, "educator_id = "+strconv.Quote(educatorID))
	}

	resp, err := i.client.Index(i.uid).Search(query, &meilisearch.SearchRequest{
		Limit:  limit,
		Filter: strings.Join(filters, " AND "),
	})
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	return hitIDs(resp.Hits), nil
}

func hitIDs(hits []interface{}) []string {
	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		fields, ok := hit.(map[string]interface{})
		if !ok {
			continue
		}
		if id, ok := fields["id"].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
