package service

import (
	"github.com/noah-isme/quizlearn-api/internal/models"
	"github.com/noah-isme/quizlearn-api/pkg/lightrag"
)

// ResolveDeletableID picks the one identifier that may be sent to the LightRAG delete endpoint.
// Candidates are checked as permanent id, then LightRAG id, then track id; only doc- ids qualify.
func ResolveDeletableID(doc *models.Document) (string, bool) {
	if doc == nil {
		return "", false
	}
	for _, candidate := range []*string{doc.PermanentDocID, doc.LightragDocumentID, doc.TrackID} {
		if candidate != nil && lightrag.IsPermanentID(*candidate) {
			return *candidate, true
		}
	}
	return "", false
}

// trackLookupID returns the first track-shaped identifier usable for a track status lookup.
func trackLookupID(doc *models.Document) string {
	for _, candidate := range []*string{doc.TrackID, doc.LightragDocumentID} {
		if candidate != nil && *candidate != "" && !lightrag.IsPermanentID(*candidate) {
			return *candidate
		}
	}
	return ""
}
