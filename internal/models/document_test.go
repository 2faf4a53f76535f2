package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to DocumentStatus
		allowed  bool
	}{
		{DocumentStatusPending, DocumentStatusProcessing, true},
		{DocumentStatusPending, DocumentStatusFailed, true},
		{DocumentStatusProcessing, DocumentStatusProcessed, true},
		{DocumentStatusProcessing, DocumentStatusPending, false},
		{DocumentStatusProcessed, DocumentStatusProcessing, false},
		{DocumentStatusProcessed, DocumentStatusDeleted, true},
		{DocumentStatusFailed, DocumentStatusProcessed, true},
		{DocumentStatusFailed, DocumentStatusPending, false},
		{DocumentStatusDeleted, DocumentStatusProcessed, false},
		{DocumentStatusDeleted, DocumentStatusDeleted, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.allowed, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestDocumentStatusValid(t *testing.T) {
	assert.True(t, DocumentStatusProcessing.Valid())
	assert.False(t, DocumentStatus("archived").Valid())
}

func TestProcessedDataScanRoundTrip(t *testing.T) {
	info := ProcessedData{DeletionInfo: &DeletionInfo{
		DeletedAt:           time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		DeletedBy:           "edu-1",
		LightRAGDeleted:     true,
		HasQuizDependencies: true,
		AffectedQuizzes:     []QuizRef{{ID: "q1", Title: "Cells"}},
	}}
	raw, err := info.Value()
	require.NoError(t, err)

	var scanned ProcessedData
	require.NoError(t, scanned.Scan(raw))
	require.NotNil(t, scanned.DeletionInfo)
	assert.Equal(t, "edu-1", scanned.DeletionInfo.DeletedBy)
	assert.Equal(t, []QuizRef{{ID: "q1", Title: "Cells"}}, scanned.DeletionInfo.AffectedQuizzes)

	var empty ProcessingStatus
	require.NoError(t, empty.Scan(nil))
	assert.Error(t, empty.Scan(42))
}
