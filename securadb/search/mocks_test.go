package search

import (
	"context"

	"github.com/Dev-Stive/securadb/securadb/query"
	"github.com/Dev-Stive/securadb/types"
)

// mockProvider returns fixed documents, applying the filter like a
// repository would.
type mockProvider struct {
	documents []types.Document
	err       error
}

func newMockProvider(documents []types.Document) *mockProvider {
	return &mockProvider{documents: documents}
}

func (m *mockProvider) Documents(ctx context.Context, filter query.Filter) ([]types.Document, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []types.Document
	for _, doc := range m.documents {
		if filter == nil || filter.Match(doc) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func sampleDocuments() []types.Document {
	return []types.Document{
		{
			"id":       "1",
			"title":    "Important Meeting",
			"body":     "Discuss quarterly budget and planning",
			"status":   "pending",
			"password": "meeting-secret",
		},
		{
			"id":     "2",
			"title":  "Budget Review",
			"body":   "Review the meeting notes from last quarter",
			"status": "active",
			"owner":  map[string]interface{}{"name": "Alice", "team": "finance"},
		},
		{
			"id":     "3",
			"title":  "Team Standup",
			"body":   "Daily meeting with the team",
			"status": "active",
			"tags":   []interface{}{"daily", "ritual"},
		},
		{
			"id":     "4",
			"title":  "Café Éclair",
			"body":   "ÉCLAIR tasting",
			"status": "done",
			"rank":   7,
		},
	}
}
