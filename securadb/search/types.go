package search

import (
	"context"

	"github.com/Dev-Stive/securadb/securadb/query"
	"github.com/Dev-Stive/securadb/types"
)

// Options configures a search.
type Options struct {
	// Query is the text to look for.
	Query string

	// Fields lists dotted paths to search. Empty searches every string
	// field of the document, nested ones included.
	Fields []string

	CaseSensitive bool

	// ExactMatch requires the whole field to equal the query.
	ExactMatch bool

	// Highlight fills Result.Highlights, wrapping each hit in
	// HighlightStart and HighlightEnd ("**" by default).
	Highlight      bool
	HighlightStart string
	HighlightEnd   string

	// MaxResults caps the result count; 0 means no limit.
	MaxResults int

	// IncludeMatchDetails fills Result.FieldMatches.
	IncludeMatchDetails bool
}

// MatchType describes how a field matched.
type MatchType string

const (
	MatchExact   MatchType = "exact"
	MatchPrefix  MatchType = "prefix"
	MatchPartial MatchType = "partial"
)

// Match is one occurrence of the query. Start and End are byte offsets
// into the field text.
type Match struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

// FieldMatch holds every occurrence inside one field.
type FieldMatch struct {
	Field       string    `json:"field"`
	Text        string    `json:"text"`
	Matches     []Match   `json:"matches"`
	Highlighted string    `json:"highlighted,omitempty"`
	Score       float64   `json:"score"`
	Type        MatchType `json:"type"`
}

// Result is one matching document.
type Result struct {
	Document      types.Document    `json:"document"`
	Score         float64           `json:"score"`
	Type          MatchType         `json:"type"`
	MatchedFields []string          `json:"matchedFields"`
	Highlights    map[string]string `json:"highlights,omitempty"`
	FieldMatches  []FieldMatch      `json:"fieldMatches,omitempty"`
}

// Provider returns the candidate documents for a search.
type Provider interface {
	Documents(ctx context.Context, filter query.Filter) ([]types.Document, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, filter query.Filter) ([]types.Document, error)

// Documents calls f.
func (f ProviderFunc) Documents(ctx context.Context, filter query.Filter) ([]types.Document, error) {
	return f(ctx, filter)
}
