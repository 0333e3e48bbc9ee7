// Package search ranks documents by how well their text fields match a
// query string.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Dev-Stive/securadb/securadb/query"
	"github.com/Dev-Stive/securadb/types"
)

const defaultMarker = "**"

// Engine searches the documents of a Provider.
type Engine struct {
	provider Provider
	excluded []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithExcludedFields keeps fields (and everything nested below them) out
// of every search, even when Options.Fields names them.
func WithExcludedFields(fields ...string) Option {
	return func(e *Engine) {
		e.excluded = append(e.excluded, fields...)
	}
}

// NewEngine creates a search engine over provider.
func NewEngine(provider Provider, opts ...Option) *Engine {
	e := &Engine{provider: provider}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Search returns the documents matching filter whose fields contain
// opts.Query, best score first. Ties keep id order.
func (e *Engine) Search(ctx context.Context, opts Options, filter query.Filter) ([]Result, error) {
	if opts.Query == "" {
		return []Result{}, nil
	}
	docs, err := e.provider.Documents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to get documents: %w", err)
	}
	if opts.HighlightStart == "" {
		opts.HighlightStart = defaultMarker
	}
	if opts.HighlightEnd == "" {
		opts.HighlightEnd = defaultMarker
	}

	var results []Result
	for _, doc := range docs {
		if result, ok := e.searchDocument(doc, opts); ok {
			results = append(results, result)
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Document.ID() < results[j].Document.ID()
	})
	if opts.MaxResults > 0 && len(results) > opts.MaxResults {
		results = results[:opts.MaxResults]
	}
	return results, nil
}

func (e *Engine) searchDocument(doc types.Document, opts Options) (Result, bool) {
	fields := opts.Fields
	if len(fields) == 0 {
		fields = textFields(doc, "")
	}

	result := Result{Document: doc}
	for _, field := range fields {
		if e.isExcluded(field) {
			continue
		}
		text, ok := fieldText(doc, field)
		if !ok {
			continue
		}
		fm, ok := matchField(field, text, opts)
		if !ok {
			continue
		}
		if fm.Score > result.Score {
			result.Score = fm.Score
			result.Type = fm.Type
		}
		result.MatchedFields = append(result.MatchedFields, field)
		if opts.Highlight {
			if result.Highlights == nil {
				result.Highlights = map[string]string{}
			}
			result.Highlights[field] = fm.Highlighted
		}
		if opts.IncludeMatchDetails {
			result.FieldMatches = append(result.FieldMatches, fm)
		}
	}
	return result, len(result.MatchedFields) > 0
}

func (e *Engine) isExcluded(field string) bool {
	for _, ex := range e.excluded {
		if field == ex || strings.HasPrefix(field, ex+".") {
			return true
		}
	}
	return false
}

// textFields lists the dotted paths of every string leaf, sorted. Managed
// fields and underscore-prefixed metadata are skipped.
func textFields(doc map[string]interface{}, prefix string) []string {
	var out []string
	for key, value := range doc {
		if prefix == "" && isManaged(key) {
			continue
		}
		if strings.HasPrefix(key, "_") {
			continue
		}
		path := prefix + key
		switch v := value.(type) {
		case string:
			out = append(out, path)
		case []interface{}:
			if len(stringItems(v)) > 0 {
				out = append(out, path)
			}
		case map[string]interface{}:
			out = append(out, textFields(v, path+".")...)
		case types.Document:
			out = append(out, textFields(v, path+".")...)
		}
	}
	sort.Strings(out)
	return out
}

func isManaged(key string) bool {
	switch key {
	case types.FieldID, types.FieldCreatedAt, types.FieldUpdatedAt, types.FieldDeletedAt, types.FieldIsActive:
		return true
	}
	return false
}

// fieldText renders the value at path as searchable text. Lists search
// their string items joined by ", "; objects are not searchable.
func fieldText(doc types.Document, path string) (string, bool) {
	value, ok := doc.Get(path)
	if !ok || value == nil {
		return "", false
	}
	switch v := value.(type) {
	case string:
		return v, true
	case []interface{}:
		items := stringItems(v)
		return strings.Join(items, ", "), len(items) > 0
	case map[string]interface{}, types.Document:
		return "", false
	default:
		return fmt.Sprint(v), true
	}
}

func stringItems(values []interface{}) []string {
	var out []string
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func matchField(field, text string, opts Options) (FieldMatch, bool) {
	fm := FieldMatch{Field: field, Text: text, Highlighted: text}
	hay, needle := text, opts.Query
	if !opts.CaseSensitive {
		hay, needle = fold(hay), fold(needle)
	}

	if opts.ExactMatch {
		if hay != needle {
			return fm, false
		}
		fm.Matches = []Match{{Start: 0, End: len(text), Text: text}}
		fm.Score, fm.Type = 1.0, MatchExact
	} else {
		fm.Matches = findAll(text, hay, needle)
		if len(fm.Matches) == 0 {
			return fm, false
		}
		fm.Score, fm.Type = score(text, hay, needle, opts.Query)
	}

	if opts.Highlight {
		fm.Highlighted = highlight(text, fm.Matches, opts.HighlightStart, opts.HighlightEnd)
	}
	return fm, true
}

// fold lowercases rune by rune. Every rune keeps its position, so offsets
// found in the folded text map back onto the original.
func fold(s string) string {
	return strings.Map(unicode.ToLower, s)
}

// findAll returns the non-overlapping occurrences of needle in hay as byte
// ranges of text. hay is text, possibly folded.
func findAll(text, hay, needle string) []Match {
	if needle == "" {
		return nil
	}
	hayRunes, needleRunes := []rune(hay), []rune(needle)
	offsets := runeOffsets(text)

	var matches []Match
	for i := 0; i+len(needleRunes) <= len(hayRunes); i++ {
		if !equalRunes(hayRunes[i:i+len(needleRunes)], needleRunes) {
			continue
		}
		start, end := offsets[i], offsets[i+len(needleRunes)]
		matches = append(matches, Match{Start: start, End: end, Text: text[start:end]})
		i += len(needleRunes) - 1
	}
	return matches
}

// runeOffsets maps rune index to byte offset, with one trailing entry for
// len(text).
func runeOffsets(text string) []int {
	offsets := make([]int, 0, utf8.RuneCountInString(text)+1)
	for i := range text {
		offsets = append(offsets, i)
	}
	return append(offsets, len(text))
}

func equalRunes(a, b []rune) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// score rates a partial match between 0.5 and 1.0. Prefix hits, hits with
// the query's exact casing and queries covering most of the field rank
// higher.
func score(text, hay, needle, query string) (float64, MatchType) {
	s, typ := 0.5, MatchPartial
	if strings.Contains(text, query) {
		s += 0.2
	}
	if strings.HasPrefix(hay, needle) {
		s += 0.2
		typ = MatchPrefix
	}
	if float64(utf8.RuneCountInString(needle)) > 0.5*float64(utf8.RuneCountInString(hay)) {
		s += 0.1
	}
	if s > 1.0 {
		s = 1.0
	}
	return s, typ
}

func highlight(text string, matches []Match, start, end string) string {
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m.Start])
		b.WriteString(start)
		b.WriteString(m.Text)
		b.WriteString(end)
		last = m.End
	}
	b.WriteString(text[last:])
	return b.String()
}
