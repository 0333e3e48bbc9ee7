// Package query provides a typed filter AST evaluated against documents,
// a parser for the Mongo-style operator DSL, sorting and pagination.
package query

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"

	"github.com/Dev-Stive/securadb/types"
)

// Op is a comparison operator.
type Op string

const (
	OpEq    Op = "$eq"
	OpNe    Op = "$ne"
	OpIn    Op = "$in"
	OpNin   Op = "$nin"
	OpGt    Op = "$gt"
	OpGte   Op = "$gte"
	OpLt    Op = "$lt"
	OpLte   Op = "$lte"
	OpRegex Op = "$regex"
	OpLike  Op = "$like"
)

// Filter is a node of the filter AST.
type Filter interface {
	Match(doc types.Document) bool
	String() string
}

// Condition compares one field against an operand.
type Condition struct {
	Field string
	Op    Op
	Value interface{}

	values  []interface{}
	pattern *regexp.Regexp
}

// Match implements Filter.
func (c *Condition) Match(doc types.Document) bool {
	docValue, exists := doc.Get(c.Field)

	switch c.Op {
	case OpEq:
		return exists && matchesEqual(docValue, c.Value) || !exists && c.Value == nil
	case OpNe:
		return !(exists && matchesEqual(docValue, c.Value) || !exists && c.Value == nil)
	case OpIn:
		for _, v := range c.values {
			if exists && matchesEqual(docValue, v) || !exists && v == nil {
				return true
			}
		}
		return false
	case OpNin:
		for _, v := range c.values {
			if exists && matchesEqual(docValue, v) || !exists && v == nil {
				return false
			}
		}
		return true
	case OpGt, OpGte, OpLt, OpLte:
		if !exists {
			return false
		}
		cmp, ok := compareValues(docValue, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case OpRegex:
		return exists && docValue != nil && c.pattern.MatchString(ValueString(docValue))
	case OpLike:
		return exists && docValue != nil && c.pattern.MatchString(fold(ValueString(docValue)))
	}
	return false
}

func (c *Condition) String() string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value)
}

// matchesEqual treats an array field as matching when any element matches.
func matchesEqual(docValue, want interface{}) bool {
	if equalValues(docValue, want) {
		return true
	}
	if _, wantIsSlice := AsSlice(want); wantIsSlice {
		return false
	}
	if items, ok := AsSlice(docValue); ok {
		for _, item := range items {
			if equalValues(item, want) {
				return true
			}
		}
	}
	return false
}

type andFilter []Filter

func (f andFilter) Match(doc types.Document) bool {
	for _, sub := range f {
		if !sub.Match(doc) {
			return false
		}
	}
	return true
}

func (f andFilter) String() string { return joinFilters(f, " AND ") }

type orFilter []Filter

func (f orFilter) Match(doc types.Document) bool {
	for _, sub := range f {
		if sub.Match(doc) {
			return true
		}
	}
	return len(f) == 0
}

func (f orFilter) String() string { return joinFilters(f, " OR ") }

type notFilter struct{ inner Filter }

func (f notFilter) Match(doc types.Document) bool { return !f.inner.Match(doc) }
func (f notFilter) String() string                { return "NOT (" + f.inner.String() + ")" }

func joinFilters(filters []Filter, sep string) string {
	if len(filters) == 0 {
		return "TRUE"
	}
	parts := make([]string, len(filters))
	for i, f := range filters {
		parts[i] = f.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// All matches every document.
func All() Filter { return andFilter(nil) }

// And matches when every sub-filter matches.
func And(filters ...Filter) Filter { return andFilter(filters) }

// Or matches when any sub-filter matches.
func Or(filters ...Filter) Filter { return orFilter(filters) }

// Not negates a filter.
func Not(f Filter) Filter { return notFilter{inner: f} }

// Eq matches documents whose field equals value. A nil value also matches
// documents that lack the field.
func Eq(field string, value interface{}) Filter { return &Condition{Field: field, Op: OpEq, Value: value} }

// Ne is the negation of Eq.
func Ne(field string, value interface{}) Filter { return &Condition{Field: field, Op: OpNe, Value: value} }

// In matches when the field equals any of values.
func In(field string, values ...interface{}) Filter {
	return &Condition{Field: field, Op: OpIn, Value: values, values: values}
}

// Nin matches when the field equals none of values.
func Nin(field string, values ...interface{}) Filter {
	return &Condition{Field: field, Op: OpNin, Value: values, values: values}
}

// Gt matches field > value.
func Gt(field string, value interface{}) Filter { return &Condition{Field: field, Op: OpGt, Value: value} }

// Gte matches field >= value.
func Gte(field string, value interface{}) Filter { return &Condition{Field: field, Op: OpGte, Value: value} }

// Lt matches field < value.
func Lt(field string, value interface{}) Filter { return &Condition{Field: field, Op: OpLt, Value: value} }

// Lte matches field <= value.
func Lte(field string, value interface{}) Filter { return &Condition{Field: field, Op: OpLte, Value: value} }

// Regex matches the string form of the field against re.
func Regex(field string, re *regexp.Regexp) Filter {
	return &Condition{Field: field, Op: OpRegex, Value: re.String(), pattern: re}
}

// Like matches an SQL LIKE pattern ('%' any run, '_' one character),
// case-insensitively.
func Like(field, pattern string) Filter {
	return &Condition{Field: field, Op: OpLike, Value: pattern, pattern: likeToRegexp(pattern)}
}

var folder = cases.Fold()

func fold(s string) string { return folder.String(s) }

func likeToRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range fold(pattern) {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile("(?s)" + b.String())
}

// IndexCandidate returns an equality condition usable for an index lookup:
// a top-level Eq/In, or one directly under an And.
func IndexCandidate(f Filter) (field string, values []interface{}, ok bool) {
	switch node := f.(type) {
	case *Condition:
		switch node.Op {
		case OpEq:
			if node.Value == nil {
				return "", nil, false
			}
			if _, isSlice := AsSlice(node.Value); isSlice {
				return "", nil, false
			}
			return node.Field, []interface{}{node.Value}, true
		case OpIn:
			for _, v := range node.values {
				if v == nil {
					return "", nil, false
				}
				if _, isSlice := AsSlice(v); isSlice {
					return "", nil, false
				}
			}
			return node.Field, node.values, true
		}
	case andFilter:
		for _, sub := range node {
			if field, values, ok := IndexCandidate(sub); ok {
				return field, values, true
			}
		}
	}
	return "", nil, false
}

// Apply returns the documents matching f, preserving order.
func Apply(docs []types.Document, f Filter) []types.Document {
	if f == nil {
		f = All()
	}
	out := make([]types.Document, 0, len(docs))
	for _, doc := range docs {
		if f.Match(doc) {
			out = append(out, doc)
		}
	}
	return out
}
