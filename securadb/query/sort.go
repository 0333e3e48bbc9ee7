package query

import (
	"sort"
	"strings"

	"github.com/Dev-Stive/securadb/types"
)

// OrderClause represents a single sort key.
type OrderClause struct {
	Field      string
	Descending bool
}

// ParseSort reads "-createdAt,name" style sort specs.
func ParseSort(spec string) []OrderClause {
	var clauses []OrderClause
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		clause := OrderClause{Field: part}
		switch part[0] {
		case '-':
			clause = OrderClause{Field: part[1:], Descending: true}
		case '+':
			clause.Field = part[1:]
		}
		if clause.Field != "" {
			clauses = append(clauses, clause)
		}
	}
	return clauses
}

// Sort orders documents in place. Missing values sort before present ones;
// ties keep their original order.
func Sort(docs []types.Document, orderBy []OrderClause) {
	if len(orderBy) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, clause := range orderBy {
			valI, _ := docs[i].Get(clause.Field)
			valJ, _ := docs[j].Get(clause.Field)

			var cmp int
			switch {
			case valI == nil && valJ == nil:
				cmp = 0
			case valI == nil:
				cmp = -1
			case valJ == nil:
				cmp = 1
			default:
				cmp, _ = compareValues(valI, valJ)
			}

			if cmp < 0 {
				return !clause.Descending
			} else if cmp > 0 {
				return clause.Descending
			}
			// If equal, continue to next order clause
		}
		return false
	})
}

// Pagination describes one page of a result set.
type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}

// Paginate slices docs to the requested 1-based page. A limit <= 0 returns
// everything as a single page.
func Paginate(docs []types.Document, page, limit int) ([]types.Document, Pagination) {
	total := len(docs)
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = total
		page = 1
	}

	totalPages := 0
	if limit > 0 {
		totalPages = (total + limit - 1) / limit
	}

	p := Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}

	start := (page - 1) * limit
	if start >= total {
		return []types.Document{}, p
	}
	end := start + limit
	if end > total {
		end = total
	}
	return docs[start:end], p
}
