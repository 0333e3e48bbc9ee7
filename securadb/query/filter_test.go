package query

import (
	"regexp"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Dev-Stive/securadb/types"
)

func sampleDoc() types.Document {
	return types.Document{
		"id":        "g1",
		"name":      "John Doe",
		"status":    "active",
		"age":       float64(20),
		"tags":      []interface{}{"vip", "speaker"},
		"createdAt": "2024-01-01T10:00:00Z",
		"address":   map[string]interface{}{"city": "Douala"},
	}
}

func TestConditionMatch(t *testing.T) {
	doc := sampleDoc()

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"eq string", Eq("status", "active"), true},
		{"eq mismatch", Eq("status", "inactive"), false},
		{"eq int against float field", Eq("age", 20), true},
		{"eq nil matches missing", Eq("deletedAt", nil), true},
		{"eq array element", Eq("tags", "vip"), true},
		{"eq dotted path", Eq("address.city", "Douala"), true},
		{"ne present", Ne("status", "inactive"), true},
		{"ne missing field", Ne("missing", "x"), true},
		{"ne nil on missing", Ne("missing", nil), false},
		{"in", In("status", "pending", "active"), true},
		{"in miss", In("status", "pending", "closed"), false},
		{"nin", Nin("status", "pending", "closed"), true},
		{"nin hit", Nin("status", "active"), false},
		{"nin missing field", Nin("missing", "a"), true},
		{"gt", Gt("age", 18), true},
		{"gte equal", Gte("age", 20), true},
		{"lt", Lt("age", 18), false},
		{"lte", Lte("age", 20.0), true},
		{"gt missing field", Gt("missing", 1), false},
		{"lt datetime", Lt("createdAt", "2024-06-01"), true},
		{"gt datetime value", Gt("createdAt", time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)), true},
		{"regex", Regex("name", regexp.MustCompile(`^John\s`)), true},
		{"regex miss", Regex("name", regexp.MustCompile(`^Jane`)), false},
		{"like prefix case-insensitive", Like("name", "jo%"), true},
		{"like single char", Like("name", "_ohn doe"), true},
		{"like escapes regexp metacharacters", Like("name", "John.Doe"), false},
		{"and", And(Eq("status", "active"), Gt("age", 18)), true},
		{"and short-circuit miss", And(Eq("status", "active"), Gt("age", 30)), false},
		{"or", Or(Eq("status", "closed"), Eq("name", "John Doe")), true},
		{"not", Not(Eq("status", "active")), false},
		{"all", All(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(doc); got != tt.want {
				t.Errorf("%s: Match() = %v, want %v", tt.filter, got, tt.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	doc := sampleDoc()

	tests := []struct {
		name     string
		criteria map[string]interface{}
		want     bool
		wantErr  bool
	}{
		{"empty matches all", nil, true, false},
		{"plain equality", map[string]interface{}{"status": "active"}, true, false},
		{"operator map", map[string]interface{}{"age": map[string]interface{}{"$gte": 18, "$lt": 21}}, true, false},
		{"operator map miss", map[string]interface{}{"age": map[string]interface{}{"$gt": 20}}, false, false},
		{"nested object equality", map[string]interface{}{"address": map[string]interface{}{"city": "Douala"}}, true, false},
		{"in list", map[string]interface{}{"status": map[string]interface{}{"$in": []interface{}{"a", "active"}}}, true, false},
		{"regex", map[string]interface{}{"name": map[string]interface{}{"$regex": "Doe$"}}, true, false},
		{"like", map[string]interface{}{"name": map[string]interface{}{"$like": "%DOE"}}, true, false},
		{"or", map[string]interface{}{"$or": []interface{}{
			map[string]interface{}{"status": "closed"},
			map[string]interface{}{"age": 20},
		}}, true, false},
		{"not", map[string]interface{}{"$not": map[string]interface{}{"status": "active"}}, false, false},
		{"unknown operator", map[string]interface{}{"age": map[string]interface{}{"$between": 1}}, false, true},
		{"unknown top-level operator", map[string]interface{}{"$nor": []interface{}{}}, false, true},
		{"bad regex", map[string]interface{}{"name": map[string]interface{}{"$regex": "("}}, false, true},
		{"in expects array", map[string]interface{}{"status": map[string]interface{}{"$in": "active"}}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse(tt.criteria)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got := f.Match(doc); got != tt.want {
				t.Errorf("%s: Match() = %v, want %v", f, got, tt.want)
			}
		})
	}
}

func TestIndexCandidate(t *testing.T) {
	field, values, ok := IndexCandidate(And(Gt("age", 1), Eq("status", "active")))
	if !ok || field != "status" || len(values) != 1 || values[0] != "active" {
		t.Errorf("unexpected candidate: %q %v %v", field, values, ok)
	}

	field, values, ok = IndexCandidate(In("status", "a", "b"))
	if !ok || field != "status" || len(values) != 2 {
		t.Errorf("unexpected candidate: %q %v %v", field, values, ok)
	}

	if _, _, ok := IndexCandidate(Or(Eq("a", 1), Eq("b", 2))); ok {
		t.Error("Or must not produce an index candidate")
	}
	if _, _, ok := IndexCandidate(Eq("deletedAt", nil)); ok {
		t.Error("nil equality must not produce an index candidate")
	}
}

func TestKey(t *testing.T) {
	tests := []struct {
		name string
		a, b Filter
	}{
		{"int and string operands", Eq("n", 1), Eq("n", "1")},
		{"in lists of different types", In("n", 1, 2), In("n", "1", "2")},
		{"nested slice operand", Eq("tags", []interface{}{1}), Eq("tags", []interface{}{"1"})},
		{"map operand", Eq("a", map[string]interface{}{"x": 1}), Eq("a", map[string]interface{}{"x": "1"})},
		{"and versus or", And(Eq("a", 1), Eq("b", 2)), Or(Eq("a", 1), Eq("b", 2))},
		{"negation", Eq("a", 1), Not(Eq("a", 1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Key(tt.a) == Key(tt.b) {
				t.Errorf("Key(%s) and Key(%s) collide: %s", tt.a, tt.b, Key(tt.a))
			}
		})
	}

	if Key(Eq("n", 1)) != Key(Eq("n", 1)) {
		t.Error("Key must be stable for equal filters")
	}
	if Key(nil) != Key(All()) {
		t.Error("Key(nil) must equal Key(All())")
	}
}

func TestSort(t *testing.T) {
	docs := []types.Document{
		{"id": "a", "rank": float64(2), "name": "b"},
		{"id": "b", "rank": float64(1), "name": "z"},
		{"id": "c", "name": "a"},
		{"id": "d", "rank": float64(2), "name": "a"},
	}

	Sort(docs, ParseSort("-rank,name"))

	var got []string
	for _, d := range docs {
		got = append(got, d.ID())
	}
	want := []string{"d", "a", "b", "c"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sort order mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSort(t *testing.T) {
	got := ParseSort(" -createdAt, +name ,,rank")
	want := []OrderClause{
		{Field: "createdAt", Descending: true},
		{Field: "name"},
		{Field: "rank"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseSort mismatch (-want +got):\n%s", diff)
	}
}

func TestPaginate(t *testing.T) {
	docs := make([]types.Document, 25)
	for i := range docs {
		docs[i] = types.Document{"n": i}
	}

	t.Run("middle page", func(t *testing.T) {
		page, p := Paginate(docs, 2, 10)
		if len(page) != 10 || page[0]["n"] != 10 {
			t.Fatalf("unexpected page content: %d items", len(page))
		}
		want := Pagination{Page: 2, Limit: 10, Total: 25, TotalPages: 3, HasNext: true, HasPrev: true}
		if diff := cmp.Diff(want, p); diff != "" {
			t.Errorf("pagination mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("last partial page", func(t *testing.T) {
		page, p := Paginate(docs, 3, 10)
		if len(page) != 5 || p.HasNext || !p.HasPrev {
			t.Errorf("unexpected last page: %d items, %+v", len(page), p)
		}
	})

	t.Run("out of range", func(t *testing.T) {
		page, p := Paginate(docs, 9, 10)
		if len(page) != 0 || p.Total != 25 {
			t.Errorf("expected empty page, got %d items", len(page))
		}
	})

	t.Run("no limit", func(t *testing.T) {
		page, p := Paginate(docs, 3, 0)
		if len(page) != 25 || p.Page != 1 || p.TotalPages != 1 {
			t.Errorf("unexpected unlimited page: %d items, %+v", len(page), p)
		}
	})
}
