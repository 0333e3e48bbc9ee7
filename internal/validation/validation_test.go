package validation_test

import (
	"math"
	"testing"
	"time"

	"github.com/Dev-Stive/securadb/internal/validation"
	"github.com/Dev-Stive/securadb/types"
)

func TestValidateSchema(t *testing.T) {
	tests := []struct {
		name    string
		schema  types.CollectionSchema
		wantErr bool
	}{
		{
			name:    "empty name",
			schema:  types.CollectionSchema{},
			wantErr: true,
		},
		{
			name:    "reserved name",
			schema:  types.CollectionSchema{Name: "meta"},
			wantErr: true,
		},
		{
			name:    "name with namespace separator",
			schema:  types.CollectionSchema{Name: "guests:vip"},
			wantErr: true,
		},
		{
			name: "valid schema",
			schema: types.CollectionSchema{
				Name:          "guests",
				UniqueFields:  []string{"email"},
				IndexedFields: []string{"eventId", "status"},
				References:    []types.Reference{{Field: "eventId", Target: "events"}},
			},
		},
		{
			name: "duplicate unique field",
			schema: types.CollectionSchema{
				Name:         "guests",
				UniqueFields: []string{"email", "email"},
			},
			wantErr: true,
		},
		{
			name: "empty path segment",
			schema: types.CollectionSchema{
				Name:          "guests",
				IndexedFields: []string{"address..city"},
			},
			wantErr: true,
		},
		{
			name: "reference to reserved collection",
			schema: types.CollectionSchema{
				Name:       "guests",
				References: []types.Reference{{Field: "x", Target: "sync"}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validation.ValidateSchema(tt.schema)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDocument(t *testing.T) {
	tests := []struct {
		name    string
		doc     types.Document
		wantErr bool
	}{
		{"plain values", types.Document{"name": "a", "count": 3, "ok": true, "price": 1.5}, false},
		{"nested objects and arrays", types.Document{"tags": []interface{}{"a", "b"}, "address": map[string]interface{}{"city": "Douala"}}, false},
		{"time value", types.Document{"at": time.Now()}, false},
		{"nil value", types.Document{"x": nil}, false},
		{"numeric id", types.Document{"id": 12}, true},
		{"blank id", types.Document{"id": "  "}, true},
		{"struct value", types.Document{"x": struct{ A int }{1}}, true},
		{"channel value", types.Document{"x": make(chan int)}, true},
		{"int keyed map", types.Document{"x": map[int]string{1: "a"}}, true},
		{"struct inside array", types.Document{"x": []interface{}{struct{}{}}}, true},
		{"NaN", types.Document{"x": math.NaN()}, true},
		{"positive infinity", types.Document{"x": math.Inf(1)}, true},
		{"negative infinity inside object", types.Document{"x": map[string]interface{}{"y": math.Inf(-1)}}, true},
		{"float32 infinity inside array", types.Document{"x": []float32{float32(math.Inf(1))}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validation.ValidateDocument(tt.doc)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDocument() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsManagedField(t *testing.T) {
	for _, name := range []string{"id", "createdAt", "updatedAt", "deletedAt"} {
		if !validation.IsManagedField(name) {
			t.Errorf("expected %s to be managed", name)
		}
	}
	if validation.IsManagedField("name") {
		t.Error("expected name not to be managed")
	}
}
