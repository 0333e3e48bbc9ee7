package validation

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/Dev-Stive/securadb/types"
)

// ValidateSchema checks a collection schema for consistency.
func ValidateSchema(schema types.CollectionSchema) error {
	if err := ValidateCollectionName(schema.Name); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, field := range schema.UniqueFields {
		if err := ValidateFieldName(field); err != nil {
			return fmt.Errorf("unique field: %w", err)
		}
		if seen[field] {
			return fmt.Errorf("duplicate unique field: %s", field)
		}
		seen[field] = true
	}

	seen = make(map[string]bool)
	for _, field := range schema.IndexedFields {
		if err := ValidateFieldName(field); err != nil {
			return fmt.Errorf("indexed field: %w", err)
		}
		if seen[field] {
			return fmt.Errorf("duplicate indexed field: %s", field)
		}
		seen[field] = true
	}

	for _, ref := range schema.References {
		if err := ValidateFieldName(ref.Field); err != nil {
			return fmt.Errorf("reference: %w", err)
		}
		if err := ValidateCollectionName(ref.Target); err != nil {
			return fmt.Errorf("reference %s: %w", ref.Field, err)
		}
	}

	return nil
}

// ValidateCollectionName rejects empty names and the reserved top-level keys.
func ValidateCollectionName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("collection name cannot be empty")
	}
	if types.IsReservedKey(name) {
		return fmt.Errorf("'%s' is a reserved top-level key", name)
	}
	if strings.ContainsAny(name, ":*? \t\n") {
		return fmt.Errorf("collection name %q contains forbidden characters", name)
	}
	return nil
}

// ValidateFieldName checks a (possibly dotted) field path.
func ValidateFieldName(name string) error {
	if name == "" {
		return fmt.Errorf("field name cannot be empty")
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" {
			return fmt.Errorf("field name %q has an empty path segment", name)
		}
	}
	return nil
}

// IsManagedField reports whether the engine owns the field.
func IsManagedField(name string) bool {
	switch name {
	case types.FieldID, types.FieldCreatedAt, types.FieldUpdatedAt, types.FieldDeletedAt:
		return true
	}
	return false
}

// ValidateDocument checks that every value is JSON-representable and that
// the id, when present, is a non-empty string.
func ValidateDocument(doc types.Document) error {
	if raw, ok := doc[types.FieldID]; ok {
		id, isString := raw.(string)
		if !isString || strings.TrimSpace(id) == "" {
			return fmt.Errorf("field 'id' must be a non-empty string, got %T", raw)
		}
	}
	for name, value := range doc {
		if err := ValidateFieldName(name); err != nil {
			return err
		}
		if err := ValidateValue(value, name); err != nil {
			return err
		}
	}
	return nil
}

// ValidateValue accepts the shapes that survive a JSON round trip.
func ValidateValue(value interface{}, fieldName string) error {
	if value == nil {
		return nil
	}

	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return nil
	case reflect.Float32, reflect.Float64:
		if f := v.Float(); math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("field '%s' must be a finite number, got %v", fieldName, f)
		}
		return nil
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := ValidateValue(v.Index(i).Interface(), fmt.Sprintf("%s[%d]", fieldName, i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("field '%s' must use string keys, got %T", fieldName, value)
		}
		iter := v.MapRange()
		for iter.Next() {
			if err := ValidateValue(iter.Value().Interface(), fieldName+"."+iter.Key().String()); err != nil {
				return err
			}
		}
		return nil
	case reflect.Ptr:
		if v.IsNil() {
			return nil
		}
		return ValidateValue(v.Elem().Interface(), fieldName)
	case reflect.Struct:
		if _, ok := value.(time.Time); ok {
			return nil
		}
		return fmt.Errorf("field '%s' cannot be a struct type, got %T", fieldName, value)
	default:
		return fmt.Errorf("field '%s' must be a JSON value, got %T", fieldName, value)
	}
}
