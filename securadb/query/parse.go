package query

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Parse converts the operator DSL used by callers of the repository
// ({"status": "active", "age": {"$gte": 18}, "$or": [...]}) into a Filter.
// Keys are processed in sorted order so String() is stable.
func Parse(criteria map[string]interface{}) (Filter, error) {
	if len(criteria) == 0 {
		return All(), nil
	}

	keys := make([]string, 0, len(criteria))
	for k := range criteria {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	filters := make([]Filter, 0, len(keys))
	for _, key := range keys {
		value := criteria[key]
		switch key {
		case "$and", "$or":
			subs, err := parseList(key, value)
			if err != nil {
				return nil, err
			}
			if key == "$and" {
				filters = append(filters, And(subs...))
			} else {
				filters = append(filters, Or(subs...))
			}
		case "$not":
			m, ok := value.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("$not expects an object, got %T", value)
			}
			inner, err := Parse(m)
			if err != nil {
				return nil, err
			}
			filters = append(filters, Not(inner))
		default:
			if strings.HasPrefix(key, "$") {
				return nil, fmt.Errorf("unknown top-level operator %q", key)
			}
			f, err := parseField(key, value)
			if err != nil {
				return nil, err
			}
			filters = append(filters, f)
		}
	}

	if len(filters) == 1 {
		return filters[0], nil
	}
	return And(filters...), nil
}

func parseList(op string, value interface{}) ([]Filter, error) {
	items, ok := AsSlice(value)
	if !ok {
		return nil, fmt.Errorf("%s expects an array, got %T", op, value)
	}
	subs := make([]Filter, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s[%d] expects an object, got %T", op, i, item)
		}
		f, err := Parse(m)
		if err != nil {
			return nil, err
		}
		subs = append(subs, f)
	}
	return subs, nil
}

func parseField(field string, value interface{}) (Filter, error) {
	ops, ok := value.(map[string]interface{})
	if !ok || !isOperatorMap(ops) {
		return Eq(field, value), nil
	}

	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	filters := make([]Filter, 0, len(ops))
	for _, name := range names {
		operand := ops[name]
		switch Op(name) {
		case OpEq:
			filters = append(filters, Eq(field, operand))
		case OpNe:
			filters = append(filters, Ne(field, operand))
		case OpIn, OpNin:
			values, ok := AsSlice(operand)
			if !ok {
				return nil, fmt.Errorf("%s on %q expects an array, got %T", name, field, operand)
			}
			if Op(name) == OpIn {
				filters = append(filters, In(field, values...))
			} else {
				filters = append(filters, Nin(field, values...))
			}
		case OpGt:
			filters = append(filters, Gt(field, operand))
		case OpGte:
			filters = append(filters, Gte(field, operand))
		case OpLt:
			filters = append(filters, Lt(field, operand))
		case OpLte:
			filters = append(filters, Lte(field, operand))
		case OpRegex:
			pattern, ok := operand.(string)
			if !ok {
				return nil, fmt.Errorf("$regex on %q expects a string, got %T", field, operand)
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid $regex on %q: %w", field, err)
			}
			filters = append(filters, Regex(field, re))
		case OpLike:
			pattern, ok := operand.(string)
			if !ok {
				return nil, fmt.Errorf("$like on %q expects a string, got %T", field, operand)
			}
			filters = append(filters, Like(field, pattern))
		default:
			return nil, fmt.Errorf("unknown operator %q on field %q", name, field)
		}
	}

	if len(filters) == 1 {
		return filters[0], nil
	}
	return And(filters...), nil
}

// isOperatorMap distinguishes {"$gt": 1} from a nested object compared by equality.
func isOperatorMap(m map[string]interface{}) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}
