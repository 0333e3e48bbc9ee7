package query

import (
	"fmt"
	"sort"
	"strings"
)

// Key encodes f for use in cache keys. Unlike String it keeps operand
// types apart, so Eq("n", 1) and Eq("n", "1") never share a key.
func Key(f Filter) string {
	if f == nil {
		f = All()
	}
	var b strings.Builder
	writeKey(&b, f)
	return b.String()
}

func writeKey(b *strings.Builder, f Filter) {
	switch node := f.(type) {
	case *Condition:
		fmt.Fprintf(b, "{%q %s ", node.Field, node.Op)
		writeValueKey(b, node.Value)
		b.WriteByte('}')
	case andFilter:
		writeGroupKey(b, "and", node)
	case orFilter:
		writeGroupKey(b, "or", node)
	case notFilter:
		b.WriteString("not(")
		writeKey(b, node.inner)
		b.WriteByte(')')
	default:
		fmt.Fprintf(b, "%T(%q)", f, f.String())
	}
}

func writeGroupKey(b *strings.Builder, name string, filters []Filter) {
	b.WriteString(name)
	b.WriteByte('(')
	for i, sub := range filters {
		if i > 0 {
			b.WriteByte(',')
		}
		writeKey(b, sub)
	}
	b.WriteByte(')')
}

func writeValueKey(b *strings.Builder, v interface{}) {
	if v == nil {
		b.WriteString("nil")
		return
	}
	if m, ok := v.(map[string]interface{}); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "%q:", k)
			writeValueKey(b, m[k])
		}
		b.WriteByte('}')
		return
	}
	if items, ok := AsSlice(v); ok {
		b.WriteByte('[')
		for i, item := range items {
			if i > 0 {
				b.WriteByte(',')
			}
			writeValueKey(b, item)
		}
		b.WriteByte(']')
		return
	}
	fmt.Fprintf(b, "%T:%#v", v, v)
}
