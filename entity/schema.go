package entity

import (
	"sort"
	"strings"
)

// Rule says where records of one type live inside a response document.
// Path is a dot-separated list of object fields, walked through arrays
// transparently; the empty path is the document root. IDField defaults to "id".
type Rule struct {
	Type    string
	Path    string
	IDField string
}

// Schema is the set of rules for one query.
type Schema []Rule

// Normalize replaces every matched object in doc by its Ref and returns the
// extracted records. doc is not modified. Deeper paths are handled first so a
// nested record (a wine inside a lot) is referenced from its parent record.
func (s Schema) Normalize(doc any) (any, map[Ref]Record) {
	records := make(map[Ref]Record)
	if len(s) == 0 {
		return cloneValue(doc), records
	}

	rules := make([]Rule, len(s))
	copy(rules, s)
	sort.SliceStable(rules, func(i, j int) bool {
		return depth(rules[i].Path) > depth(rules[j].Path)
	})

	out := cloneValue(doc)
	for _, r := range rules {
		idField := r.IDField
		if idField == "" {
			idField = "id"
		}
		out = normalizeAt(out, segments(r.Path), r.Type, idField, records)
	}
	return out, records
}

// Refs lists the references contained in a normalized document.
func Refs(doc any) []Ref {
	seen := make(map[Ref]struct{})
	var walk func(v any)
	walk = func(v any) {
		switch x := v.(type) {
		case Ref:
			seen[x] = struct{}{}
		case map[string]any:
			for _, vv := range x {
				walk(vv)
			}
		case []any:
			for _, vv := range x {
				walk(vv)
			}
		}
	}
	walk(doc)
	out := make([]Ref, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func normalizeAt(v any, segs []string, typ, idField string, records map[Ref]Record) any {
	if arr, ok := v.([]any); ok {
		for i := range arr {
			arr[i] = normalizeAt(arr[i], segs, typ, idField, records)
		}
		return arr
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if len(segs) > 0 {
		child, ok := obj[segs[0]]
		if ok {
			obj[segs[0]] = normalizeAt(child, segs[1:], typ, idField, records)
		}
		return obj
	}
	id, ok := FormatID(obj[idField])
	if !ok {
		return obj
	}
	ref := Ref{Type: typ, ID: id}
	if prev, ok := records[ref]; ok {
		records[ref] = prev.Merge(Record(obj))
	} else {
		records[ref] = Record(obj)
	}
	return ref
}

// removed marks a reference whose record no longer exists.
type removed struct{}

// materialize rebuilds doc from records. Missing records are dropped from
// arrays and rendered as null elsewhere.
func materialize(v any, lookup func(Ref) (Record, bool), seen map[Ref]bool) any {
	switch x := v.(type) {
	case Ref:
		rec, ok := lookup(x)
		if !ok || rec == nil || seen[x] {
			return removed{}
		}
		seen[x] = true
		out := materialize(map[string]any(rec), lookup, seen)
		delete(seen, x)
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			m := materialize(vv, lookup, seen)
			if _, gone := m.(removed); gone {
				m = nil
			}
			out[k] = m
		}
		return out
	case Record:
		return materialize(map[string]any(x), lookup, seen)
	case []any:
		out := make([]any, 0, len(x))
		for _, vv := range x {
			m := materialize(vv, lookup, seen)
			if _, gone := m.(removed); gone {
				continue
			}
			out = append(out, m)
		}
		return out
	default:
		return v
	}
}

func segments(path string) []string {
	path = strings.Trim(path, ".")
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func depth(path string) int { return len(segments(path)) }
