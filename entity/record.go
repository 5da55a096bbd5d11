// Package entity is the normalized record store shared by every query result.
//
// Each domain object (an inventory lot, a wine card, a wishlist item) is
// stored once under its Ref. Query results keep references instead of copies
// and are rebuilt from the current records on every read, so an update to a
// record is visible in every result that contains it.
package entity

import (
	"encoding/json"
	"strconv"
)

// Ref names one record.
type Ref struct {
	Type string
	ID   string
}

func (r Ref) String() string { return r.Type + ":" + r.ID }

// Record is a decoded JSON object.
type Record map[string]any

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return cloneValue(map[string]any(r)).(map[string]any)
}

// Merge returns a copy of r with the top-level fields of patch applied.
// Applying the same patch twice yields the same record.
func (r Record) Merge(patch Record) Record {
	out := make(Record, len(r)+len(patch))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

// Int reads a numeric field.
func (r Record) Int(field string) (int, bool) {
	switch v := r[field].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

// FormatID renders an identifier field value the same way for numbers and
// strings.
func FormatID(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, x != ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case json.Number:
		return x.String(), true
	default:
		return "", false
	}
}

// FromJSON decodes a JSON object into a record.
func FromJSON(raw []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return r, nil
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = cloneValue(vv)
		}
		return out
	case Record:
		return Record(cloneValue(map[string]any(x)).(map[string]any))
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}

// CloneValue deep-copies a decoded JSON document.
func CloneValue(v any) any { return cloneValue(v) }
