package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Key identifies one logical query: an endpoint path plus its canonical
// parameter set.
type Key string

// KeyFor builds a stable cache key from path + sorted params.
// Nil and empty-string values are omitted, so {a:1, b:""} and {a:1} map to the
// same key. Values must be primitives (string, bool, integers, floats).
func KeyFor(path string, params map[string]any) (Key, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", &ValidationError{Op: "cache.KeyFor", Msg: "path is empty"}
	}

	parts := make([]string, 0, len(params))
	for k, v := range params {
		s, keep, err := formatParam(v)
		if err != nil {
			return "", &ValidationError{Op: "cache.KeyFor", Msg: fmt.Sprintf("param %q: %v", k, err)}
		}
		if !keep {
			continue
		}
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(s))
	}
	if len(parts) == 0 {
		return Key(path), nil
	}
	sort.Strings(parts)
	return Key(path + "?" + strings.Join(parts, "&")), nil
}

// MustKey is KeyFor for static call sites; it panics on invalid input.
func MustKey(path string, params map[string]any) Key {
	k, err := KeyFor(path, params)
	if err != nil {
		panic(err)
	}
	return k
}

// Path returns the endpoint path portion of the key.
func (k Key) Path() string {
	p, _, _ := strings.Cut(string(k), "?")
	return p
}

// Params returns the canonical parameters encoded in the key.
func (k Key) Params() url.Values {
	_, q, ok := strings.Cut(string(k), "?")
	if !ok {
		return url.Values{}
	}
	v, err := url.ParseQuery(q)
	if err != nil {
		return url.Values{}
	}
	return v
}

func (k Key) String() string { return string(k) }

// FormatParam renders a primitive parameter value the way KeyFor does. The
// boolean result is false when the value should be dropped.
func FormatParam(v any) (string, bool, error) {
	return formatParam(v)
}

func formatParam(v any) (string, bool, error) {
	switch x := v.(type) {
	case nil:
		return "", false, nil
	case string:
		return x, x != "", nil
	case bool:
		return strconv.FormatBool(x), true, nil
	case int:
		return strconv.FormatInt(int64(x), 10), true, nil
	case int8:
		return strconv.FormatInt(int64(x), 10), true, nil
	case int16:
		return strconv.FormatInt(int64(x), 10), true, nil
	case int32:
		return strconv.FormatInt(int64(x), 10), true, nil
	case int64:
		return strconv.FormatInt(x, 10), true, nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), true, nil
	case uint8:
		return strconv.FormatUint(uint64(x), 10), true, nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), true, nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), true, nil
	case uint64:
		return strconv.FormatUint(x, 10), true, nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true, nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true, nil
	default:
		return "", false, fmt.Errorf("unsupported type %T", v)
	}
}
