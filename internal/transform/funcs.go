package transform

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// PredefinedFunc is a named helper transform. The value is the current field
// value and params are the keyword arguments declared in the rule.
type PredefinedFunc func(value any, params map[string]any) (any, error)

// Registry resolves predefined function names to implementations. Names are
// validated lazily, at evaluation time, so a catalog can be built before all
// custom helpers are registered.
type Registry struct {
	funcs map[string]PredefinedFunc
}

// NewRegistry creates a registry populated with the built-in helpers.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]PredefinedFunc)}
	r.registerBuiltins()
	return r
}

// Register adds or replaces a named helper.
func (r *Registry) Register(name string, fn PredefinedFunc) {
	r.funcs[strings.ToLower(name)] = fn
}

// Resolve returns the helper for name. Unknown names are an evaluation-time
// failure, not a configuration error.
func (r *Registry) Resolve(name string) (PredefinedFunc, error) {
	fn, ok := r.funcs[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown predefined function %q", name)
	}
	return fn, nil
}

// Names returns the sorted helper names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) registerBuiltins() {
	r.funcs["static"] = func(_ any, params map[string]any) (any, error) {
		return params["value"], nil
	}
	r.funcs["append"] = func(value any, params map[string]any) (any, error) {
		return toString(value) + toString(params["suffix"]), nil
	}
	r.funcs["prepend"] = func(value any, params map[string]any) (any, error) {
		return toString(params["prefix"]) + toString(value), nil
	}
	r.funcs["lowercase"] = func(value any, _ map[string]any) (any, error) {
		return strings.ToLower(toString(value)), nil
	}
	r.funcs["uppercase"] = func(value any, _ map[string]any) (any, error) {
		return strings.ToUpper(toString(value)), nil
	}
	r.funcs["titlecase"] = func(value any, _ map[string]any) (any, error) {
		return strings.Title(strings.ToLower(toString(value))), nil //nolint:staticcheck
	}
	r.funcs["trim"] = func(value any, params map[string]any) (any, error) {
		cutset, ok := params["cutset"]
		if !ok {
			return strings.TrimSpace(toString(value)), nil
		}
		return strings.Trim(toString(value), toString(cutset)), nil
	}
	r.funcs["truncate"] = func(value any, params map[string]any) (any, error) {
		s := toString(value)
		length, err := paramInt(params, "length")
		if err != nil {
			return nil, err
		}
		if len(s) <= length {
			return s, nil
		}
		suffix := toString(params["append_chars"])
		if length < len(suffix) {
			suffix = ""
		}
		return s[:length-len(suffix)] + suffix, nil
	}
	r.funcs["replace"] = func(value any, params map[string]any) (any, error) {
		old, ok := params["old"]
		if !ok {
			return nil, fmt.Errorf("replace requires an %q param", "old")
		}
		return strings.ReplaceAll(toString(value), toString(old), toString(params["new"])), nil
	}
	r.funcs["join"] = func(value any, params map[string]any) (any, error) {
		sep := ","
		if s, ok := params["separator"]; ok {
			sep = toString(s)
		}
		items := alwaysArray(value)
		parts := make([]string, 0, len(items))
		for _, item := range items {
			if item == nil {
				continue
			}
			parts = append(parts, toString(item))
		}
		return strings.Join(parts, sep), nil
	}
	r.funcs["split"] = func(value any, params map[string]any) (any, error) {
		sep := ","
		if s, ok := params["separator"]; ok {
			sep = toString(s)
		}
		parts := strings.Split(toString(value), sep)
		out := make([]any, len(parts))
		for i, part := range parts {
			out[i] = part
		}
		return out, nil
	}
	r.funcs["to_datetime"] = func(value any, params map[string]any) (any, error) {
		var (
			ts  time.Time
			err error
		)
		if format, ok := params["format"]; ok {
			ts, err = time.Parse(toString(format), toString(value))
		} else {
			ts, err = anyToTime(value)
		}
		if err != nil {
			return nil, err
		}
		return ts.UTC().Format(tcDatetimeFormat), nil
	}
	r.funcs["to_string"] = func(value any, _ map[string]any) (any, error) {
		if value == nil {
			return nil, nil
		}
		return toString(value), nil
	}
}

// tcDatetimeFormat is the datetime layout expected by the target API.
const tcDatetimeFormat = "2006-01-02T15:04:05Z"

// normalizeParams lower-cases param keys and replaces spaces with
// underscores so declared params match helper keyword names.
func normalizeParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[strings.ToLower(strings.ReplaceAll(k, " ", "_"))] = v
	}
	return out
}

func paramInt(params map[string]any, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing required param %q", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("param %q must be a number, got %T", key, v)
	}
}

// toString renders a JSON-compatible scalar the way the target API expects:
// integral floats print without a trailing ".0".
func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case time.Time:
		return s.UTC().Format(tcDatetimeFormat)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// anyToTime parses common feed timestamp shapes: RFC 3339 strings, a few
// legacy layouts, and numeric epochs (seconds or milliseconds).
func anyToTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case float64:
		return epochToTime(int64(t)), nil
	case int:
		return epochToTime(int64(t)), nil
	case int64:
		return epochToTime(t), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, fmt.Errorf("empty datetime value")
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return epochToTime(n), nil
		}
		layouts := []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
			"2006-01-02",
			time.RFC1123,
			time.RFC1123Z,
		}
		for _, layout := range layouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable datetime value %q", s)
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to datetime", v)
	}
}

func epochToTime(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// alwaysArray wraps a scalar into a single-element slice. Nil yields an
// empty slice.
func alwaysArray(v any) []any {
	switch t := v.(type) {
	case nil:
		return []any{}
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

// isEmpty reports whether a value is nil, an empty string, or an empty
// slice. Used for default fallback decisions.
func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	default:
		return false
	}
}

// isFalsy extends isEmpty with boolean false, matching filter semantics
// where a mapped false means "exclude this element".
func isFalsy(v any) bool {
	if b, ok := v.(bool); ok {
		return !b
	}
	return isEmpty(v)
}

func lowerKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
