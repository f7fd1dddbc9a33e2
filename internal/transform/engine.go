package transform

import (
	"fmt"
	"log/slog"
	"strings"
)

// Engine evaluates field transforms against raw records. It is stateless
// between records: evaluation is a pure function of the record and the
// immutable spec, so one engine is safely shared by a whole run.
type Engine struct {
	funcs *Registry
	log   *slog.Logger
}

// NewEngine creates an engine backed by the given function registry. A nil
// registry gets the built-in helpers only.
func NewEngine(funcs *Registry, log *slog.Logger) *Engine {
	if funcs == nil {
		funcs = NewRegistry()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{funcs: funcs, log: log.With("component", "transform-engine")}
}

// Evaluate resolves a field transform to a single scalar value. The path is
// searched first, the default substitutes a missing result, then each rule
// in the chain is applied in order. The final value is a string, or nil
// when the field resolved to nothing.
func (e *Engine) Evaluate(rec RawRecord, ft *FieldTransform) (any, error) {
	return e.evaluate(rec, ft, nil)
}

// EvaluateValues resolves a field transform to an ordered list of values,
// used for repeated sub-entities where a path may match many elements.
func (e *Engine) EvaluateValues(rec RawRecord, ft *FieldTransform) ([]any, error) {
	return e.evaluateValues(rec, ft, nil)
}

func (e *Engine) evaluate(rec RawRecord, ft *FieldTransform, b *Builder) (any, error) {
	if ft == nil {
		return nil, nil
	}
	if ft.Path == "" {
		return ft.Default, nil
	}

	value, err := ft.search(rec)
	if err != nil {
		return nil, fmt.Errorf("path %q: %w", ft.Path, err)
	}
	if value == nil {
		return ft.Default, nil
	}

	for _, rule := range ft.Transform {
		switch {
		case rule.FilterMap != nil:
			mapped := e.mapLookup(value, rule.FilterMap, true)
			if isFalsy(mapped) {
				mapped = nil
			}
			value = mapped
		case rule.StaticMap != nil:
			value = e.mapLookup(value, rule.StaticMap, false)
		case !rule.Method.empty():
			value, err = e.call(value, rule.Method, rule.Kwargs, b)
			if err != nil {
				return nil, err
			}
		}
		// for_each only participates in list evaluation
	}

	if value == nil {
		value = ft.Default
	}
	if value == nil {
		return nil, nil
	}
	if s, ok := value.(string); ok {
		return s, nil
	}
	return toString(value), nil
}

func (e *Engine) evaluateValues(rec RawRecord, ft *FieldTransform, b *Builder) ([]any, error) {
	if ft == nil {
		return []any{}, nil
	}

	defaults := func() []any {
		if ft.Default == nil {
			return []any{}
		}
		return alwaysArray(ft.Default)
	}

	if ft.Path == "" {
		return defaults(), nil
	}

	value, err := ft.search(rec)
	if err != nil {
		return nil, fmt.Errorf("path %q: %w", ft.Path, err)
	}
	if isEmpty(value) {
		return defaults(), nil
	}

	for _, rule := range ft.Transform {
		switch {
		case rule.FilterMap != nil:
			// filter in place, preserving order of survivors
			kept := []any{}
			for _, v := range alwaysArray(value) {
				mapped := e.mapLookup(v, rule.FilterMap, true)
				if !isFalsy(mapped) {
					kept = append(kept, mapped)
				}
			}
			value = kept
		case rule.StaticMap != nil:
			// a missing key is a deliberate exclusion, not an error
			kept := []any{}
			for _, v := range alwaysArray(value) {
				if mapped := e.mapLookup(v, rule.StaticMap, false); mapped != nil {
					kept = append(kept, mapped)
				}
			}
			value = kept
		case !rule.Method.empty():
			value, err = e.call(value, rule.Method, rule.Kwargs, b)
			if err != nil {
				return nil, err
			}
		case !rule.ForEach.empty():
			out := []any{}
			for _, v := range alwaysArray(value) {
				if v == nil {
					out = append(out, nil)
					continue
				}
				mapped, err := e.call(v, rule.ForEach, rule.Kwargs, b)
				if err != nil {
					return nil, err
				}
				out = append(out, mapped)
			}
			value = out
		}
	}

	// empty elements fall back to the default when one is configured
	out := []any{}
	for _, v := range alwaysArray(value) {
		if (v == nil || v == "") && ft.Default != nil {
			out = append(out, ft.Default)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// fieldValues evaluates a static-or-transform field. A non-negative
// expected length spreads static values to match a sibling list and
// enforces that transformed lists line up with it.
func (e *Engine) fieldValues(rec RawRecord, fv *FieldValue, expected int, b *Builder) ([]any, error) {
	if fv == nil {
		if expected > 0 {
			return make([]any, expected), nil
		}
		return []any{}, nil
	}

	if fv.Field != nil {
		values, err := e.evaluateValues(rec, fv.Field, b)
		if err != nil {
			return nil, err
		}
		if expected >= 0 && len(values) != expected {
			return nil, fmt.Errorf("expected transform value of length %d, but length was %d",
				expected, len(values))
		}
		return values, nil
	}

	if expected >= 0 {
		out := make([]any, expected)
		for i := range out {
			out[i] = fv.Literal
		}
		return out, nil
	}
	return []any{fv.Literal}, nil
}

// mapLookup resolves value against a lower-cased substitution map. With
// passthrough, unmapped values survive unchanged; without it they drop to
// nil. Non-string values cannot be looked up and pass through with a
// warning.
func (e *Engine) mapLookup(value any, m map[string]any, passthrough bool) any {
	s, ok := value.(string)
	if !ok {
		e.log.Warn("static map lookup requires a string value", "value", value)
		return value
	}
	mapped, found := m[strings.ToLower(s)]
	if !found {
		if passthrough {
			return value
		}
		return nil
	}
	return mapped
}

// call invokes a method reference. Rule-level kwargs overlay the call's own
// params, so a shared predefined call can be specialized per rule.
func (e *Engine) call(value any, ref *MethodRef, kwargs map[string]any, b *Builder) (any, error) {
	if ref.Func != nil {
		return ref.Func(value, b)
	}
	fn, err := e.funcs.Resolve(ref.Call.Name)
	if err != nil {
		return nil, err
	}
	params := normalizeParams(ref.Call.Params)
	for k, v := range normalizeParams(kwargs) {
		params[k] = v
	}
	return fn(value, params)
}
