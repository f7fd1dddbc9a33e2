package transform

import (
	"errors"
	"fmt"
)

// ErrNoValidTransform is returned when a record matches no spec in the
// catalog, or the evaluated record satisfies neither the group nor the
// indicator schema. Records failing this way are skipped, never fatal.
var ErrNoValidTransform = errors.New("no valid transform for record")

// ConfigError reports an invalid transform configuration. It is only
// returned while building a catalog, never during record evaluation.
type ConfigError struct {
	Field string
	Msg   string
	Err   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := e.Msg
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("invalid transform config: %s: %v", msg, e.Err)
	}
	return fmt.Sprintf("invalid transform config: %s", msg)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// TransformError reports a failure while applying one field's transforms to
// one record. It carries the field name, the causing error and the transform
// context so a run can surface exactly which rule broke on which input.
type TransformError struct {
	Field   string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *TransformError) Error() string {
	return fmt.Sprintf("error transforming %s: %v", e.Field, e.Cause)
}

// Unwrap returns the causing error.
func (e *TransformError) Unwrap() error {
	return e.Cause
}

func transformError(field string, cause error, context map[string]any) *TransformError {
	var te *TransformError
	if errors.As(cause, &te) {
		// keep the innermost field attribution
		return te
	}
	return &TransformError{Field: field, Cause: cause, Context: context}
}
