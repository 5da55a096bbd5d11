package cache

import "fmt"

// ValidationError reports malformed input supplied by the caller, such as an
// empty path or a non-primitive query value. It is a programming error and is
// returned before any I/O happens.
type ValidationError struct {
	Op  string
	Msg string
}

func (e *ValidationError) Error() string {
	if e.Op == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("%s: validation: %s", e.Op, e.Msg)
}

// Invalid builds a ValidationError.
func Invalid(op, format string, args ...any) error {
	return &ValidationError{Op: op, Msg: fmt.Sprintf(format, args...)}
}
