package canonical

import "fmt"

// Error reports a field value that has no canonical encoding.
// It is fatal to the call that produced it and recoverable by the caller.
type Error struct {
	Field  string
	Kind   string
	Reason string
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("canonicalize field %q: %s (%s)", e.Field, e.Reason, e.Kind)
	}
	return fmt.Sprintf("canonicalize field %q: %s", e.Field, e.Reason)
}

func unsupported(field string, v any) *Error {
	return &Error{Field: field, Kind: fmt.Sprintf("%T", v), Reason: "unsupported value kind"}
}
