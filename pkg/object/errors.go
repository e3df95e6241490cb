package object

import "fmt"

// EncodingError reports input that cannot be represented in git's object
// format, such as a tree entry name containing a NUL byte.
type EncodingError struct {
	Field  string
	Value  string
	Reason string
}

func (e *EncodingError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("encoding %s %q: %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("encoding %s: %s", e.Field, e.Reason)
}
