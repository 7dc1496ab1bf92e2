package ontology

import "fmt"

// ValidationError reports a rejected ontology definition or an attribute
// value that does not fit the active schema. It is never retryable; the
// caller must fix the definition.
type ValidationError struct {
	Type   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Type != "" && e.Field != "":
		return fmt.Sprintf("ontology validation failed for %s.%s: %s", e.Type, e.Field, e.Reason)
	case e.Type != "":
		return fmt.Sprintf("ontology validation failed for %s: %s", e.Type, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("ontology validation failed for field %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("ontology validation failed: %s", e.Reason)
}

// Is implements errors.Is support for ValidationError.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}
