package schema

import "fmt"

// ValidationError is a parameter that failed its declaration. Missing is set when a
// required parameter is absent.
type ValidationError struct {
	Key     string
	Reason  string
	Value   any
	Missing bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("parameter %s: %s", e.Key, e.Reason)
}
