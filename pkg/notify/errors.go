package notify

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSession is returned when a remote caller's session is not authorized.
var ErrInvalidSession = errors.New("invalid session")

// Failure is one observer that failed to handle an event.
type Failure struct {
	ID   ObserverID
	Name string
	Err  error
}

// BroadcastError lists every observer that failed during one broadcast. The other
// observers still received the event.
type BroadcastError struct {
	Event    string
	Failures []Failure
}

func (e *BroadcastError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Name, f.Err)
	}
	return fmt.Sprintf("%s: %d observer(s) failed: %s", e.Event, len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the individual observer errors to errors.Is and errors.As.
func (e *BroadcastError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
