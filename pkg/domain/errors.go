package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrTokenNotFound is returned when a token id cannot be found in the store.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenBusy is returned when another worker holds the token.
	ErrTokenBusy = errors.New("token busy")

	// ErrTokenTerminal is returned when an operation needs a live token.
	ErrTokenTerminal = errors.New("token terminal")

	// ErrNotWaiting is returned when resuming a token that is not parked at the given port.
	ErrNotWaiting = errors.New("token not waiting")

	// ErrTokenNotStarted is returned when a NEW token is advanced or resumed.
	ErrTokenNotStarted = errors.New("token not started")

	// ErrTokenStarted is returned when starting a token twice.
	ErrTokenStarted = errors.New("token already started")

	// ErrTokenNotCompleted is returned when reading the outputs of an unfinished token.
	ErrTokenNotCompleted = errors.New("token not completed")

	// ErrProcessNotFound is returned when a model source has no definition for a qualifier.
	ErrProcessNotFound = errors.New("process not found")

	// ErrObjectNotFound is returned by object stores for unknown business objects.
	ErrObjectNotFound = errors.New("object not found")
)

// ErrorCode classifies engine failures.
type ErrorCode string

const (
	CodeHandlerNotFound  ErrorCode = "handler_not_found"
	CodeHandlerFailed    ErrorCode = "handler_failed"
	CodeHandlerPanic     ErrorCode = "handler_panic"
	CodeMissingStepState ErrorCode = "missing_step_state"
	CodeMissingParam     ErrorCode = "missing_param"
	CodeTypeMismatch     ErrorCode = "type_mismatch"
	CodeInvalidExit      ErrorCode = "invalid_exit"
	CodeCondition        ErrorCode = "condition_error"
	CodeModel            ErrorCode = "model_error"
	CodeStepLimit        ErrorCode = "step_limit"
	CodeJoinStalled      ErrorCode = "join_stalled"
	CodeCancelled        ErrorCode = "cancelled"
)

// EngineError is a classified failure of a step.
//
// Unrecoverable errors always fail the token. Recoverable errors may be caught by the
// step's error port or the process on_error step.
type EngineError struct {
	Code          ErrorCode
	Unrecoverable bool
	Step          string
	Cause         error
}

func (e *EngineError) Error() string {
	msg := string(e.Code)
	if e.Step != "" {
		msg = fmt.Sprintf("%s at %s", msg, e.Step)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *EngineError) Unwrap() error { return e.Cause }

// Fatal builds an unrecoverable engine error.
func Fatal(code ErrorCode, step string, cause error) *EngineError {
	return &EngineError{Code: code, Unrecoverable: true, Step: step, Cause: cause}
}

// StepFailed builds a recoverable step error.
func StepFailed(step string, cause error) *EngineError {
	return &EngineError{Code: CodeHandlerFailed, Step: step, Cause: cause}
}

// IsUnrecoverable reports whether err carries an unrecoverable engine error.
func IsUnrecoverable(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee) && ee.Unrecoverable
}

// CodeOf extracts the engine error code, or CodeHandlerFailed for plain errors.
func CodeOf(err error) ErrorCode {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return CodeHandlerFailed
}

// NewFailure records err on a token.
func NewFailure(err error, step, port string) *Failure {
	return &Failure{
		Code:          CodeOf(err),
		Message:       err.Error(),
		Step:          step,
		Port:          port,
		Unrecoverable: IsUnrecoverable(err),
	}
}

// Err turns a recorded failure back into an error value.
func (f *Failure) Err() error {
	return &EngineError{
		Code:          f.Code,
		Unrecoverable: f.Unrecoverable,
		Step:          f.Step,
		Cause:         errors.New(f.Message),
	}
}
