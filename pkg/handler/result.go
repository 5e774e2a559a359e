package handler

// Outcome is how a handler finished.
type Outcome int

const (
	// Handled means the handler did the work and chose the exit.
	Handled Outcome = iota
	// NotHandled asks the engine for default handling: entry parameters pass through
	// to the exit by name.
	NotHandled
	// Failed means the handler could not complete the step.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Handled:
		return "handled"
	case NotHandled:
		return "not_handled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result is returned by every handler.
type Result struct {
	Outcome Outcome
	Err     error
}

// Done reports that the step was handled.
func Done() Result { return Result{Outcome: Handled} }

// Pass asks for default handling.
func Pass() Result { return Result{Outcome: NotHandled} }

// Fail reports a failure. Wrap a domain.EngineError built with domain.Fatal to make
// it uncatchable by error ports.
func Fail(err error) Result { return Result{Outcome: Failed, Err: err} }
