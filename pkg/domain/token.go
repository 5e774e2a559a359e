package domain

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/aretw0/stepflow/pkg/qualifier"
)

// TokenStatus is the lifecycle state of a token.
type TokenStatus string

const (
	StatusNew       TokenStatus = "NEW"
	StatusRunning   TokenStatus = "RUNNING"
	StatusWaiting   TokenStatus = "WAITING"
	StatusCompleted TokenStatus = "COMPLETED"
	StatusFailed    TokenStatus = "FAILED"
	StatusCancelled TokenStatus = "CANCELLED"
)

// Terminal reports whether no further progress is possible.
func (s TokenStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Frame is a pending return position on a cursor's call stack.
type Frame struct {
	// Process is the calling process.
	Process qualifier.Qualifier `json:"process"`
	// Scope is the caller's parameter scope.
	Scope string `json:"scope,omitempty"`
	// Step is the call step that will be left when the sub-process ends.
	Step string `json:"step"`
}

// Cursor is one position of a token in a process graph. Fan-out gives a token
// several cursors.
type Cursor struct {
	ID      int                 `json:"id"`
	Process qualifier.Qualifier `json:"process"`

	// Scope prefixes parameter keys of sub-process invocations. Empty at the root.
	Scope string `json:"scope,omitempty"`

	Step string `json:"step"`
	Port string `json:"port"`

	Stack []Frame `json:"stack,omitempty"`

	// Waiting cursors are parked until ResumePort is delivered.
	Waiting    bool   `json:"waiting,omitempty"`
	ResumePort string `json:"resume_port,omitempty"`
}

// Position renders the cursor as Scope.Step.Port for logs.
func (c Cursor) Position() string {
	return qualifier.Join(c.Scope, c.Step, c.Port)
}

// Failure records why a token stopped.
type Failure struct {
	Code          ErrorCode `json:"code"`
	Message       string    `json:"message"`
	Step          string    `json:"step,omitempty"`
	Port          string    `json:"port,omitempty"`
	Unrecoverable bool      `json:"unrecoverable,omitempty"`
}

// Token is the persistable execution state of one process instance.
type Token struct {
	ID string `json:"id"`

	// DebugID is a short, human friendly identifier for logs.
	DebugID string `json:"debug_id,omitempty"`

	// Process is the root process the token was started on.
	Process qualifier.Qualifier `json:"process"`

	Status TokenStatus `json:"status"`

	// Params maps scoped keys ("Step.Port.Param" or "Step.Param", prefixed by the
	// call scope) to values.
	Params map[string]any `json:"params"`

	Cursors    []Cursor `json:"cursors,omitempty"`
	NextCursor int      `json:"next_cursor,omitempty"`

	// Joins holds, per scoped join step, the incoming links that already arrived.
	Joins map[string][]string `json:"joins,omitempty"`

	// History lists every "Step.Exit" taken, in order.
	History []string `json:"history,omitempty"`

	// OutputKey is the scoped entry port of the end step that completed the token.
	OutputKey string `json:"output_key,omitempty"`

	Failure *Failure `json:"failure,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewToken creates a token in state NEW with an empty parameter map.
func NewToken(id string) *Token {
	now := time.Now().UTC()
	debugID := id
	if len(debugID) > 8 {
		debugID = debugID[:8]
	}
	return &Token{
		ID:        id,
		DebugID:   debugID,
		Status:    StatusNew,
		Params:    make(map[string]any),
		Joins:     make(map[string][]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ScopeMarker prefixes the scope segment of a call step so that sub-process keys
// never collide with the keys of the call step itself.
const ScopeMarker = "@"

// CallScope returns the parameter scope of a sub-process invoked by callStep.
func CallScope(parent, callStep string) string {
	return qualifier.Join(parent, ScopeMarker+callStep)
}

// PortKey builds the parameter key of a port-scoped parameter.
func PortKey(scope, step, port, name string) string {
	return qualifier.Join(scope, step, port, name)
}

// StepKey builds the parameter key of a step-scoped parameter.
func StepKey(scope, step, name string) string {
	return qualifier.Join(scope, step, name)
}

// Get reads a parameter. The boolean distinguishes a stored nil from an absent key.
func (t *Token) Get(key string) (any, bool) {
	v, ok := t.Params[key]
	return v, ok
}

// Set stores a parameter.
func (t *Token) Set(key string, value any) {
	if t.Params == nil {
		t.Params = make(map[string]any)
	}
	t.Params[key] = value
}

// PortParams collects the parameters stored under a port prefix, keyed by name.
func (t *Token) PortParams(prefix string) map[string]any {
	out := make(map[string]any)
	p := prefix + string(qualifier.PathDelimiter)
	for k, v := range t.Params {
		name, ok := strings.CutPrefix(k, p)
		if ok && !strings.ContainsRune(name, qualifier.PathDelimiter) {
			out[name] = v
		}
	}
	return out
}

// ClearPort removes every parameter stored under a port prefix.
func (t *Token) ClearPort(prefix string) {
	p := prefix + string(qualifier.PathDelimiter)
	for k := range t.Params {
		if name, ok := strings.CutPrefix(k, p); ok && !strings.ContainsRune(name, qualifier.PathDelimiter) {
			delete(t.Params, k)
		}
	}
}

// ClearScope removes every parameter of a sub-process scope.
func (t *Token) ClearScope(scope string) {
	if scope == "" {
		return
	}
	p := scope + string(qualifier.PathDelimiter)
	for k := range t.Params {
		if strings.HasPrefix(k, p) {
			delete(t.Params, k)
		}
	}
	for k := range t.Joins {
		if strings.HasPrefix(k, p) {
			delete(t.Joins, k)
		}
	}
}

// Outputs returns the entry parameters of the end step that completed the token.
func (t *Token) Outputs() map[string]any {
	if t.OutputKey == "" {
		return map[string]any{}
	}
	return t.PortParams(t.OutputKey)
}

// Cursor returns the cursor with the given id.
func (t *Token) Cursor(id int) (*Cursor, bool) {
	for i := range t.Cursors {
		if t.Cursors[i].ID == id {
			return &t.Cursors[i], true
		}
	}
	return nil, false
}

// AddCursor appends a cursor with a fresh id.
func (t *Token) AddCursor(c Cursor) *Cursor {
	t.NextCursor++
	c.ID = t.NextCursor
	t.Cursors = append(t.Cursors, c)
	return &t.Cursors[len(t.Cursors)-1]
}

// RemoveCursor drops the cursor with the given id.
func (t *Token) RemoveCursor(id int) {
	t.Cursors = slices.DeleteFunc(t.Cursors, func(c Cursor) bool { return c.ID == id })
}

// Runnable returns the first cursor that is not waiting.
func (t *Token) Runnable() (*Cursor, bool) {
	for i := range t.Cursors {
		if !t.Cursors[i].Waiting {
			return &t.Cursors[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the token's bookkeeping. Parameter values are shared.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	c.Params = maps.Clone(t.Params)
	if c.Params == nil {
		c.Params = make(map[string]any)
	}
	c.Cursors = make([]Cursor, len(t.Cursors))
	for i, cur := range t.Cursors {
		cur.Stack = slices.Clone(cur.Stack)
		c.Cursors[i] = cur
	}
	c.Joins = make(map[string][]string, len(t.Joins))
	for k, v := range t.Joins {
		c.Joins[k] = slices.Clone(v)
	}
	c.History = slices.Clone(t.History)
	if t.Failure != nil {
		f := *t.Failure
		c.Failure = &f
	}
	return &c
}
