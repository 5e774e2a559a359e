package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToken_NilIsNotAbsent(t *testing.T) {
	tok := NewToken("abc")
	tok.Set("Loop.Cursor", nil)

	v, ok := tok.Get("Loop.Cursor")
	assert.True(t, ok)
	assert.Nil(t, v)

	_, ok = tok.Get("Loop.Other")
	assert.False(t, ok)
}

func TestToken_PortParams(t *testing.T) {
	tok := NewToken("abc")
	tok.Set(PortKey("", "End", "In", "Total"), 6)
	tok.Set(PortKey("", "End", "In", "Label"), "sum")
	tok.Set(StepKey("", "End", "In"), "step param named like a port")
	tok.Set(PortKey(CallScope("", "Sub"), "End", "In", "Total"), 1)

	assert.Equal(t, map[string]any{"Total": 6, "Label": "sum"}, tok.PortParams("End.In"))

	tok.ClearPort("End.In")
	assert.Empty(t, tok.PortParams("End.In"))
	assert.Len(t, tok.Params, 2)
}

func TestToken_ClearScope(t *testing.T) {
	tok := NewToken("abc")
	scope := CallScope("", "Sub")
	tok.Set(PortKey("", "Sub", "In", "X"), 1)
	tok.Set(StepKey(scope, "Loop", "Cursor"), 2)
	tok.Joins[StepKey(scope, "Merge", "")] = []string{"A.Out"}

	tok.ClearScope(scope)

	assert.Equal(t, map[string]any{"Sub.In.X": 1}, tok.Params)
	assert.Empty(t, tok.Joins)
}

func TestToken_Cursors(t *testing.T) {
	tok := NewToken("abc")
	a := tok.AddCursor(Cursor{Step: "A", Port: "In"})
	assert.Equal(t, 1, a.ID)
	b := tok.AddCursor(Cursor{Step: "B", Port: "In", Waiting: true})
	assert.Equal(t, 2, b.ID)

	run, ok := tok.Runnable()
	require.True(t, ok)
	assert.Equal(t, "A", run.Step)

	tok.RemoveCursor(1)
	_, ok = tok.Runnable()
	assert.False(t, ok)

	c := tok.AddCursor(Cursor{Step: "C"})
	assert.Equal(t, 3, c.ID, "ids are never reused")
}

func TestToken_CloneIsIndependent(t *testing.T) {
	tok := NewToken("abc")
	tok.Set("A.x", 1)
	tok.AddCursor(Cursor{Step: "A", Stack: []Frame{{Step: "Call"}}})
	tok.Joins["J"] = []string{"A.Out"}
	tok.History = []string{"A.Out"}

	c := tok.Clone()
	c.Set("A.x", 2)
	c.Cursors[0].Stack[0].Step = "Other"
	c.Joins["J"][0] = "B.Out"
	c.History[0] = "B.Out"

	assert.Equal(t, 1, tok.Params["A.x"])
	assert.Equal(t, "Call", tok.Cursors[0].Stack[0].Step)
	assert.Equal(t, "A.Out", tok.Joins["J"][0])
	assert.Equal(t, "A.Out", tok.History[0])
}

func TestEngineError(t *testing.T) {
	cause := errors.New("boom")
	err := Fatal(CodeHandlerNotFound, "Loop", cause)

	assert.ErrorIs(t, err, cause)
	assert.True(t, IsUnrecoverable(err))
	assert.Equal(t, "handler_not_found at Loop: boom", err.Error())

	assert.False(t, IsUnrecoverable(StepFailed("Loop", cause)))
	assert.Equal(t, CodeHandlerFailed, CodeOf(cause))

	f := NewFailure(err, "Loop", "Next")
	assert.Equal(t, CodeHandlerNotFound, f.Code)
	assert.True(t, IsUnrecoverable(f.Err()))
}
