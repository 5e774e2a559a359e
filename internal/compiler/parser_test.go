package compiler

import (
	"testing"

	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loopYAML = `
name: Sum
on_error: Failed
steps:
  - name: Start
    kind: start
    exits:
      - name: Out
        params: ["Collection:[int]"]
        links: [{to: Loop.In}]
  - name: Loop
    handler: iterate
    params: [Cursor]
    entries:
      - name: In
        params: [{name: Collection, type: "[int]", required: true}]
      - name: Next
        requires: [Cursor]
      - name: Error
        error: true
    exits:
      - name: Loop
        links: [{to: Add}]
      - name: Out
        links: [{to: End.In, map: {Total: Add.Total}}]
  - name: Wait
    kind: wait
  - name: End
    kind: end
`

func TestParse_YAML(t *testing.T) {
	def, err := NewParser().Parse([]byte(loopYAML))
	require.NoError(t, err)

	assert.Equal(t, "Sum", def.Name)
	assert.Equal(t, "Failed", def.OnError)
	require.Len(t, def.Steps, 4)

	loop, ok := def.Step("Loop")
	require.True(t, ok)
	assert.Equal(t, domain.KindHandler, loop.Kind, "kind defaults to handler")
	assert.Equal(t, "iterate", loop.Handler)
	assert.Equal(t, []domain.ParamDecl{{Name: "Cursor"}}, loop.Params)

	next, ok := loop.Entry("Next")
	require.True(t, ok)
	assert.Equal(t, []string{"Cursor"}, next.Requires)

	errPort, ok := loop.ErrorEntry()
	require.True(t, ok)
	assert.Equal(t, "Error", errPort.Name)

	in, ok := loop.DefaultEntry()
	require.True(t, ok)
	assert.Equal(t, "In", in.Name)
	decl, ok := in.Param("Collection")
	require.True(t, ok)
	assert.True(t, decl.Required)

	out, ok := loop.Exit("Out")
	require.True(t, ok)
	assert.Equal(t, []domain.Link{{Step: "End", Port: "In", Map: map[string]string{"Total": "Add.Total"}}}, out.Links)

	back, ok := loop.Exit("Loop")
	require.True(t, ok)
	assert.Equal(t, "Add", back.Links[0].Step)
	assert.Empty(t, back.Links[0].Port)

	start, _ := def.Step("Start")
	assert.Equal(t, []domain.ParamDecl{{Name: "Collection", Type: "[int]"}}, start.Exits[0].Params)
}

func TestParse_StructuralDefaults(t *testing.T) {
	def, err := NewParser().Parse([]byte(loopYAML))
	require.NoError(t, err)

	wait, _ := def.Step("Wait")
	assert.Equal(t, []domain.Port{{Name: "In"}, {Name: "Resume"}}, wait.Entries)
	assert.Equal(t, []domain.Port{{Name: "Out"}}, wait.Exits)

	end, _ := def.Step("End")
	assert.Equal(t, []domain.Port{{Name: "In"}}, end.Entries)
	assert.Empty(t, end.Exits)
}

func TestParse_JSON(t *testing.T) {
	data := []byte(`{
  "name": "Tiny",
  "steps": [
    {"name": "Start", "kind": "start", "exits": [{"name": "Out", "links": [{"to": "End"}]}]},
    {"name": "End", "kind": "end"}
  ]
}`)

	def, err := NewParser().Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "Tiny", def.Name)
	assert.Len(t, def.Starts(), 1)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"syntax", "name: [unclosed"},
		{"empty", ""},
		{"missing name", "steps: []"},
		{"unknown field", "name: X\nsteps: []\ncolour: red"},
		{"link without target", "name: X\nsteps:\n  - name: A\n    exits: [{name: Out, links: [{map: {}}]}]"},
		{"link to other model", "name: X\nsteps:\n  - name: A\n    exits: [{name: Out, links: [{to: /m/B}]}]"},
		{"link too deep", "name: X\nsteps:\n  - name: A\n    exits: [{name: Out, links: [{to: B.In.X}]}]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParser().Parse([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}
