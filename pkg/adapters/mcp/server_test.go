package mcp

import (
	"context"
	"testing"

	"github.com/aretw0/stepflow/internal/runtime"
	"github.com/aretw0/stepflow/pkg/adapters/memory"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/handler"
	"github.com/aretw0/stepflow/pkg/model"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"github.com/aretw0/stepflow/pkg/scheduler"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const approval = `
name: Approval
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Approve}]}]}
  - {name: Approve, kind: wait, exits: [{name: Out, links: [{to: End}]}]}
  - {name: End, kind: end}
`

func newFixture(t *testing.T) (*scheduler.Scheduler, *model.Manager) {
	t.Helper()
	src, err := memory.NewSource(map[string]string{"/orders/Approval": approval})
	require.NoError(t, err)
	models := model.NewManager(src)
	engine := runtime.NewEngine(models, handler.NewRegistry())
	return scheduler.New(engine, memory.NewStore()), models
}

func call(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

func structured[T any](t *testing.T, res *mcp.CallToolResult) T {
	t.Helper()
	require.NotNil(t, res)
	require.False(t, res.IsError, "unexpected tool error: %+v", res.Content)
	v, ok := res.StructuredContent.(T)
	require.True(t, ok, "got %T", res.StructuredContent)
	return v
}

func TestNewServer(t *testing.T) {
	sched, models := newFixture(t)
	s := NewServer(sched, models, "test")
	assert.NotNil(t, s.mcpServer)
}

func TestTokenTools(t *testing.T) {
	sched, _ := newFixture(t)
	ctx := context.Background()

	res, err := startHandler(sched)(ctx, call(map[string]any{"process": "/orders/Approval"}))
	require.NoError(t, err)
	started := structured[TokenResult](t, res)
	assert.Equal(t, domain.StatusWaiting, started.Status)
	assert.Equal(t, "/orders/Approval", started.Process)
	assert.NotEmpty(t, started.Positions)

	res, err = getHandler(sched)(ctx, call(map[string]any{"token_id": started.ID}))
	require.NoError(t, err)
	assert.Equal(t, started.ID, structured[TokenResult](t, res).ID)

	res, err = outputsHandler(sched)(ctx, call(map[string]any{"token_id": started.ID}))
	require.NoError(t, err)
	assert.True(t, res.IsError, "outputs of a waiting token")

	res, err = resumeHandler(sched)(ctx, call(map[string]any{
		"token_id": started.ID,
		"target":   "Approve",
		"params":   map[string]any{"By": "ana"},
	}))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, structured[TokenResult](t, res).Status)

	res, err = outputsHandler(sched)(ctx, call(map[string]any{"token_id": started.ID}))
	require.NoError(t, err)
	assert.Equal(t, "ana", structured[map[string]any](t, res)["By"])
}

func TestCancelTool(t *testing.T) {
	sched, _ := newFixture(t)
	ctx := context.Background()

	token, err := sched.Start(ctx, qualifier.Must("/orders/Approval"), nil)
	require.NoError(t, err)

	res, err := cancelHandler(sched)(ctx, call(map[string]any{"token_id": token.ID, "reason": "no longer needed"}))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, structured[TokenResult](t, res).Status)

	res, err = cancelHandler(sched)(ctx, call(map[string]any{"token_id": token.ID}))
	require.NoError(t, err)
	assert.True(t, res.IsError, "terminal token")
}

func TestToolErrors(t *testing.T) {
	sched, _ := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		handler toolHandler
		args    map[string]any
	}{
		{"start unknown process", startHandler(sched), map[string]any{"process": "/orders/Nope"}},
		{"start bad qualifier", startHandler(sched), map[string]any{"process": ""}},
		{"get without id", getHandler(sched), map[string]any{}},
		{"get unknown", getHandler(sched), map[string]any{"token_id": "missing"}},
		{"resume without target", resumeHandler(sched), map[string]any{"token_id": "x"}},
		{"cancel unknown", cancelHandler(sched), map[string]any{"token_id": "missing"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.handler(ctx, call(tt.args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
		})
	}
}

func TestProcessTools(t *testing.T) {
	_, models := newFixture(t)
	ctx := context.Background()

	res, err := listHandler(models)(ctx, call(nil))
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"processes": {"/orders/Approval"}}, structured[map[string][]string](t, res))

	res, err = describeHandler(models)(ctx, call(map[string]any{"process": "/orders/Approval"}))
	require.NoError(t, err)
	def := structured[*domain.ProcessDefinition](t, res)
	assert.Equal(t, "Approval", def.Name)
	assert.Len(t, def.Steps, 3)

	res, err = describeHandler(models)(ctx, call(map[string]any{"process": "/orders/Nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
