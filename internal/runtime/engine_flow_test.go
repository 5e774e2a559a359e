package runtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/aretw0/stepflow/internal/runtime"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/handler"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tag(_ context.Context, inv *handler.Invocation) handler.Result {
	inv.SetParam(inv.Step(), true)
	return handler.Done()
}

func TestEngine_FanOutJoin(t *testing.T) {
	f := newFixture(t, map[string]string{"/m/Fork": `
name: Fork
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Left}, {to: Right}]}]}
  - {name: Left, handler: tag, exits: [{name: Out, links: [{to: Merge}]}]}
  - {name: Right, handler: tag, exits: [{name: Out, links: [{to: Merge}]}]}
  - {name: Merge, kind: join, exits: [{name: Out, links: [{to: End}]}]}
  - {name: End, kind: end}
`})
	f.registry.RegisterFunc("tag", tag)

	token := f.run(t, "/m/Fork", nil)
	require.Equal(t, domain.StatusCompleted, token.Status)

	out, err := f.engine.Outputs(token)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Left": true, "Right": true}, out)
	assert.Equal(t, []string{"Merge.Out"}, historyOf(token, "Merge"), "join fires once")
	assert.Empty(t, token.Joins)
}

func TestEngine_JoinWaitsForEveryBranch(t *testing.T) {
	f := newFixture(t, map[string]string{"/m/Fork": `
name: Fork
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Left}, {to: Gate}]}]}
  - {name: Left, handler: tag, exits: [{name: Out, links: [{to: Merge}]}]}
  - {name: Gate, kind: wait, exits: [{name: Out, links: [{to: Merge}]}]}
  - {name: Merge, kind: join, exits: [{name: Out, links: [{to: End}]}]}
  - {name: End, kind: end}
`})
	f.registry.RegisterFunc("tag", tag)
	ctx := context.Background()

	token := f.run(t, "/m/Fork", nil)
	require.Equal(t, domain.StatusWaiting, token.Status)
	assert.Equal(t, []string{"Left.Out"}, token.Joins["Merge"])
	assert.Empty(t, historyOf(token, "Merge"))

	require.NoError(t, f.engine.Resume(ctx, token, "Gate", map[string]any{"Opened": true}))
	require.NoError(t, f.engine.AdvanceUntilBlocked(ctx, token))
	require.Equal(t, domain.StatusCompleted, token.Status)

	out, err := f.engine.Outputs(token)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Left": true, "Opened": true}, out)
}

func TestEngine_JoinBypassedFailsToken(t *testing.T) {
	f := newFixture(t, map[string]string{"/m/Fork": `
name: Fork
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Left}, {to: Right}]}]}
  - {name: Left, handler: tag, exits: [{name: Out, links: [{to: Merge}]}]}
  - {name: Right, kind: branch, exits: [{name: Skip, links: [{to: Early}]}, {name: Join, condition: "false", links: [{to: Merge}]}]}
  - {name: Merge, kind: join, exits: [{name: Out, links: [{to: End}]}]}
  - {name: End, kind: end}
  - {name: Early, kind: end}
`}, runtime.WithConditionEvaluator(func(context.Context, string, map[string]any) (bool, error) {
		return false, nil
	}))
	f.registry.RegisterFunc("tag", tag)

	token := f.run(t, "/m/Fork", nil)
	require.Equal(t, domain.StatusFailed, token.Status)
	require.NotNil(t, token.Failure)
	assert.Equal(t, domain.CodeJoinStalled, token.Failure.Code)
	assert.Equal(t, "Merge", token.Failure.Step)
	assert.Contains(t, token.Failure.Message, "Left.Out")
}

func TestEngine_CallSubProcess(t *testing.T) {
	f := newFixture(t, map[string]string{
		"/m/Parent": `
name: Parent
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Double}]}]}
  - {name: Double, kind: call, process: Child, exits: [{name: Done, links: [{to: End}]}]}
  - {name: End, kind: end}
`,
		"/m/Child": `
name: Child
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Twice}]}]}
  - {name: Twice, handler: double, exits: [{name: Out, links: [{to: Done}]}]}
  - {name: Done, kind: end}
`,
	})
	f.registry.RegisterFunc("double", func(_ context.Context, inv *handler.Invocation) handler.Result {
		v, _ := inv.Param("Value")
		inv.SetParam("Value", v.(int)*2)
		assert.Equal(t, "/m/Child", inv.Process().String())
		return handler.Done()
	})

	token := f.run(t, "/m/Parent", map[string]any{"Value": 21})
	require.Equal(t, domain.StatusCompleted, token.Status, "failure: %+v", token.Failure)

	out, err := f.engine.Outputs(token)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Value": 42}, out)

	assert.Contains(t, token.History, "@Double.Twice.Out")
	assert.Contains(t, token.History, "Double.Done")
	for key := range token.Params {
		assert.False(t, strings.HasPrefix(key, "@Double."), "sub-process scope %q survived the return", key)
	}
}

func TestEngine_CallWaitsInsideSubProcess(t *testing.T) {
	f := newFixture(t, map[string]string{
		"/m/Parent": `
name: Parent
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Ask}]}]}
  - {name: Ask, kind: call, process: /other/Approval, exits: [{name: Out, links: [{to: End}]}]}
  - {name: End, kind: end}
`,
		"/other/Approval": `
name: Approval
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Gate}]}]}
  - {name: Gate, kind: wait, exits: [{name: Out, links: [{to: Approved}]}]}
  - {name: Approved, kind: end}
`,
	})
	ctx := context.Background()

	token := f.run(t, "/m/Parent", nil)
	require.Equal(t, domain.StatusWaiting, token.Status)
	require.Len(t, token.Cursors, 1)
	assert.Equal(t, "/other/Approval", token.Cursors[0].Process.String())
	assert.Len(t, token.Cursors[0].Stack, 1)

	require.NoError(t, f.engine.Resume(ctx, token, "@Ask.Gate.Resume", map[string]any{"By": "ana"}))
	require.NoError(t, f.engine.AdvanceUntilBlocked(ctx, token))
	require.Equal(t, domain.StatusCompleted, token.Status, "failure: %+v", token.Failure)

	out, err := f.engine.Outputs(token)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"By": "ana"}, out)
}

func TestEngine_WaitAndResume(t *testing.T) {
	f := newFixture(t, map[string]string{"/m/Approval": `
name: Approval
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Approve}]}]}
  - {name: Approve, kind: wait, exits: [{name: Out, links: [{to: End}]}]}
  - {name: End, kind: end}
`})
	ctx := context.Background()

	token := f.run(t, "/m/Approval", nil)
	require.Equal(t, domain.StatusWaiting, token.Status)
	require.Len(t, token.Cursors, 1)
	assert.True(t, token.Cursors[0].Waiting)
	assert.Equal(t, "Resume", token.Cursors[0].ResumePort)

	assert.ErrorIs(t, f.engine.Resume(ctx, token, "Elsewhere", nil), domain.ErrNotWaiting)
	assert.NoError(t, f.engine.AdvanceUntilBlocked(ctx, token), "advancing a waiting token is a no-op")
	assert.Equal(t, domain.StatusWaiting, token.Status)

	require.NoError(t, f.engine.Resume(ctx, token, "Approve.Resume", map[string]any{"Approved": true}))
	assert.Equal(t, domain.StatusRunning, token.Status)
	require.NoError(t, f.engine.AdvanceUntilBlocked(ctx, token))
	require.Equal(t, domain.StatusCompleted, token.Status)

	out, err := f.engine.Outputs(token)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Approved": true}, out)

	assert.ErrorIs(t, f.engine.Resume(ctx, token, "", nil), domain.ErrTokenTerminal)
}

func TestEngine_WaitCarriesParameters(t *testing.T) {
	f := newFixture(t, map[string]string{"/m/Hold": `
name: Hold
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Hold}]}]}
  - {name: Hold, kind: wait, exits: [{name: Out, links: [{to: End}]}]}
  - {name: End, kind: end}
`})
	ctx := context.Background()

	token := f.run(t, "/m/Hold", map[string]any{"Order": "o-1", "Ok": false})
	require.Equal(t, domain.StatusWaiting, token.Status)
	_, ok := token.Get("Hold.In.Order")
	assert.False(t, ok, "entry parameters move to the resume port")

	require.NoError(t, f.engine.Resume(ctx, token, "Hold", map[string]any{"Ok": true}))
	require.NoError(t, f.engine.AdvanceUntilBlocked(ctx, token))
	require.Equal(t, domain.StatusCompleted, token.Status, "failure: %+v", token.Failure)

	out, err := f.engine.Outputs(token)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Order": "o-1", "Ok": true}, out)
	for key := range token.Params {
		assert.False(t, strings.HasPrefix(key, "Hold."), "parameter %q of the wait step survived", key)
	}
}

func TestEngine_HandlerSuspends(t *testing.T) {
	f := newFixture(t, map[string]string{"/m/Chat": `
name: Chat
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Ask}]}]}
  - name: Ask
    handler: ask
    params: [Question]
    entries: [{name: In}, {name: Answer, requires: [Question]}]
    exits: [{name: Out, links: [{to: End}]}]
  - {name: End, kind: end}
`})
	f.registry.RegisterFunc("ask", func(_ context.Context, inv *handler.Invocation) handler.Result {
		if inv.EntryPort() == "In" {
			inv.SetStepParam("Question", "continue?")
			if err := inv.Suspend("Answer"); err != nil {
				return handler.Fail(err)
			}
			return handler.Done()
		}
		q, _ := inv.StepParam("Question")
		inv.SetParam("Question", q)
		return handler.Pass()
	})
	ctx := context.Background()

	token := f.run(t, "/m/Chat", map[string]any{"Topic": "billing"})
	require.Equal(t, domain.StatusWaiting, token.Status)
	assert.Equal(t, "Answer", token.Cursors[0].ResumePort)
	_, ok := token.Get("Ask.In.Topic")
	assert.False(t, ok, "a suspended handler drops its entry parameters")

	require.NoError(t, f.engine.Resume(ctx, token, "Ask", map[string]any{"Reply": "yes"}))
	require.NoError(t, f.engine.AdvanceUntilBlocked(ctx, token))

	out, err := f.engine.Outputs(token)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Reply": "yes", "Question": "continue?"}, out)
}

func TestEngine_StepParamsSurviveStorage(t *testing.T) {
	f := newFixture(t, map[string]string{"/m/Count": `
name: Count
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Twice}]}]}
  - name: Twice
    handler: twice
    params: ["N:int", "Rate:float"]
    entries: [{name: In}, {name: Again, requires: [N]}]
    exits: [{name: Out, links: [{to: End}]}]
  - {name: End, kind: end}
`})
	f.registry.RegisterFunc("twice", func(_ context.Context, inv *handler.Invocation) handler.Result {
		if inv.EntryPort() == "In" {
			inv.SetStepParam("N", 21)
			inv.SetStepParam("Rate", 2.0)
			if err := inv.Suspend("Again"); err != nil {
				return handler.Fail(err)
			}
			return handler.Done()
		}
		n, err := inv.RequireStepParam("N")
		if err != nil {
			return handler.Fail(err)
		}
		rate, _ := inv.StepParam("Rate")
		inv.SetParam("N", n.(int)*2)
		inv.SetParam("Rate", rate.(float64))
		return handler.Done()
	})
	ctx := context.Background()

	token := f.run(t, "/m/Count", nil)
	require.Equal(t, domain.StatusWaiting, token.Status)

	data, err := json.Marshal(token)
	require.NoError(t, err)
	var stored domain.Token
	require.NoError(t, json.Unmarshal(data, &stored))

	require.NoError(t, f.engine.Resume(ctx, &stored, "Twice", nil))
	require.NoError(t, f.engine.AdvanceUntilBlocked(ctx, &stored))
	require.Equal(t, domain.StatusCompleted, stored.Status, "failure: %+v", stored.Failure)

	out, err := f.engine.Outputs(&stored)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"N": 42, "Rate": 2.0}, out)
}

func TestEngine_Cancel(t *testing.T) {
	f := newFixture(t, map[string]string{"/m/Approval": `
name: Approval
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Approve}]}]}
  - {name: Approve, kind: wait, exits: [{name: Out, links: [{to: End}]}]}
  - {name: End, kind: end}
`})
	ctx := context.Background()

	token := f.run(t, "/m/Approval", nil)
	require.Equal(t, domain.StatusWaiting, token.Status)

	require.NoError(t, f.engine.Cancel(ctx, token, "customer withdrew"))
	assert.Equal(t, domain.StatusCancelled, token.Status)
	assert.Equal(t, domain.CodeCancelled, token.Failure.Code)
	assert.Equal(t, "customer withdrew", token.Failure.Message)

	assert.ErrorIs(t, f.engine.Cancel(ctx, token, ""), domain.ErrTokenTerminal)
	assert.ErrorIs(t, f.engine.Resume(ctx, token, "", nil), domain.ErrTokenTerminal)
}

func TestEngine_ModelResetBetweenSteps(t *testing.T) {
	const v1 = `
name: Versioned
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Gate}]}]}
  - {name: Gate, kind: wait, exits: [{name: Out, links: [{to: End}]}]}
  - {name: End, kind: end}
`
	const v2 = `
name: Versioned
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Gate}]}]}
  - {name: Gate, kind: wait, exits: [{name: Out, links: [{to: Mark}]}]}
  - {name: Mark, handler: mark, exits: [{name: Out, links: [{to: End}]}]}
  - {name: End, kind: end}
`
	f := newFixture(t, map[string]string{"/m/Versioned": v1})
	f.registry.RegisterFunc("mark", func(_ context.Context, inv *handler.Invocation) handler.Result {
		inv.SetParam("Version", 2)
		return handler.Done()
	})
	ctx := context.Background()

	token := f.run(t, "/m/Versioned", nil)
	require.Equal(t, domain.StatusWaiting, token.Status)
	old, err := f.models.Load(ctx, qualifier.Must("/m/Versioned"))
	require.NoError(t, err)

	f.source.Put(qualifier.Must("/m/Versioned"), v2)
	require.NoError(t, f.models.ModelReset(ctx))

	require.NoError(t, f.engine.Resume(ctx, token, "Gate", nil))
	require.NoError(t, f.engine.AdvanceUntilBlocked(ctx, token))

	out, err := f.engine.Outputs(token)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Version": 2}, out)
	assert.Len(t, old.Steps, 3, "the old definition is untouched")
}

func TestEngine_ModelResetMidStep(t *testing.T) {
	const before = `
name: Hot
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Swap}]}]}
  - {name: Swap, handler: swap, exits: [{name: Out, links: [{to: Next}]}]}
  - {name: Next, handler: tag, exits: [{name: Out, links: [{to: End}]}]}
  - {name: End, kind: end}
`
	const after = `
name: Hot
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Swap}]}]}
  - {name: Swap, handler: swap, exits: [{name: Out, links: [{to: Gone}]}]}
  - {name: Gone, kind: end}
  - {name: Next, handler: mark, exits: [{name: Out, links: [{to: End}]}]}
  - {name: End, kind: end}
`
	f := newFixture(t, map[string]string{"/m/Hot": before})
	f.registry.RegisterFunc("tag", tag)
	f.registry.RegisterFunc("mark", func(_ context.Context, inv *handler.Invocation) handler.Result {
		inv.SetParam("Version", 2)
		return handler.Done()
	})
	f.registry.RegisterFunc("swap", func(ctx context.Context, inv *handler.Invocation) handler.Result {
		f.source.Put(qualifier.Must("/m/Hot"), after)
		if err := f.models.ModelReset(ctx); err != nil {
			return handler.Fail(err)
		}
		return handler.Done()
	})

	token := f.run(t, "/m/Hot", nil)
	require.Equal(t, domain.StatusCompleted, token.Status, "failure: %+v", token.Failure)

	assert.Equal(t, "End.In", token.OutputKey, "the running step followed its original links")
	out, err := f.engine.Outputs(token)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Version": 2}, out, "later steps use the new definition")
}

func TestEngine_Branch(t *testing.T) {
	const route = `
name: Route
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Size}]}]}
  - name: Size
    kind: branch
    exits:
      - {name: Big, condition: big, links: [{to: BigEnd}]}
      - {name: Small, links: [{to: SmallEnd}]}
  - {name: BigEnd, kind: end}
  - {name: SmallEnd, kind: end}
`
	eval := func(_ context.Context, expr string, vars map[string]any) (bool, error) {
		if expr != "big" {
			return false, errors.New("unknown expression")
		}
		return vars["Amount"].(int) > 100, nil
	}
	f := newFixture(t, map[string]string{"/m/Route": route}, runtime.WithConditionEvaluator(eval))

	big := f.run(t, "/m/Route", map[string]any{"Amount": 500})
	assert.Equal(t, "BigEnd.In", big.OutputKey)
	assert.Contains(t, big.History, "Size.Big")

	small := f.run(t, "/m/Route", map[string]any{"Amount": 5})
	assert.Equal(t, "SmallEnd.In", small.OutputKey)

	noEval := newFixture(t, map[string]string{"/m/Route": route})
	failed := noEval.run(t, "/m/Route", map[string]any{"Amount": 5})
	require.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, domain.CodeCondition, failed.Failure.Code)
}

func TestEngine_LifecycleHooks(t *testing.T) {
	var entered, left []string
	var statuses []string
	hooks := domain.LifecycleHooks{
		OnStepEnter: func(_ context.Context, ev *domain.StepEvent) {
			entered = append(entered, ev.Step)
		},
		OnStepLeave: func(_ context.Context, ev *domain.StepEvent) {
			left = append(left, qualifier.Join(ev.Step, ev.Exit))
		},
		OnTokenStatus: func(_ context.Context, ev *domain.StatusEvent) {
			statuses = append(statuses, string(ev.From)+">"+string(ev.To))
		},
	}
	f := newFixture(t, map[string]string{"/m/Simple": simpleProcess}, runtime.WithLifecycleHooks(hooks))
	f.run(t, "/m/Simple", nil)

	assert.Equal(t, []string{"Start", "Work", "End"}, entered)
	assert.Equal(t, []string{"Start.Out", "Work.Out", "End"}, left)
	assert.Equal(t, []string{"NEW>RUNNING", "RUNNING>COMPLETED"}, statuses)
}
