package runtime_test

import (
	"context"
	"testing"

	"github.com/aretw0/stepflow/internal/runtime"
	"github.com/aretw0/stepflow/pkg/adapters/memory"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/handler"
	"github.com/aretw0/stepflow/pkg/model"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"github.com/stretchr/testify/require"
)

const sumProcess = `
name: Sum
steps:
  - name: Start
    kind: start
    exits:
      - name: Out
        params: ["Collection:[int]"]
        links: [{to: Loop}]
  - name: Loop
    handler: iterate
    params: [Cursor]
    entries:
      - name: In
        params: [{name: Collection, type: "[int]", required: true}]
      - name: Next
        requires: [Cursor]
    exits:
      - name: Loop
        params: ["Element:int"]
        links: [{to: Add}]
      - name: Out
        links: [{to: End, map: {Total: Add.Total}}]
  - name: Add
    handler: add
    params: ["Total:int"]
    entries: [{name: In, params: ["Element:int"]}]
    exits:
      - name: Out
        links: [{to: Loop.Next}]
  - name: End
    kind: end
    entries: [{name: In, params: ["Total:int"]}]
`

const simpleProcess = `
name: Simple
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Work}]}]}
  - {name: Work, handler: noop, exits: [{name: Out, links: [{to: End}]}]}
  - name: End
    kind: end
    entries: [{name: In, params: [{name: Note, default: none}]}]
`

type fixture struct {
	engine   *runtime.Engine
	source   *memory.Source
	models   *model.Manager
	registry *handler.Registry
}

func newFixture(t *testing.T, defs map[string]string, opts ...runtime.EngineOption) *fixture {
	t.Helper()
	src, err := memory.NewSource(defs)
	require.NoError(t, err)

	f := &fixture{
		source:   src,
		models:   model.NewManager(src),
		registry: handler.NewRegistry(),
	}
	f.registry.RegisterFunc("iterate", iterate)
	f.registry.RegisterFunc("add", add)
	f.registry.RegisterFunc("noop", func(context.Context, *handler.Invocation) handler.Result {
		return handler.Done()
	})
	f.engine = runtime.NewEngine(f.models, f.registry, opts...)
	return f
}

// start creates and starts a token without advancing it.
func (f *fixture) start(t *testing.T, entry string, params map[string]any) *domain.Token {
	t.Helper()
	token := f.engine.CreateToken()
	require.NoError(t, f.engine.StartToken(context.Background(), token, qualifier.Must(entry), params))
	return token
}

// run starts a token and advances it until it blocks.
func (f *fixture) run(t *testing.T, entry string, params map[string]any) *domain.Token {
	t.Helper()
	token := f.start(t, entry, params)
	require.NoError(t, f.engine.AdvanceUntilBlocked(context.Background(), token))
	return token
}

func choose(inv *handler.Invocation, exit string) handler.Result {
	if err := inv.ChooseExitPort(exit); err != nil {
		return handler.Fail(err)
	}
	return handler.Done()
}

// iterate emits one element per invocation, carrying the rest in the Cursor step
// parameter between the In and Next entries.
func iterate(_ context.Context, inv *handler.Invocation) handler.Result {
	var remaining []any
	if inv.EntryPort() == "In" {
		v, _ := inv.Param("Collection")
		remaining, _ = v.([]any)
	} else {
		v, err := inv.RequireStepParam("Cursor")
		if err != nil {
			return handler.Fail(err)
		}
		remaining, _ = v.([]any)
	}

	if len(remaining) == 0 {
		inv.SetStepParam("Cursor", []any{})
		return choose(inv, "Out")
	}
	inv.SetParam("Element", remaining[0])
	inv.SetStepParam("Cursor", remaining[1:])
	return choose(inv, "Loop")
}

func add(_ context.Context, inv *handler.Invocation) handler.Result {
	total := 0
	if v, ok := inv.StepParam("Total"); ok {
		total = v.(int)
	}
	elem, _ := inv.Param("Element")
	total += elem.(int)
	inv.SetStepParam("Total", total)
	inv.SetParam("Total", total)
	return handler.Done()
}

func historyOf(token *domain.Token, step string) []string {
	var out []string
	for _, h := range token.History {
		if len(h) > len(step) && h[:len(step)+1] == step+"." {
			out = append(out, h)
		}
	}
	return out
}
