package stepflow_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/stepflow"
	"github.com/aretw0/stepflow/pkg/adapters/memory"
	"github.com/aretw0/stepflow/pkg/adapters/sqlite"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/handler"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const route = `
name: Route
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Size}]}]}
  - name: Size
    kind: branch
    exits:
      - {name: Big, condition: "Amount > 100", links: [{to: BigEnd}]}
      - {name: Small, links: [{to: SmallEnd}]}
  - {name: BigEnd, kind: end}
  - {name: SmallEnd, kind: end}
`

const approval = `
name: Approval
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Approve}]}]}
  - {name: Approve, kind: wait, exits: [{name: Out, links: [{to: End}]}]}
  - {name: End, kind: end}
`

const greet = `
name: Greet
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Hello}]}]}
  - {name: Hello, handler: hello, exits: [{name: Out, links: [{to: End}]}]}
  - {name: End, kind: end}
`

func newSource(t *testing.T) *memory.Source {
	t.Helper()
	src, err := memory.NewSource(map[string]string{
		"/orders/Route":    route,
		"/orders/Approval": approval,
		"/orders/Greet":    greet,
	})
	require.NoError(t, err)
	return src
}

func TestNew_RequiresSource(t *testing.T) {
	_, err := stepflow.New(nil)
	assert.Error(t, err)
}

type staticSource struct{}

func (staticSource) Load(context.Context, qualifier.Qualifier) ([]byte, error) {
	return nil, domain.ErrProcessNotFound
}

func (staticSource) List(context.Context) ([]qualifier.Qualifier, error) { return nil, nil }

func TestNew_WatchNeedsWatchableSource(t *testing.T) {
	_, err := stepflow.New(staticSource{}, stepflow.WithWatch(true))
	assert.Error(t, err)

	_, err = stepflow.New(newSource(t), stepflow.WithWatch(true))
	assert.NoError(t, err)
}

func TestEngine_LuaBranch(t *testing.T) {
	eng, err := stepflow.New(newSource(t))
	require.NoError(t, err)
	ctx := context.Background()

	big, err := eng.Start(ctx, qualifier.Must("/orders/Route"), map[string]any{"Amount": 500})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, big.Status)
	assert.Contains(t, big.History, "Size.Big")

	small, err := eng.Start(ctx, qualifier.Must("/orders/Route"), map[string]any{"Amount": 5})
	require.NoError(t, err)
	assert.Contains(t, small.History, "Size.Small")
}

func TestEngine_WaitAndResume(t *testing.T) {
	eng, err := stepflow.New(newSource(t))
	require.NoError(t, err)
	ctx := context.Background()

	token, err := eng.Start(ctx, qualifier.Must("/orders/Approval"), nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusWaiting, token.Status)

	_, err = eng.Outputs(ctx, token.ID)
	assert.ErrorIs(t, err, domain.ErrTokenNotCompleted)

	token, err = eng.Resume(ctx, token.ID, "Approve", map[string]any{"By": "ana"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, token.Status)

	out, err := eng.Outputs(ctx, token.ID)
	require.NoError(t, err)
	assert.Equal(t, "ana", out["By"])

	stored, err := eng.Get(ctx, token.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
}

func TestEngine_Cancel(t *testing.T) {
	eng, err := stepflow.New(newSource(t))
	require.NoError(t, err)
	ctx := context.Background()

	token, err := eng.Start(ctx, qualifier.Must("/orders/Approval"), nil)
	require.NoError(t, err)

	token, err = eng.Cancel(ctx, token.ID, "withdrawn")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, token.Status)
}

func TestEngine_HandlersAndHooks(t *testing.T) {
	var mu sync.Mutex
	var steps []string
	var diffs int
	hooks := domain.LifecycleHooks{
		OnStepEnter: func(_ context.Context, e *domain.StepEvent) {
			mu.Lock()
			defer mu.Unlock()
			steps = append(steps, e.Step)
		},
	}
	count := func(context.Context, *domain.TokenDiff) {
		mu.Lock()
		defer mu.Unlock()
		diffs++
	}

	eng, err := stepflow.New(newSource(t),
		stepflow.WithLifecycleHooks(hooks),
		stepflow.WithDiffListener(count),
		stepflow.WithDiffListener(count),
	)
	require.NoError(t, err)
	eng.Handlers.RegisterFunc("hello", func(_ context.Context, inv *handler.Invocation) handler.Result {
		inv.SetParam("Greeting", "hello")
		return handler.Done()
	})

	token, err := eng.Start(context.Background(), qualifier.Must("/orders/Greet"), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, token.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Start", "Hello", "End"}, steps)
	assert.Positive(t, diffs)
	assert.Zero(t, diffs%2, "every listener sees every diff")
}

func TestEngine_Validate(t *testing.T) {
	src := newSource(t)
	eng, err := stepflow.New(src)
	require.NoError(t, err)

	// Greet names a handler nobody registered.
	processes, err := eng.Validate(context.Background())
	require.Error(t, err)
	assert.Len(t, processes, 3)
	assert.Contains(t, err.Error(), "/orders/Greet")
	assert.NotContains(t, err.Error(), "/orders/Route")

	eng.Handlers.RegisterFunc("hello", func(context.Context, *handler.Invocation) handler.Result {
		return handler.Done()
	})
	eng.Models.Reset()
	_, err = eng.Validate(context.Background())
	assert.NoError(t, err)
}

func TestEngine_ModelNotificationInvalidatesCache(t *testing.T) {
	src := newSource(t)
	eng, err := stepflow.New(src)
	require.NoError(t, err)
	ctx := context.Background()
	q := qualifier.Must("/orders/Approval")

	def, err := eng.Models.Load(ctx, q)
	require.NoError(t, err)
	require.Len(t, def.Steps, 3)

	src.Put(q, `
name: Approval
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: End}]}]}
  - {name: End, kind: end}
`)
	def, err = eng.Models.Load(ctx, q)
	require.NoError(t, err)
	assert.Len(t, def.Steps, 3, "cached until notified")

	require.NoError(t, eng.Notifier.ModelUpdated(ctx, q, domain.ModeUpdated))
	def, err = eng.Models.Load(ctx, q)
	require.NoError(t, err)
	assert.Len(t, def.Steps, 2)
}

func TestEngine_RunDrainsReadyQueue(t *testing.T) {
	queue := memory.NewQueue(16)
	eng, err := stepflow.New(newSource(t),
		stepflow.WithReadyQueue(queue),
		stepflow.WithRequestQueue(queue),
		stepflow.WithWorkers(2),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	token, err := eng.Start(ctx, qualifier.Must("/orders/Route"), map[string]any{"Amount": 1})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		got, err := eng.Get(ctx, token.ID)
		return err == nil && got.Status == domain.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestEngine_RunRequeuesRunningTokens(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	before, err := stepflow.New(newSource(t), stepflow.WithStore(store), stepflow.WithReadyQueue(memory.NewQueue(4)))
	require.NoError(t, err)
	token, err := before.Start(ctx, qualifier.Must("/orders/Route"), map[string]any{"Amount": 1})
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, token.Status)

	after, err := stepflow.New(newSource(t), stepflow.WithStore(store), stepflow.WithReadyQueue(memory.NewQueue(4)))
	require.NoError(t, err)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = after.Run(runCtx) }()

	assert.Eventually(t, func() bool {
		got, err := after.Get(ctx, token.ID)
		return err == nil && got.Status == domain.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

const counter = `
name: Counter
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Twice}]}]}
  - name: Twice
    handler: twice
    params: ["N:int"]
    entries: [{name: In}, {name: Again, requires: [N]}]
    exits: [{name: Out, links: [{to: End}]}]
  - {name: End, kind: end}
`

func TestEngine_SQLiteKeepsIntParameters(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "stepflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	src, err := memory.NewSource(map[string]string{"/demo/Counter": counter})
	require.NoError(t, err)
	eng, err := stepflow.New(src, stepflow.WithStore(db), stepflow.WithTransactor(db))
	require.NoError(t, err)
	eng.Handlers.RegisterFunc("twice", func(_ context.Context, inv *handler.Invocation) handler.Result {
		if inv.EntryPort() == "In" {
			inv.SetStepParam("N", 21)
			if err := inv.Suspend("Again"); err != nil {
				return handler.Fail(err)
			}
			return handler.Done()
		}
		n, err := inv.RequireStepParam("N")
		if err != nil {
			return handler.Fail(err)
		}
		inv.SetParam("N", n.(int)*2)
		return handler.Done()
	})

	token, err := eng.Start(ctx, qualifier.Must("/demo/Counter"), map[string]any{"Batch": 7})
	require.NoError(t, err)
	require.Equal(t, domain.StatusWaiting, token.Status)

	token, err = eng.Resume(ctx, token.ID, "Twice", nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, token.Status, "failure: %+v", token.Failure)

	out, err := eng.Outputs(ctx, token.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"N": 42}, out)
}
