package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/stepflow/pkg/adapters/memory"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/ports"
	contract "github.com/aretw0/stepflow/pkg/ports/tests"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Contract(t *testing.T) {
	ports.RunTokenStoreContract(t, memory.NewStore())
}

func TestMemoryObjects_Contract(t *testing.T) {
	ports.RunObjectStoreContract(t, memory.NewObjects())
}

func TestMemorySource_Contract(t *testing.T) {
	src, err := memory.NewSource(map[string]string{
		"/orders/Checkout": "name: Checkout",
		"Standalone":       "name: Standalone",
	})
	require.NoError(t, err)

	contract.ModelSourceContractTest(t, src, map[qualifier.Qualifier]string{
		qualifier.New("orders", "Checkout"): "Checkout",
		qualifier.New("", "Standalone"):     "Standalone",
	})
}

func TestMemorySource_Watch(t *testing.T) {
	src, err := memory.NewSource(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, err := src.Watch(ctx)
	require.NoError(t, err)

	q := qualifier.New("m", "P")
	src.Put(q, "name: P")
	src.Put(q, "name: P")
	src.Remove(q)

	for _, want := range []domain.UpdateMode{domain.ModeAdded, domain.ModeUpdated, domain.ModeRemoved} {
		select {
		case c := <-changes:
			assert.Equal(t, want, c.Mode)
			assert.True(t, q.Equal(c.Process))
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-changes
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryQueue(t *testing.T) {
	q := memory.NewQueue(2)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "a"))
	require.NoError(t, q.Push(ctx, "b"))
	assert.Equal(t, 2, q.Len())

	full, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Push(full, "c"), context.DeadlineExceeded)

	id, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	req := domain.StartRequest{Process: qualifier.New("m", "P"), Params: map[string]any{"x": 1}}
	require.NoError(t, q.Publish(ctx, req))
	got, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}
