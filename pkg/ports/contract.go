package ports

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunTokenStoreContract runs a suite of tests to verify that a TokenStore
// implementation adheres to the interface contract.
func RunTokenStoreContract(t *testing.T, store TokenStore) {
	ctx := context.Background()
	prefix := "contract-" + time.Now().Format("20060102150405")

	newToken := func(id string) *domain.Token {
		tok := domain.NewToken(id)
		tok.Process = qualifier.New("orders", "Checkout")
		tok.Status = domain.StatusWaiting
		tok.Set("Loop.Cursor", "2")
		tok.Set("Loop.In.Collection", []any{"a", "b"})
		tok.Set("Start.Out.Empty", nil)
		tok.Set("Loop.Count", 21)
		tok.Set("Loop.In.Sizes", []any{1, 2})
		tok.Set("Loop.In.Rate", 0.5)
		tok.AddCursor(domain.Cursor{
			Process:    tok.Process,
			Scope:      domain.CallScope("", "Sub"),
			Step:       "Wait",
			Port:       "In",
			Stack:      []domain.Frame{{Process: tok.Process, Step: "Sub"}},
			Waiting:    true,
			ResumePort: domain.PortResume,
		})
		tok.History = []string{"Start.Out", "Loop.Loop"}
		return tok
	}

	t.Run("Save and Load", func(t *testing.T) {
		id := prefix + "-save"
		tok := newToken(id)

		require.NoError(t, store.Save(ctx, tok), "Save should not return error")

		loaded, err := store.Load(ctx, id)
		require.NoError(t, err, "Load should not return error")
		assert.Equal(t, id, loaded.ID)
		assert.Equal(t, domain.StatusWaiting, loaded.Status)
		assert.True(t, tok.Process.Equal(loaded.Process))
		assert.Equal(t, "2", loaded.Params["Loop.Cursor"])
		assert.Len(t, loaded.Params["Loop.In.Collection"], 2)
		assert.Equal(t, 21, loaded.Params["Loop.Count"], "int parameters read back as int")
		assert.Equal(t, []any{1, 2}, loaded.Params["Loop.In.Sizes"])
		assert.Equal(t, 0.5, loaded.Params["Loop.In.Rate"])

		v, ok := loaded.Get("Start.Out.Empty")
		assert.True(t, ok, "stored nil must survive")
		assert.Nil(t, v)

		require.Len(t, loaded.Cursors, 1)
		assert.Equal(t, tok.Cursors[0], loaded.Cursors[0])
		assert.Equal(t, tok.History, loaded.History)
	})

	t.Run("Save Stores A Copy", func(t *testing.T) {
		id := prefix + "-copy"
		tok := newToken(id)
		require.NoError(t, store.Save(ctx, tok))

		tok.Set("Loop.Cursor", "mutated")
		tok.Status = domain.StatusFailed

		loaded, err := store.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "2", loaded.Params["Loop.Cursor"])
		assert.Equal(t, domain.StatusWaiting, loaded.Status)
	})

	t.Run("Overwrite", func(t *testing.T) {
		id := prefix + "-overwrite"
		tok := newToken(id)
		require.NoError(t, store.Save(ctx, tok))

		tok.Status = domain.StatusCompleted
		tok.Failure = &domain.Failure{Code: domain.CodeStepLimit, Message: "x"}
		require.NoError(t, store.Save(ctx, tok))

		loaded, err := store.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, loaded.Status)
		require.NotNil(t, loaded.Failure)
		assert.Equal(t, domain.CodeStepLimit, loaded.Failure.Code)
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, "non-existent-"+prefix)
		assert.ErrorIs(t, err, domain.ErrTokenNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		id := prefix + "-delete"
		require.NoError(t, store.Save(ctx, newToken(id)))

		require.NoError(t, store.Delete(ctx, id), "Delete should not return error")

		_, err := store.Load(ctx, id)
		assert.ErrorIs(t, err, domain.ErrTokenNotFound, "Load after Delete should return ErrTokenNotFound")

		assert.NoError(t, store.Delete(ctx, id), "deleting twice is not an error")
	})

	t.Run("List", func(t *testing.T) {
		id1 := prefix + "-list-1"
		id2 := prefix + "-list-2"
		require.NoError(t, store.Save(ctx, newToken(id1)))
		require.NoError(t, store.Save(ctx, newToken(id2)))
		defer func() {
			_ = store.Delete(ctx, id1)
			_ = store.Delete(ctx, id2)
		}()

		ids, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, id1)
		assert.Contains(t, ids, id2)
	})
}

// RunObjectStoreContract verifies an ObjectStore implementation.
func RunObjectStoreContract(t *testing.T, store ObjectStore) {
	ctx := context.Background()

	type order struct {
		ID    string   `json:"id"`
		Lines []string `json:"lines"`
		Total float64  `json:"total"`
	}

	t.Run("Save and Load", func(t *testing.T) {
		in := order{ID: "42", Lines: []string{"a", "b"}, Total: 9.5}
		require.NoError(t, store.SaveObject(ctx, "/orders/Order:42", in))

		var out order
		require.NoError(t, store.LoadObject(ctx, "/orders/Order:42", &out))
		assert.Equal(t, in, out)

		var generic map[string]any
		require.NoError(t, store.LoadObject(ctx, "/orders/Order:42", &generic))
		assert.Equal(t, "42", generic["id"])
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, store.SaveObject(ctx, "counter", 1))
		require.NoError(t, store.SaveObject(ctx, "counter", 2))

		var n int
		require.NoError(t, store.LoadObject(ctx, "counter", &n))
		assert.Equal(t, 2, n)
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		var out order
		err := store.LoadObject(ctx, "missing-object", &out)
		assert.ErrorIs(t, err, domain.ErrObjectNotFound)
	})
}
