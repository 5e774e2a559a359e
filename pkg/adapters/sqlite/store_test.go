package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/aretw0/stepflow/pkg/adapters/sqlite"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTempStore(t *testing.T) (*sqlite.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stepflow.db")
	store, err := sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := sqlite.Open(context.Background(), " ")
	assert.Error(t, err)
}

func TestSQLiteStore_Contract(t *testing.T) {
	store, _ := openTempStore(t)
	ports.RunTokenStoreContract(t, store)
}

func TestSQLiteStore_ObjectContract(t *testing.T) {
	store, _ := openTempStore(t)
	ports.RunObjectStoreContract(t, store)
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	store, path := openTempStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, domain.NewToken("kept")))
	require.NoError(t, store.Close())

	reopened, err := sqlite.Open(ctx, path)
	require.NoError(t, err, "migrations must not run twice")
	defer reopened.Close()

	_, err = reopened.Load(ctx, "kept")
	assert.NoError(t, err)
}

func TestSQLiteStore_TransactionRollback(t *testing.T) {
	store, _ := openTempStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.InTx(ctx, func(ctx context.Context) error {
		require.NoError(t, store.Save(ctx, domain.NewToken("rolled-back")))
		require.NoError(t, store.SaveObject(ctx, "obj", 1))

		_, err := store.Load(ctx, "rolled-back")
		require.NoError(t, err, "writes are visible inside the transaction")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.Load(ctx, "rolled-back")
	assert.ErrorIs(t, err, domain.ErrTokenNotFound)
	var n int
	assert.ErrorIs(t, store.LoadObject(ctx, "obj", &n), domain.ErrObjectNotFound)
}

func TestSQLiteStore_NestedTransactionJoins(t *testing.T) {
	store, _ := openTempStore(t)
	ctx := context.Background()

	err := store.InTx(ctx, func(ctx context.Context) error {
		return store.InTx(ctx, func(ctx context.Context) error {
			return store.Save(ctx, domain.NewToken("nested"))
		})
	})
	require.NoError(t, err)

	_, err = store.Load(ctx, "nested")
	assert.NoError(t, err)
}

func TestSQLiteStore_ListByStatus(t *testing.T) {
	store, _ := openTempStore(t)
	ctx := context.Background()

	for id, status := range map[string]domain.TokenStatus{
		"a": domain.StatusRunning,
		"b": domain.StatusWaiting,
		"c": domain.StatusRunning,
	} {
		token := domain.NewToken(id)
		token.Status = status
		require.NoError(t, store.Save(ctx, token))
	}

	ids, err := store.ListByStatus(ctx, domain.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids)

	ids, err = store.ListByStatus(ctx, domain.StatusFailed)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
