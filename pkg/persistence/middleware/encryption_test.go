package middleware_test

import (
	"context"
	"crypto/rand"
	"io"
	"testing"

	"github.com/aretw0/stepflow/pkg/adapters/memory"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/persistence/middleware"
	"github.com/aretw0/stepflow/pkg/ports"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKey(t *testing.T) []byte {
	k := make([]byte, 32)
	_, err := io.ReadFull(rand.Reader, k)
	require.NoError(t, err)
	return k
}

func encrypted(t *testing.T, next ports.TokenStore, active []byte, fallback ...[]byte) ports.TokenStore {
	t.Helper()
	mw, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: active, FallbackKeys: fallback})
	require.NoError(t, err)
	return mw(next)
}

func TestEncryptionMiddleware_Contract(t *testing.T) {
	ports.RunTokenStoreContract(t, encrypted(t, memory.NewStore(), generateKey(t)))
}

func TestEncryptionMiddleware_Roundtrip(t *testing.T) {
	underlying := memory.NewStore()
	store := encrypted(t, underlying, generateKey(t))
	ctx := context.Background()

	tok := domain.NewToken("secret-token")
	tok.Process = qualifier.Must("/orders/Checkout")
	tok.Status = domain.StatusWaiting
	tok.Set("Pay.In.Card", "4111-1111")
	require.NoError(t, store.Save(ctx, tok))

	raw, err := underlying.Load(ctx, tok.ID)
	require.NoError(t, err)
	assert.NotContains(t, raw.Params, "Pay.In.Card")
	assert.Contains(t, raw.Params, "__encrypted__")
	assert.Equal(t, domain.StatusWaiting, raw.Status, "status stays visible")
	assert.Equal(t, "/orders/Checkout", raw.Process.String())

	loaded, err := store.Load(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, "4111-1111", loaded.Params["Pay.In.Card"])
}

func TestEncryptionMiddleware_KeyRotation(t *testing.T) {
	underlying := memory.NewStore()
	oldKey := generateKey(t)
	newKey := generateKey(t)
	ctx := context.Background()

	oldStore := encrypted(t, underlying, oldKey)
	tok := domain.NewToken("rotation")
	tok.Set("Data", "old")
	require.NoError(t, oldStore.Save(ctx, tok))

	newStore := encrypted(t, underlying, newKey, oldKey)
	loaded, err := newStore.Load(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, "old", loaded.Params["Data"])

	loaded.Set("Data", "new")
	require.NoError(t, newStore.Save(ctx, loaded))

	_, err = oldStore.Load(ctx, tok.ID)
	assert.Error(t, err, "old key alone cannot read data written with the new key")
}

func TestEncryptionMiddleware_PlainToken(t *testing.T) {
	underlying := memory.NewStore()
	require.NoError(t, underlying.Save(context.Background(), domain.NewToken("plain")))

	_, err := encrypted(t, underlying, generateKey(t)).Load(context.Background(), "plain")
	assert.ErrorIs(t, err, middleware.ErrNotEncrypted)
}

func TestEncryptionMiddleware_InvalidKey(t *testing.T) {
	_, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: []byte("short-key")})
	assert.Error(t, err)
}

func TestChain(t *testing.T) {
	store := middleware.Chain(memory.NewStore(), func(next ports.TokenStore) ports.TokenStore {
		return next
	})
	ports.RunTokenStoreContract(t, store)
}
