package middleware

import "github.com/aretw0/stepflow/pkg/ports"

// Middleware allows wrapping a TokenStore to add behavior.
type Middleware func(ports.TokenStore) ports.TokenStore

// Chain applies mws so that the first one is the outermost.
func Chain(store ports.TokenStore, mws ...Middleware) ports.TokenStore {
	for i := len(mws) - 1; i >= 0; i-- {
		store = mws[i](store)
	}
	return store
}
