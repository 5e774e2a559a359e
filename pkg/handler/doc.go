// Package handler defines how step logic plugs into the engine: a registry of handler
// factories keyed by id, the Invocation a handler works through, and the three-valued
// Result it returns.
package handler
