/*
Package stepflow is a business-process engine. It runs process definitions (directed
graphs of steps joined by typed entry and exit ports) for many concurrent process
instances, called tokens, suspending and resuming each token across long-running
steps while its state stays durable.

# Concept

A process lives in a model and is addressed by a qualifier such as /orders/Approval.
Steps are either structural (start, end, branch, join, call, wait) and interpreted by
the engine, or handler steps whose logic is supplied by the host through a
handler.Registry. A handler reads the parameters of its entry port, writes output
parameters and chooses an exit port; the engine commits those effects only when the
handler returns normally.

The scheduler advances tokens under a per-token lease and persists them through a
ports.TokenStore. Model changes are broadcast by the notification service so cached
definitions are replaced without a restart.

# Usage

	src, err := file.NewSource("./models")
	if err != nil {
		log.Fatal(err)
	}
	eng, err := stepflow.New(src, stepflow.WithStore(sqliteStore))
	if err != nil {
		log.Fatal(err)
	}
	eng.Handlers.RegisterFunc("reserve", reserveStock)

	token, err := eng.Start(ctx, qualifier.Must("/orders/Order"), map[string]any{"Sku": "A-1"})

Adapters for storage (memory, file, sqlite, redis), model sources (file, loam), queues
(memory, redis), transports (HTTP, MCP) and observability live under pkg/.
*/
package stepflow
