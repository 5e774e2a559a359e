/*
Package observability turns engine lifecycle hooks into structured logs, Prometheus
metrics and OpenTelemetry spans.

Each concern returns a domain.LifecycleHooks value; combine them with
LifecycleHooks.Merge and pass the result to the engine.
*/
package observability
