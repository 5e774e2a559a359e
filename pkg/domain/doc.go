/*
Package domain contains the core types of the stepflow engine.

It defines the process graph (ProcessDefinition, Step, Port, Link), the token that
carries the execution state of one process instance, the classified engine errors and
the lifecycle events. The package is pure: no I/O and no persistence.

# Key Entities

  - ProcessDefinition: an immutable graph of steps loaded by the model manager.
  - Step: a handler invocation or a structural element (start, end, branch, join,
    call, wait) with named entry and exit ports.
  - Token: status, cursors, scoped parameter map, call stacks and history of one
    process instance.
  - EngineError: a failure with a code and a recoverable/unrecoverable class.
*/
package domain
