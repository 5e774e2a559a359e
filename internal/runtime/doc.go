/*
Package runtime advances tokens through process graphs.

The Engine is stateless apart from its collaborators: every operation takes the token
it works on and mutates it in place. Callers own persistence and per-token exclusive
access; the scheduler provides both.

A step executes in three phases. The entry port is checked (required step state,
declared parameters and their types), the step kind runs (a handler invocation or
structural logic), and the chosen exit is committed: exit parameters are stored, the
history is extended and one cursor is spawned per outgoing link. Nothing is committed
when a phase fails; the failure is routed to the step's error port, to the process
on_error step, or fails the token.
*/
package runtime
