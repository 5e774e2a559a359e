/*
Package ports defines the driven ports (interfaces) of the stepflow engine.

These interfaces decouple the engine from its collaborators: where process
definitions come from, where tokens and business objects are stored, how a step
is wrapped in a transaction, how workers coordinate across replicas, and which
transport delivers ready tokens and asynchronous start requests.

# Key Interfaces

  - ModelSource: loads raw process definitions by qualifier (memory, directory, Loam).
  - Watchable: reports definition changes for hot reload.
  - TokenStore: persists tokens by id (memory, file, SQLite, Redis).
  - ObjectStore: persists business objects referenced by parameter values.
  - Transactor: wraps one advance of a token in a transaction boundary.
  - DistributedLocker: exclusive access to a token across engine replicas.
  - ReadyQueue, RequestQueue: transports for ready token ids and start requests.
*/
package ports
