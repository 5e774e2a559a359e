// Package redis provides Redis backed collaborators: a token store, the distributed
// locker used for token leases, and list based ready and start-request queues.
package redis
