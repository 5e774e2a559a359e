/*
Package lease gives a worker exclusive access to one token at a time.

Leases are held in a ref-counted map of local mutexes, so unused entries are
garbage collected, and may additionally be backed by a ports.DistributedLocker
when several engine replicas share a token store.
*/
package lease
