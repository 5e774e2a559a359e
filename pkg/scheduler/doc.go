// Package scheduler moves tokens forward.
//
// A Scheduler owns the persistence side of execution: it loads a token, advances it
// under an exclusive lease inside a transaction boundary, and saves it again. Tokens
// that can make progress travel through a ready queue that a pool of workers drains;
// without a queue every operation advances the token inline.
package scheduler
