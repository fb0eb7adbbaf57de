// Package actor provides single-writer actors: a piece of state owned by one
// goroutine and reachable only through messages.
//
// An Actor processes its mailbox strictly one message at a time, in arrival
// order. Because nothing else touches the state, handlers need no locks and
// a read issued after a write always observes it.
//
// Key invariants:
//   - Single writer: only the Run goroutine invokes handlers
//   - FIFO: messages are handled in the order Do was called
//   - Handlers must not call Do on their own actor (the mailbox would wait on itself)
package actor
