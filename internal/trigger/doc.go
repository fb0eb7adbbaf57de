// Package trigger decides when the client flushes its mutation log.
//
// A Trigger is a small state machine:
//
//	Idle ──Request (online)──▶ Flushing ──▶ Idle
//	Idle ──Request (offline)─▶ AwaitingConnectivity ──Wake──▶ Flushing ──▶ Idle
//
// Flushes are single-flight: an explicit Request while a flush runs is a
// no-op, and a host Wake joins the running flush and reports its outcome.
// When offline, Request registers one deferred wake with the host Scheduler
// under SyncTag; further requests while it is pending are coalesced. The host
// owns retry policy: Wake only reports success or failure.
package trigger
