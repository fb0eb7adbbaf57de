// Package model provides the shared data model of the offline sync engine.
//
// This package contains types and pure helpers only. Every other internal
// package imports model; model imports nothing internal, which keeps it the
// foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Timestamps are unix milliseconds (int64), matching the web client wire format
//   - MutationRecord payloads are a sealed tagged union keyed by Store
//   - JSON tags use camelCase because the sync protocol is shared with the browser client
//   - Records are validated at construction and at decode time, never later
package model
