// Package durable provides the per-actor key-value storage used by the
// server side of the sync engine.
//
// Every actor (the session registry, each conversation shard, the batch
// ledger) owns one Namespace. Namespaces never share keys, so two actors
// can never observe each other's writes except through messages.
//
// Three backends are available behind Open:
//
//	memory://            process-local, for tests and demos
//	sqlite:///path.db    single file via mattn/go-sqlite3 (a bare path works too)
//	postgres://...       shared database via lib/pq
//
// Values are opaque bytes; callers encode them (JSON throughout this module).
package durable
