// Package pebblestore wraps Pebble with the durability policy and small
// helpers used by the backlog store.
//
// The wrapper owns the fsync decision (always, interval group-commit, never)
// so callers commit batches without caring about WAL sync details. A minimal
// metrics hook observes read and commit latencies.
package pebblestore
