// Package bus exposes the publish and subscribe entry points of the message
// bus, orchestrating the backlog store, the namespace resolver, the filter
// pipeline and the wait registry.
//
// Publish appends to the channel's partition and wakes matching waiters on a
// separate goroutine, so publishers never block on subscriber delivery.
//
// Subscribe resolves per-channel since ids (including the status and
// from-now sentinels), returns immediately when backlog or status data is
// available, and otherwise registers a pending waiter completed later by a
// matching publish or by deadline expiry. Status results bypass the filter
// pipeline: they are engine metadata, not user data.
package bus
