// Package registry tracks blocked long-poll subscriptions and wakes them.
//
// # Overview
//
// A waiter is registered with a set of watched channels (with per-channel
// since ids), a subscriber identity, an absolute deadline, and a completion
// handle. Waiters are indexed per partition key so a publish finds candidates
// without scanning unrelated channels. A wake re-reads every watched channel,
// not only the triggering one, and completes the waiter when at least one
// message survives the filter pipeline.
//
// A waiter reaches exactly one terminal state: completed with data, completed
// empty (deadline sweep), or canceled (no completion invoked). The transition
// is a single atomic compare-and-swap, so a racing publish, sweep and cancel
// cannot double-complete; losers detect the waiter is gone and back off.
//
// The publish/register race is closed by Recheck: the bus registers the
// waiter first and re-reads afterwards, so an append serialized before the
// registration is picked up by the re-read and one serialized after it finds
// the waiter in the index.
package registry
