// Package filter decides what each subscriber is allowed to see and lets
// registered hooks rewrite or drop messages per subscriber.
//
// A delivery attempt runs messages through a fixed order, short-circuiting on
// drop:
//
//  1. visibility gate: user allow-list membership and group intersection
//  2. per-channel client filter: transform or drop
//
// Per-channel batch wrappers bracket the whole attempt for that channel's
// candidates, so a wrapper can establish ambient context read by the client
// filter and guarantee its teardown. A panicking hook aborts only the current
// subscriber's delivery for that channel; other subscribers are unaffected.
//
// Filters never mutate stored messages: transforms operate on copies.
package filter
