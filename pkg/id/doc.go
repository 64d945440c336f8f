// Package id generates compact, lexicographically sortable identifiers.
//
// IDs are 16 bytes: an 8-byte big-endian millisecond timestamp followed by an
// 8-byte per-process sequence. They are used as handles for pending long-poll
// waiters so diagnostics can list waiters in registration order.
package id
