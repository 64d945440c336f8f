// Package backlog implements the per-channel ordered backlog store.
//
// # Overview
//
// Each (site, channel) pair, or a single shared partition for /global/
// channels, owns a monotonically increasing message counter and a bounded
// append-only log persisted in Pebble. Keys are lexicographically ordered for
// efficient range scans, with length-prefixed components so arbitrary site
// and channel names can never alias each other's partitions:
//   - site/{len}:{site}/ch/{len}:{channel}/m           (partition metadata: last id)
//   - site/{len}:{site}/ch/{len}:{channel}/e/{id_be8}  (messages)
//
// Records are stored as: varint headerLen | header | payload | crc32c.
// The header carries an 8-byte big-endian created-at millisecond timestamp
// followed by an optional JSON envelope with user/group visibility lists.
//
// API surface (internal)
//
//	st := backlog.Open(db, logger, backlog.Options{MaxBacklogSize: 1000})
//	msg, _ := st.Append(ctx, "site-a", "/foo", []byte("bar"), nil, nil)
//	msgs, _ := st.ReadSince("site-a", "/foo", 0)
//	last, _ := st.LastID("site-a", "/foo")
//
// Retention is count-based (oldest entries beyond MaxBacklogSize are deleted
// after each append) with an optional age-based trim. Eviction never
// renumbers: evicted ids simply become unreachable, and a ReadSince from
// before the retained window returns everything still retained.
package backlog
