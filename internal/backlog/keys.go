package backlog

import (
	"encoding/binary"
	"strconv"

	"github.com/SamSaffron/message-bus/internal/channel"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - site/{len}:{site}/ch/{len}:{channel}/m
// - site/{len}:{site}/ch/{len}:{channel}/e/{id_be8}
//
// Site and channel are length-prefixed so the layout parses unambiguously:
// without the prefixes a channel named "/foo/e/x" would land inside the
// entry scan range of "/foo", and a site containing "/ch/" could alias a
// different (site, channel) pair.

var (
	sitePrefix = []byte("site/")
	chSeg      = []byte("/ch/")
	metaSuffix = []byte("/m")
	entrySeg   = []byte("/e/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func appendLenPrefixed(dst []byte, s string) []byte {
	dst = strconv.AppendInt(dst, int64(len(s)), 10)
	dst = append(dst, ':')
	return append(dst, s...)
}

func keyPartitionBase(key channel.Key) []byte {
	k := make([]byte, 0, len(key.Site)+len(key.Name)+24)
	k = append(k, sitePrefix...)
	k = appendLenPrefixed(k, key.Site)
	k = append(k, chSeg...)
	k = appendLenPrefixed(k, key.Name)
	return k
}

// keyMeta builds the partition metadata key holding the last assigned id.
func keyMeta(key channel.Key) []byte {
	return append(keyPartitionBase(key), metaSuffix...)
}

// keyEntry builds the message key with a big-endian id for proper ordering.
func keyEntry(key channel.Key, id uint64) []byte {
	k := append(keyPartitionBase(key), entrySeg...)
	return appendBE8(k, id)
}

// entryID extracts the id from an entry key.
func entryID(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(k)-8:])
}
