package backlog

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
)

// Record encoding: varint headerLen | header | payload | crc32c(header|payload)
//
// The header is an 8-byte big-endian created-at timestamp (ms) followed by an
// optional JSON envelope carrying visibility lists.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type envelope struct {
	UserIDs  []string `json:"u,omitempty"`
	GroupIDs []string `json:"g,omitempty"`
}

func encodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, 10+len(header)+len(payload)+4)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(header)))
	out = append(out, tmp[:n]...)
	out = append(out, header...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	out = append(out, crcb[:]...)
	return out
}

func decodeRecord(b []byte) (header, payload []byte, ok bool) {
	if len(b) < 1+4 {
		return nil, nil, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, nil, false
	}
	if n+int(hlen)+4 > len(b) {
		return nil, nil, false
	}
	header = b[n : n+int(hlen)]
	payload = b[n+int(hlen) : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != expect {
		return nil, nil, false
	}
	return append([]byte(nil), header...), append([]byte(nil), payload...), true
}

// encodeHeader packs the created-at timestamp and visibility lists.
func encodeHeader(tsMs int64, userIDs, groupIDs []string) []byte {
	h := make([]byte, 8)
	binary.BigEndian.PutUint64(h, uint64(tsMs))
	if len(userIDs) > 0 || len(groupIDs) > 0 {
		if eb, err := json.Marshal(envelope{UserIDs: userIDs, GroupIDs: groupIDs}); err == nil {
			h = append(h, eb...)
		}
	}
	return h
}

// decodeHeader unpacks a record header. Missing or malformed envelopes decode
// as unrestricted visibility.
func decodeHeader(h []byte) (tsMs int64, userIDs, groupIDs []string) {
	if len(h) >= 8 {
		tsMs = int64(binary.BigEndian.Uint64(h[:8]))
	}
	if len(h) > 8 {
		var env envelope
		if err := json.Unmarshal(h[8:], &env); err == nil {
			userIDs = env.UserIDs
			groupIDs = env.GroupIDs
		}
	}
	return tsMs, userIDs, groupIDs
}

// headerTimestampMs extracts the created-at timestamp for retention checks.
func headerTimestampMs(h []byte) (int64, bool) {
	if len(h) < 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(h[:8])), true
}
