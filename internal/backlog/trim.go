package backlog

import (
	"context"

	"github.com/cockroachdb/pebble"

	"github.com/SamSaffron/message-bus/internal/channel"
)

const trimBatchLimit = 1024

// trimBelowLocked deletes entries with id <= maxEvictID. The caller holds the
// partition lock, so no new entries below the bound can appear mid-trim.
func (s *Store) trimBelowLocked(key channel.Key, maxEvictID uint64) error {
	low := keyEntry(key, 0)
	hi := keyEntry(key, maxEvictID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: append(hi, 0x00)})
	if err != nil {
		return err
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()
	n := 0
	for ok := iter.First(); ok && n < trimBatchLimit; ok = iter.Next() {
		if err := b.Delete(iter.Key(), nil); err != nil {
			return err
		}
		n++
	}
	if n == 0 {
		return nil
	}
	return s.db.CommitBatch(context.Background(), b)
}

// trimOlderThanLocked deletes entries whose created-at timestamp is before
// cutoffMs. Entries are time-ordered, so the scan stops at the first entry at
// or past the cutoff. The caller holds the partition lock.
func (s *Store) trimOlderThanLocked(key channel.Key, cutoffMs int64) (int, error) {
	low := keyEntry(key, 0)
	hi := keyEntry(key, ^uint64(0))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: append(hi, 0x00)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()
	deleted := 0
	for ok := iter.First(); ok && deleted < trimBatchLimit; ok = iter.Next() {
		header, _, okDec := decodeRecord(iter.Value())
		if okDec {
			if ms, okTs := headerTimestampMs(header); okTs && ms >= cutoffMs {
				break
			}
		}
		if err := b.Delete(iter.Key(), nil); err != nil {
			return deleted, err
		}
		deleted++
	}
	if deleted == 0 {
		return 0, nil
	}
	if err := s.db.CommitBatch(context.Background(), b); err != nil {
		return deleted, err
	}
	return deleted, nil
}
