package backlog

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/SamSaffron/message-bus/internal/channel"
	pebblestore "github.com/SamSaffron/message-bus/internal/storage/pebble"
	logpkg "github.com/SamSaffron/message-bus/pkg/log"
)

// Message is a single stored bus message. Stored messages are immutable; the
// filter pipeline works on per-subscriber copies.
type Message struct {
	ID          uint64
	Channel     string
	Site        string // empty for global partitions
	Data        []byte
	UserIDs     []string
	GroupIDs    []string
	CreatedAtMs int64
}

// Copy returns a shallow per-subscriber copy whose Data may be replaced by a
// filter without touching the stored original.
func (m Message) Copy() Message {
	out := m
	out.Data = append([]byte(nil), m.Data...)
	return out
}

// Options configures backlog retention.
type Options struct {
	// MaxBacklogSize bounds retained messages per partition. Oldest entries
	// beyond the bound are evicted after each append. <=0 disables the bound.
	MaxBacklogSize int
	// MaxBacklogAge prunes entries older than this horizon. 0 disables.
	MaxBacklogAge time.Duration
}

// Store owns every channel partition: its id counter and its retained log.
type Store struct {
	db     *pebblestore.DB
	logger logpkg.Logger
	opts   Options

	mu    sync.Mutex
	parts map[string]*partition
}

// partition holds the in-memory counter cell for one (site, channel) log.
type partition struct {
	key channel.Key

	mu     sync.Mutex
	lastID uint64
	loaded bool
}

// Open returns a Store over the given database.
func Open(db *pebblestore.DB, logger logpkg.Logger, opts Options) *Store {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &Store{
		db:     db,
		logger: logger.With(logpkg.Component("backlog")),
		opts:   opts,
		parts:  map[string]*partition{},
	}
}

func (s *Store) partitionFor(key channel.Key) *partition {
	enc := key.Encode()
	s.mu.Lock()
	p, ok := s.parts[enc]
	if !ok {
		p = &partition{key: key}
		s.parts[enc] = p
	}
	s.mu.Unlock()
	return p
}

// load restores lastID from the meta key on first use. Caller holds p.mu.
func (p *partition) load(db *pebblestore.DB) {
	if p.loaded {
		return
	}
	p.loaded = true
	meta, err := db.Get(keyMeta(p.key))
	if err == nil && len(meta) >= 8 {
		p.lastID = binary.BigEndian.Uint64(meta[:8])
	}
}

// Append assigns the next id in the channel's partition and persists the
// message atomically with the updated counter. It returns the stored message.
func (s *Store) Append(ctx context.Context, site, name string, data []byte, userIDs, groupIDs []string) (Message, error) {
	key := channel.Resolve(site, name)
	p := s.partitionFor(key)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.load(s.db)

	now := time.Now().UnixMilli()
	p.lastID++
	id := p.lastID

	b := s.db.NewBatch()
	defer b.Close()

	val := encodeRecord(encodeHeader(now, userIDs, groupIDs), data)
	if err := b.Set(keyEntry(key, id), val, nil); err != nil {
		p.lastID--
		return Message{}, fmt.Errorf("backlog append: %w", err)
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], p.lastID)
	if err := b.Set(keyMeta(key), meta[:], nil); err != nil {
		p.lastID--
		return Message{}, fmt.Errorf("backlog append: %w", err)
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		p.lastID--
		return Message{}, fmt.Errorf("backlog append: %w", err)
	}

	// Best-effort retention; failures are logged, never surfaced to the
	// publisher.
	if s.opts.MaxBacklogSize > 0 && id > uint64(s.opts.MaxBacklogSize) {
		if err := s.trimBelowLocked(key, id-uint64(s.opts.MaxBacklogSize)); err != nil {
			s.logger.Warn("trim by count failed", logpkg.Str("channel", key.Name), logpkg.Err(err))
		}
	}
	if s.opts.MaxBacklogAge > 0 {
		cutoff := now - s.opts.MaxBacklogAge.Milliseconds()
		if _, err := s.trimOlderThanLocked(key, cutoff); err != nil {
			s.logger.Warn("trim by age failed", logpkg.Str("channel", key.Name), logpkg.Err(err))
		}
	}

	return Message{
		ID:          id,
		Channel:     key.Name,
		Site:        key.Site,
		Data:        append([]byte(nil), data...),
		UserIDs:     userIDs,
		GroupIDs:    groupIDs,
		CreatedAtMs: now,
	}, nil
}

// ReadSince returns all retained messages with id > sinceID, oldest first.
// A sinceID older than the retained window yields everything still retained;
// it is never an error.
func (s *Store) ReadSince(site, name string, sinceID uint64) ([]Message, error) {
	key := channel.Resolve(site, name)
	low := keyEntry(key, sinceID+1)
	hi := keyEntry(key, ^uint64(0))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: append(hi, 0x00)})
	if err != nil {
		return nil, fmt.Errorf("backlog read: %w", err)
	}
	defer iter.Close()

	var out []Message
	for ok := iter.First(); ok; ok = iter.Next() {
		id := entryID(iter.Key())
		header, payload, okDec := decodeRecord(iter.Value())
		if !okDec {
			continue
		}
		ts, userIDs, groupIDs := decodeHeader(header)
		out = append(out, Message{
			ID:          id,
			Channel:     key.Name,
			Site:        key.Site,
			Data:        payload,
			UserIDs:     userIDs,
			GroupIDs:    groupIDs,
			CreatedAtMs: ts,
		})
	}
	return out, nil
}

// LastID returns the current counter for a channel, 0 if never published to.
// The counter is meaningful even when the backlog itself is empty.
func (s *Store) LastID(site, name string) (uint64, error) {
	p := s.partitionFor(channel.Resolve(site, name))
	p.mu.Lock()
	defer p.mu.Unlock()
	p.load(s.db)
	return p.lastID, nil
}

// Stats summarizes one partition for diagnostics.
type Stats struct {
	Site     string `json:"site,omitempty"`
	Channel  string `json:"channel"`
	LastID   uint64 `json:"last_id"`
	Retained int    `json:"retained"`
}

// PartitionStats reports every partition touched since the store opened.
func (s *Store) PartitionStats() []Stats {
	s.mu.Lock()
	parts := make([]*partition, 0, len(s.parts))
	for _, p := range s.parts {
		parts = append(parts, p)
	}
	s.mu.Unlock()

	out := make([]Stats, 0, len(parts))
	for _, p := range parts {
		p.mu.Lock()
		p.load(s.db)
		last := p.lastID
		key := p.key
		p.mu.Unlock()

		retained := 0
		if msgs, err := s.ReadSince(key.Site, key.Name, 0); err == nil {
			retained = len(msgs)
		}
		out = append(out, Stats{Site: key.Site, Channel: key.Name, LastID: last, Retained: retained})
	}
	return out
}
