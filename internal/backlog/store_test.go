package backlog

import (
	"context"
	"testing"
	"time"

	"github.com/SamSaffron/message-bus/internal/channel"
	pebblestore "github.com/SamSaffron/message-bus/internal/storage/pebble"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return Open(db, nil, opts)
}

func TestAppendAssignsSequentialIDs(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()

	m1, err := st.Append(ctx, "s1", "/foo", []byte("bar"), nil, nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if m1.ID != 1 {
		t.Fatalf("first id on fresh channel should be 1, got %d", m1.ID)
	}
	m2, err := st.Append(ctx, "s1", "/foo", []byte("baz"), nil, nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if m2.ID != 2 {
		t.Fatalf("want id 2, got %d", m2.ID)
	}
}

func TestLastIDIndependentPerSite(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()

	if _, err := st.Append(ctx, "t1", "/foo", []byte("a"), nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	last1, _ := st.LastID("t1", "/foo")
	last2, _ := st.LastID("t2", "/foo")
	if last1 != 1 || last2 != 0 {
		t.Fatalf("want t1=1 t2=0, got t1=%d t2=%d", last1, last2)
	}
}

func TestGlobalChannelSharedAcrossSites(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()

	if _, err := st.Append(ctx, "t1", "/global/ann", []byte("hello"), nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	msgs, err := st.ReadSince("t2", "/global/ann", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Data) != "hello" {
		t.Fatalf("global message not visible under other site: %+v", msgs)
	}
	last, _ := st.LastID("t2", "/global/ann")
	if last != 1 {
		t.Fatalf("want global last id 1, got %d", last)
	}
}

func TestChannelsWithNestedNamesStayIsolated(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()

	// "/foo/e/x" would sit inside "/foo"'s entry scan range if keys were
	// built by raw concatenation.
	if _, err := st.Append(ctx, "s", "/foo/e/x", []byte("nested"), nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	msgs, err := st.ReadSince("s", "/foo", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("channel /foo must not see /foo/e/x entries: %+v", msgs)
	}
	if last, _ := st.LastID("s", "/foo"); last != 0 {
		t.Fatalf("channel /foo counter must stay untouched, got %d", last)
	}
	msgs, err = st.ReadSince("s", "/foo/e/x", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Data) != "nested" {
		t.Fatalf("nested-name channel must keep its own entries: %+v", msgs)
	}
}

func TestSitesWithSeparatorBytesStayIsolated(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()

	// Without length prefixes, site "a/ch/b" channel "/x" and site "a"
	// channel "b/ch//x" would produce byte-identical keys.
	if _, err := st.Append(ctx, "a/ch/b", "/x", []byte("tenant-private"), nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	msgs, err := st.ReadSince("a", "b/ch//x", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("aliased site/channel pair must see nothing: %+v", msgs)
	}
	if last, _ := st.LastID("a", "b/ch//x"); last != 0 {
		t.Fatalf("aliased pair counter must stay 0, got %d", last)
	}
	msgs, err = st.ReadSince("a/ch/b", "/x", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Data) != "tenant-private" {
		t.Fatalf("owning site must keep its message: %+v", msgs)
	}
}

func TestReadSinceWindow(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()

	for _, p := range []string{"a", "b", "c"} {
		if _, err := st.Append(ctx, "s", "/ch", []byte(p), nil, nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	msgs, err := st.ReadSince("s", "/ch", 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != 2 || msgs[1].ID != 3 {
		t.Fatalf("unexpected window: %+v", msgs)
	}
	// since >= last yields nothing
	msgs, _ = st.ReadSince("s", "/ch", 3)
	if len(msgs) != 0 {
		t.Fatalf("expected empty read, got %d", len(msgs))
	}
}

func TestEvictionKeepsIDsStable(t *testing.T) {
	st := newTestStore(t, Options{MaxBacklogSize: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := st.Append(ctx, "s", "/ch", []byte{byte('a' + i)}, nil, nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// ids 1..3 evicted; a too-old since id returns all retained, never errors
	msgs, err := st.ReadSince("s", "/ch", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != 4 || msgs[1].ID != 5 {
		t.Fatalf("unexpected retained window: %+v", msgs)
	}
	last, _ := st.LastID("s", "/ch")
	if last != 5 {
		t.Fatalf("eviction must not move the counter, got %d", last)
	}
}

func TestVisibilityListsRoundTrip(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()

	if _, err := st.Append(ctx, "s", "/ch", []byte("x"), []string{"1", "2"}, []string{"g"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	msgs, _ := st.ReadSince("s", "/ch", 0)
	if len(msgs) != 1 {
		t.Fatalf("want one message")
	}
	m := msgs[0]
	if len(m.UserIDs) != 2 || m.UserIDs[0] != "1" || len(m.GroupIDs) != 1 || m.GroupIDs[0] != "g" {
		t.Fatalf("visibility lists lost: %+v", m)
	}
	if m.CreatedAtMs == 0 {
		t.Fatalf("missing created-at timestamp")
	}
}

func TestCounterDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	st := Open(db, nil, Options{})
	ctx := context.Background()
	m, err := st.Append(ctx, "s", "/ch", []byte("x"), nil, nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("reopen pebble: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	st2 := Open(db2, nil, Options{})
	m2, err := st2.Append(ctx, "s", "/ch", []byte("y"), nil, nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if m2.ID != m.ID+1 {
		t.Fatalf("counter not restored: prev=%d next=%d", m.ID, m2.ID)
	}
}

func TestTrimOlderThan(t *testing.T) {
	st := newTestStore(t, Options{MaxBacklogAge: time.Hour})
	ctx := context.Background()

	// Direct trim exercises the age path without waiting an hour.
	if _, err := st.Append(ctx, "s", "/ch", []byte("old"), nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	deleted, err := st.trimOlderThanLocked(channel.Resolve("s", "/ch"), time.Now().Add(time.Minute).UnixMilli())
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("want 1 deleted, got %d", deleted)
	}
	msgs, _ := st.ReadSince("s", "/ch", 0)
	if len(msgs) != 0 {
		t.Fatalf("expected empty backlog after trim")
	}
}
