package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/SamSaffron/message-bus/internal/backlog"
	"github.com/SamSaffron/message-bus/internal/channel"
	"github.com/SamSaffron/message-bus/internal/filter"
	pebblestore "github.com/SamSaffron/message-bus/internal/storage/pebble"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testCompletion struct {
	mu    sync.Mutex
	calls int
	last  []backlog.Message
	ch    chan []backlog.Message
}

func newTestCompletion() *testCompletion {
	return &testCompletion{ch: make(chan []backlog.Message, 1)}
}

func (c *testCompletion) Complete(msgs []backlog.Message) {
	c.mu.Lock()
	c.calls++
	c.last = msgs
	c.mu.Unlock()
	c.ch <- msgs
}

func (c *testCompletion) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestRegistry(t *testing.T) (*Registry, *backlog.Store, *filter.Pipeline) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st := backlog.Open(db, nil, backlog.Options{})
	fp := filter.New(nil)
	return New(st, fp, nil, 0), st, fp
}

func TestWakeCompletesMatchingWaiter(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	comp := newTestCompletion()
	_, err := r.Register(Request{Site: "s", Wants: map[string]uint64{"/foo": 0}}, time.Now().Add(time.Minute), comp)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := st.Append(context.Background(), "s", "/foo", []byte("bar"), nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	r.Wake(channel.Resolve("s", "/foo"))

	select {
	case msgs := <-comp.ch:
		if len(msgs) != 1 || string(msgs[0].Data) != "bar" || msgs[0].ID != 1 {
			t.Fatalf("unexpected delivery: %+v", msgs)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not completed")
	}
	if r.Len() != 0 {
		t.Fatalf("completed waiter still registered")
	}
}

func TestWakeOnUnrelatedChannelDeliversAllWatched(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	comp := newTestCompletion()
	_, err := r.Register(Request{Site: "s", Wants: map[string]uint64{"/x": 0, "/y": 0}}, time.Now().Add(time.Minute), comp)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	// Publish on both; wake only via /y. The waiter must still receive /x.
	if _, err := st.Append(ctx, "s", "/x", []byte("first"), nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := st.Append(ctx, "s", "/y", []byte("second"), nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	r.Wake(channel.Resolve("s", "/y"))

	select {
	case msgs := <-comp.ch:
		if len(msgs) != 2 {
			t.Fatalf("want both channels' messages, got %+v", msgs)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not completed")
	}
}

func TestWakeSkipsInvisibleMessages(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	comp := newTestCompletion()
	req := Request{Site: "s", Identity: filter.Identity{UserID: "0"}, Wants: map[string]uint64{"/foo": 0}}
	_, err := r.Register(req, time.Now().Add(time.Minute), comp)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := st.Append(context.Background(), "s", "/foo", []byte("secret"), []string{"1"}, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	r.Wake(channel.Resolve("s", "/foo"))

	if comp.callCount() != 0 {
		t.Fatalf("invisible message must not complete the waiter")
	}
	if r.Len() != 1 {
		t.Fatalf("waiter should remain registered")
	}
	// Drain: cancel so the leak check stays clean.
	for _, w := range waiters(r) {
		r.Cancel(w)
	}
}

func waiters(r *Registry) []*Waiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Waiter, 0, len(r.all))
	for w := range r.all {
		out = append(out, w)
	}
	return out
}

func TestSweepExpiresWithEmptyResult(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	comp := newTestCompletion()
	_, err := r.Register(Request{Site: "s", Wants: map[string]uint64{"/foo": 0}}, time.Now().Add(10*time.Millisecond), comp)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	n := r.SweepExpired(time.Now().Add(20 * time.Millisecond))
	if n != 1 {
		t.Fatalf("want 1 expired, got %d", n)
	}
	select {
	case msgs := <-comp.ch:
		if msgs != nil {
			t.Fatalf("expiry must complete empty, got %+v", msgs)
		}
	default:
		t.Fatalf("completion not invoked on expiry")
	}
	if r.Len() != 0 {
		t.Fatalf("expired waiter still registered")
	}
}

func TestCancelSkipsCompletion(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	comp := newTestCompletion()
	w, err := r.Register(Request{Site: "s", Wants: map[string]uint64{"/foo": 0}}, time.Now().Add(time.Minute), comp)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !r.Cancel(w) {
		t.Fatalf("cancel should win on a registered waiter")
	}
	if r.Cancel(w) {
		t.Fatalf("second cancel must lose")
	}
	if comp.callCount() != 0 {
		t.Fatalf("cancel must not invoke completion")
	}
	if r.Len() != 0 {
		t.Fatalf("canceled waiter still registered")
	}
}

func TestNoDoubleCompletionUnderRace(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		comp := newTestCompletion()
		w, err := r.Register(Request{Site: "s", Wants: map[string]uint64{"/race": uint64(i)}}, time.Now().Add(time.Millisecond), comp)
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		if _, err := st.Append(ctx, "s", "/race", []byte("x"), nil, nil); err != nil {
			t.Fatalf("append: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); r.Wake(channel.Resolve("s", "/race")) }()
		go func() { defer wg.Done(); r.SweepExpired(time.Now().Add(time.Second)) }()
		go func() { defer wg.Done(); r.Cancel(w) }()
		wg.Wait()

		if comp.callCount() > 1 {
			t.Fatalf("double completion on iteration %d", i)
		}
	}
	if r.Len() != 0 {
		t.Fatalf("stale waiters after races: %d", r.Len())
	}
}

func TestRegisterCapacityBound(t *testing.T) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st := backlog.Open(db, nil, backlog.Options{})
	r := New(st, filter.New(nil), nil, 1)

	comp := newTestCompletion()
	w, err := r.Register(Request{Site: "s", Wants: map[string]uint64{"/a": 0}}, time.Now().Add(time.Minute), comp)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register(Request{Site: "s", Wants: map[string]uint64{"/b": 0}}, time.Now().Add(time.Minute), comp); err != ErrFull {
		t.Fatalf("want ErrFull, got %v", err)
	}
	r.Cancel(w)
}

func TestStartSweepLoop(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	comp := newTestCompletion()
	if _, err := r.Register(Request{Site: "s", Wants: map[string]uint64{"/foo": 0}}, time.Now().Add(30*time.Millisecond), comp); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); r.Start(ctx, 10*time.Millisecond) }()

	select {
	case <-comp.ch:
	case <-time.After(time.Second):
		t.Fatalf("sweep loop did not expire waiter")
	}
	cancel()
	<-done
}

func TestSnapshotListsWaiters(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	comp := newTestCompletion()
	w, err := r.Register(Request{Site: "s", Identity: filter.Identity{UserID: "7"}, Wants: map[string]uint64{"/b": 0, "/a": 0}}, time.Now().Add(time.Minute), comp)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].UserID != "7" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(snap[0].Channels) != 2 || snap[0].Channels[0] != "/a" {
		t.Fatalf("channels not sorted: %+v", snap[0].Channels)
	}
	r.Cancel(w)
}
