package registry

import (
	"context"
	"errors"
	"sort"
	"time"

	"sync"

	"github.com/SamSaffron/message-bus/internal/backlog"
	"github.com/SamSaffron/message-bus/internal/channel"
	"github.com/SamSaffron/message-bus/internal/filter"
	"github.com/SamSaffron/message-bus/pkg/id"
	logpkg "github.com/SamSaffron/message-bus/pkg/log"
)

// ErrFull reports that the registry's waiter bound is exhausted.
var ErrFull = errors.New("registry: waiter capacity exhausted")

// Backlog is the read surface the registry needs from the store.
type Backlog interface {
	ReadSince(site, name string, sinceID uint64) ([]backlog.Message, error)
}

// Registry indexes pending waiters per partition key and owns their
// lifetime.
type Registry struct {
	store      Backlog
	filters    *filter.Pipeline
	logger     logpkg.Logger
	gen        *id.Generator
	maxWaiters int

	mu    sync.Mutex
	byKey map[string]map[*Waiter]struct{}
	all   map[*Waiter]struct{}
}

// New returns an empty registry. maxWaiters <= 0 disables the bound.
func New(store Backlog, filters *filter.Pipeline, logger logpkg.Logger, maxWaiters int) *Registry {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &Registry{
		store:      store,
		filters:    filters,
		logger:     logger.With(logpkg.Component("registry")),
		gen:        id.NewGenerator(),
		maxWaiters: maxWaiters,
		byKey:      map[string]map[*Waiter]struct{}{},
		all:        map[*Waiter]struct{}{},
	}
}

// Register stores a waiter indexed under every watched partition key.
func (r *Registry) Register(req Request, deadline time.Time, comp Completion) (*Waiter, error) {
	w := &Waiter{
		id:       r.gen.Next(),
		req:      req,
		deadline: deadline,
		comp:     comp,
	}
	w.keys = make([]string, 0, len(req.Wants))
	for name := range req.Wants {
		w.keys = append(w.keys, channel.Resolve(req.Site, name).Encode())
	}

	r.mu.Lock()
	if r.maxWaiters > 0 && len(r.all) >= r.maxWaiters {
		r.mu.Unlock()
		return nil, ErrFull
	}
	r.all[w] = struct{}{}
	for _, k := range w.keys {
		set, ok := r.byKey[k]
		if !ok {
			set = map[*Waiter]struct{}{}
			r.byKey[k] = set
		}
		set[w] = struct{}{}
	}
	r.mu.Unlock()
	return w, nil
}

// Wake re-evaluates every waiter indexed under the given partition key.
// Waiters with surviving messages are completed and removed.
func (r *Registry) Wake(key channel.Key) {
	enc := key.Encode()
	r.mu.Lock()
	set := r.byKey[enc]
	candidates := make([]*Waiter, 0, len(set))
	for w := range set {
		candidates = append(candidates, w)
	}
	r.mu.Unlock()

	for _, w := range candidates {
		r.Recheck(w)
	}
}

// Recheck re-reads all of a waiter's channels and completes it if anything
// is deliverable. Safe to race with Wake, the sweep, and Cancel.
func (r *Registry) Recheck(w *Waiter) {
	if w.terminal() {
		return
	}
	msgs := r.collect(w)
	if len(msgs) == 0 {
		return
	}
	if !w.transition(stateCompleted) {
		// Lost to a concurrent sweep, cancel or another wake.
		return
	}
	r.remove(w)
	w.comp.Complete(msgs)
}

// collect gathers deliverable messages across all watched channels, filtered
// for the waiter's identity. Channels are visited in sorted order; within a
// channel, ids ascend.
func (r *Registry) collect(w *Waiter) []backlog.Message {
	names := make([]string, 0, len(w.req.Wants))
	for name := range w.req.Wants {
		names = append(names, name)
	}
	sort.Strings(names)

	var candidates []backlog.Message
	for _, name := range names {
		msgs, err := r.store.ReadSince(w.req.Site, name, w.req.Wants[name])
		if err != nil {
			r.logger.Error("backlog read during wake failed",
				logpkg.Str("channel", name), logpkg.Err(err))
			continue
		}
		candidates = append(candidates, msgs...)
	}
	if len(candidates) == 0 {
		return nil
	}
	return r.filters.Deliver(w.req.Identity, candidates)
}

// Cancel removes a still-registered waiter without invoking its completion.
// It reports whether this call won the removal; losing to a concurrent match
// or sweep is not an error.
func (r *Registry) Cancel(w *Waiter) bool {
	if !w.transition(stateCanceled) {
		return false
	}
	r.remove(w)
	return true
}

// SweepExpired completes every waiter whose deadline has elapsed with an
// empty result. Returns the number expired.
func (r *Registry) SweepExpired(now time.Time) int {
	r.mu.Lock()
	expired := make([]*Waiter, 0, 4)
	for w := range r.all {
		if !w.deadline.After(now) {
			expired = append(expired, w)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, w := range expired {
		if !w.transition(stateExpired) {
			continue
		}
		r.remove(w)
		w.comp.Complete(nil)
		n++
	}
	return n
}

// Start runs the deadline sweep until ctx is done.
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.SweepExpired(now)
		}
	}
}

// Len returns the number of registered waiters.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.all)
}

// Snapshot lists pending waiters for diagnostics, sorted by handle.
type WaiterInfo struct {
	ID       string    `json:"id"`
	Site     string    `json:"site,omitempty"`
	UserID   string    `json:"user_id,omitempty"`
	Channels []string  `json:"channels"`
	Deadline time.Time `json:"deadline"`
}

func (r *Registry) Snapshot() []WaiterInfo {
	r.mu.Lock()
	waiters := make([]*Waiter, 0, len(r.all))
	for w := range r.all {
		waiters = append(waiters, w)
	}
	r.mu.Unlock()

	sort.Slice(waiters, func(i, j int) bool { return waiters[i].id.Compare(waiters[j].id) < 0 })
	out := make([]WaiterInfo, 0, len(waiters))
	for _, w := range waiters {
		channels := make([]string, 0, len(w.req.Wants))
		for name := range w.req.Wants {
			channels = append(channels, name)
		}
		sort.Strings(channels)
		out = append(out, WaiterInfo{
			ID:       w.id.String(),
			Site:     w.req.Site,
			UserID:   w.req.Identity.UserID,
			Channels: channels,
			Deadline: w.deadline,
		})
	}
	return out
}

// remove drops the waiter from every index. Called exactly once, by the path
// that won the terminal transition.
func (r *Registry) remove(w *Waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.all, w)
	for _, k := range w.keys {
		if set, ok := r.byKey[k]; ok {
			delete(set, w)
			if len(set) == 0 {
				delete(r.byKey, k)
			}
		}
	}
}
