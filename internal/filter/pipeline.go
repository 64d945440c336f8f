package filter

import (
	"fmt"
	"sync"

	"github.com/SamSaffron/message-bus/internal/backlog"
	logpkg "github.com/SamSaffron/message-bus/pkg/log"
)

// Identity is the resolved subscriber identity. Values are opaque to the
// engine; lookups belong to the transport.
type Identity struct {
	UserID   string
	GroupIDs []string
}

// ChannelFilter may rewrite a per-subscriber copy of a message or drop it.
// Returning false drops the message for this subscriber only.
type ChannelFilter func(id Identity, m backlog.Message) (backlog.Message, bool)

// BatchWrapper brackets one delivery attempt for one subscriber. It must call
// next exactly once; work before and after next runs around every candidate
// message of the wrapped channel.
type BatchWrapper func(id Identity, next func())

// Pipeline holds the registered hooks and applies them per delivery attempt.
type Pipeline struct {
	logger logpkg.Logger

	mu       sync.RWMutex
	filters  map[string]ChannelFilter
	wrappers map[string]BatchWrapper
}

// New returns an empty pipeline.
func New(logger logpkg.Logger) *Pipeline {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &Pipeline{
		logger:   logger.With(logpkg.Component("filter")),
		filters:  map[string]ChannelFilter{},
		wrappers: map[string]BatchWrapper{},
	}
}

// RegisterFilter installs the client filter for a channel, replacing any
// previous one.
func (p *Pipeline) RegisterFilter(channel string, f ChannelFilter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters[channel] = f
}

// RegisterWrapper installs the batch wrapper for a channel.
func (p *Pipeline) RegisterWrapper(channel string, w BatchWrapper) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wrappers[channel] = w
}

// Visible applies the identity gate: a restricted message is visible only if
// the subscriber is in the user allow-list and shares a group with the group
// allow-list. Unrestricted messages are visible to everyone.
func Visible(m backlog.Message, id Identity) bool {
	if len(m.UserIDs) > 0 && !contains(m.UserIDs, id.UserID) {
		return false
	}
	if len(m.GroupIDs) > 0 && !intersects(m.GroupIDs, id.GroupIDs) {
		return false
	}
	return true
}

// Deliver runs one delivery attempt for a subscriber over candidate messages
// and returns the surviving, possibly transformed, copies. Relative order is
// preserved. A hook panic drops that channel's candidates for this attempt
// and is reported to the operator log; other channels and subscribers are
// unaffected.
func (p *Pipeline) Deliver(id Identity, msgs []backlog.Message) []backlog.Message {
	if len(msgs) == 0 {
		return nil
	}

	// Group candidate indices per channel so wrappers bracket a channel's
	// whole batch exactly once.
	order := make([]string, 0, 4)
	byChannel := map[string][]int{}
	for i, m := range msgs {
		if _, seen := byChannel[m.Channel]; !seen {
			order = append(order, m.Channel)
		}
		byChannel[m.Channel] = append(byChannel[m.Channel], i)
	}

	kept := make([]*backlog.Message, len(msgs))
	for _, ch := range order {
		p.deliverChannel(id, ch, byChannel[ch], msgs, kept)
	}

	out := make([]backlog.Message, 0, len(msgs))
	for _, m := range kept {
		if m != nil {
			out = append(out, *m)
		}
	}
	return out
}

func (p *Pipeline) deliverChannel(id Identity, ch string, idxs []int, msgs []backlog.Message, kept []*backlog.Message) {
	p.mu.RLock()
	cf := p.filters[ch]
	wrap := p.wrappers[ch]
	p.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			for _, i := range idxs {
				kept[i] = nil
			}
			p.logger.Error("filter hook panicked; delivery dropped",
				logpkg.Str("channel", ch),
				logpkg.Str("user_id", id.UserID),
				logpkg.Err(fmt.Errorf("%v", r)))
		}
	}()

	evaluate := func() {
		for _, i := range idxs {
			m := msgs[i]
			if !Visible(m, id) {
				continue
			}
			if cf != nil {
				copied, keep := cf(id, m.Copy())
				if !keep {
					continue
				}
				m = copied
			}
			keep := m
			kept[i] = &keep
		}
	}

	if wrap != nil {
		wrap(id, evaluate)
		return
	}
	evaluate()
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
