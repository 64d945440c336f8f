package registry

import (
	"sync/atomic"
	"time"

	"github.com/SamSaffron/message-bus/internal/backlog"
	"github.com/SamSaffron/message-bus/internal/filter"
	"github.com/SamSaffron/message-bus/pkg/id"
)

// Completion receives a waiter's single terminal result: messages on a
// matching publish, nil on deadline expiry. It must be safe to invoke from
// any goroutine and must not block.
type Completion interface {
	Complete(msgs []backlog.Message)
}

// Request describes what a waiter is watching. Since ids are concrete here;
// sentinel resolution happens in the bus facade before registration.
type Request struct {
	Site     string
	Identity filter.Identity
	// Wants maps channel name to the subscriber's last seen id.
	Wants map[string]uint64
}

// Waiter states. Registered is the only non-terminal state.
const (
	stateRegistered int32 = iota
	stateCompleted
	stateExpired
	stateCanceled
)

// Waiter is one pending long-poll response.
type Waiter struct {
	id       id.ID
	req      Request
	deadline time.Time
	comp     Completion
	keys     []string // encoded partition keys this waiter is indexed under
	state    atomic.Int32
}

// ID returns the waiter's sortable handle.
func (w *Waiter) ID() id.ID { return w.id }

// Deadline returns the absolute expiry time fixed at registration.
func (w *Waiter) Deadline() time.Time { return w.deadline }

// Request returns the registered request.
func (w *Waiter) Request() Request { return w.req }

// transition attempts the single allowed terminal transition.
func (w *Waiter) transition(to int32) bool {
	return w.state.CompareAndSwap(stateRegistered, to)
}

func (w *Waiter) terminal() bool { return w.state.Load() != stateRegistered }
