package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/SamSaffron/message-bus/internal/backlog"
	"github.com/SamSaffron/message-bus/internal/channel"
	"github.com/SamSaffron/message-bus/internal/filter"
	"github.com/SamSaffron/message-bus/internal/registry"
	logpkg "github.com/SamSaffron/message-bus/pkg/log"
)

// Since-id sentinels accepted in SubscribeRequest.Wants. Non-negative values
// are concrete last-seen ids.
const (
	// SinceStatus asks for the channel's current last id as a synthetic
	// status message. Never blocks.
	SinceStatus int64 = -1
	// SinceNew skips the backlog and waits only for data published after the
	// subscribe call.
	SinceNew int64 = -2
)

// PublishOptions carries optional visibility restrictions.
type PublishOptions struct {
	UserIDs  []string
	GroupIDs []string
}

// SubscribeRequest is one long-poll subscription attempt.
type SubscribeRequest struct {
	Site     string
	Identity filter.Identity
	// Wants maps channel name to a since id or sentinel.
	Wants   map[string]int64
	Timeout time.Duration
}

// Options tunes the facade.
type Options struct {
	// DefaultTimeout bounds waiters whose request carries no timeout.
	DefaultTimeout time.Duration
}

// Service is the bus facade.
type Service struct {
	store   *backlog.Store
	reg     *registry.Registry
	filters *filter.Pipeline
	logger  logpkg.Logger
	opts    Options
}

// New wires the facade over its collaborators.
func New(store *backlog.Store, reg *registry.Registry, filters *filter.Pipeline, logger logpkg.Logger, opts Options) *Service {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 25 * time.Second
	}
	return &Service{
		store:   store,
		reg:     reg,
		filters: filters,
		logger:  logger.With(logpkg.Component("bus")),
		opts:    opts,
	}
}

// Publish appends data to a channel and returns the assigned id. Waiter
// notification runs on its own goroutine; the publisher never blocks on
// subscriber delivery.
func (s *Service) Publish(ctx context.Context, site, name string, data []byte, opts PublishOptions) (uint64, error) {
	if name == "" || name == channel.StatusChannel {
		return 0, fmt.Errorf("%w: channel %q is not publishable", ErrInvalidRequest, name)
	}
	t0 := time.Now()
	msg, err := s.store.Append(ctx, site, name, data, opts.UserIDs, opts.GroupIDs)
	if err != nil {
		return 0, err
	}
	go s.reg.Wake(channel.Resolve(site, name))

	s.logger.Debug("publish",
		logpkg.Str("site", site),
		logpkg.Str("channel", name),
		logpkg.Uint64("id", msg.ID),
		logpkg.Int("bytes", len(data)),
		logpkg.Int64("dur_ms", time.Since(t0).Milliseconds()))
	return msg.ID, nil
}

// Subscribe resolves the request and either completes comp synchronously
// (returning a nil waiter) or registers a pending waiter whose completion is
// invoked later, exactly once, by a matching publish or the deadline sweep.
func (s *Service) Subscribe(req SubscribeRequest, comp registry.Completion) (*registry.Waiter, error) {
	if len(req.Wants) == 0 {
		return nil, fmt.Errorf("%w: empty wants", ErrInvalidRequest)
	}

	statusWants := make([]string, 0, 2)
	concrete := make(map[string]uint64, len(req.Wants))
	for name, since := range req.Wants {
		if name == "" {
			return nil, fmt.Errorf("%w: empty channel name", ErrInvalidRequest)
		}
		switch {
		case since == SinceStatus:
			statusWants = append(statusWants, name)
		case since == SinceNew:
			last, err := s.store.LastID(req.Site, name)
			if err != nil {
				return nil, err
			}
			concrete[name] = last
		case since >= 0:
			concrete[name] = uint64(since)
		default:
			return nil, fmt.Errorf("%w: unknown since sentinel %d for channel %q", ErrInvalidRequest, since, name)
		}
	}

	var results []backlog.Message
	if len(statusWants) > 0 {
		status, err := s.statusMessage(req.Site, statusWants)
		if err != nil {
			return nil, err
		}
		results = append(results, status)
	}
	immediate, err := s.readImmediate(req.Site, req.Identity, concrete)
	if err != nil {
		return nil, err
	}
	results = append(results, immediate...)

	if len(results) > 0 || len(concrete) == 0 {
		comp.Complete(results)
		return nil, nil
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.opts.DefaultTimeout
	}
	w, err := s.reg.Register(registry.Request{
		Site:     req.Site,
		Identity: req.Identity,
		Wants:    concrete,
	}, time.Now().Add(timeout), comp)
	if err != nil {
		if errors.Is(err, registry.ErrFull) {
			return nil, fmt.Errorf("subscribe: %w", ErrCapacity)
		}
		return nil, err
	}
	// Close the publish/register race: anything appended since the immediate
	// read is picked up here instead of being lost.
	s.reg.Recheck(w)
	return w, nil
}

// Cancel withdraws a pending waiter without completing it, e.g. on transport
// disconnect. Losing to a concurrent match or expiry is fine.
func (s *Service) Cancel(w *registry.Waiter) bool {
	return s.reg.Cancel(w)
}

// LastID exposes the channel counter, 0 for never-published channels.
func (s *Service) LastID(site, name string) (uint64, error) {
	return s.store.LastID(site, name)
}

// readImmediate collects already-available messages across the concrete
// wants and runs them through the filter pipeline as one delivery attempt.
func (s *Service) readImmediate(site string, ident filter.Identity, wants map[string]uint64) ([]backlog.Message, error) {
	if len(wants) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(wants))
	for name := range wants {
		names = append(names, name)
	}
	sort.Strings(names)

	var candidates []backlog.Message
	for _, name := range names {
		msgs, err := s.store.ReadSince(site, name, wants[name])
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, msgs...)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return s.filters.Deliver(ident, candidates), nil
}

// statusMessage synthesizes the /__status payload: a JSON object mapping each
// requested channel to its current last id. It bypasses the filter pipeline.
func (s *Service) statusMessage(site string, names []string) (backlog.Message, error) {
	payload := make(map[string]uint64, len(names))
	for _, name := range names {
		last, err := s.store.LastID(site, name)
		if err != nil {
			return backlog.Message{}, err
		}
		payload[name] = last
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return backlog.Message{}, err
	}
	return backlog.Message{
		Channel:     channel.StatusChannel,
		Site:        site,
		Data:        data,
		CreatedAtMs: time.Now().UnixMilli(),
	}, nil
}
