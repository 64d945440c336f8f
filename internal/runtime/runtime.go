package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SamSaffron/message-bus/internal/backlog"
	"github.com/SamSaffron/message-bus/internal/bus"
	cfgpkg "github.com/SamSaffron/message-bus/internal/config"
	"github.com/SamSaffron/message-bus/internal/filter"
	"github.com/SamSaffron/message-bus/internal/registry"
	pebblestore "github.com/SamSaffron/message-bus/internal/storage/pebble"
	logpkg "github.com/SamSaffron/message-bus/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger logpkg.Logger
}

// Runtime wires storage, the backlog, the filter pipeline, the wait registry
// and the bus facade for a single-node instance.
type Runtime struct {
	db      *pebblestore.DB
	store   *backlog.Store
	filters *filter.Pipeline
	reg     *registry.Registry
	bus     *bus.Service
	config  cfgpkg.Config
	logger  logpkg.Logger
}

// Open initializes the underlying storage and assembles the engine.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger()
	}

	fsync, err := fsyncMode(cfg.Fsync)
	if err != nil {
		return nil, err
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       cfg.DataDir,
		Fsync:         fsync,
		FsyncInterval: time.Duration(cfg.FsyncIntervalMs) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}

	store := backlog.Open(db, logger, backlog.Options{
		MaxBacklogSize: cfg.MaxBacklogSize,
		MaxBacklogAge:  time.Duration(cfg.MaxBacklogAgeMs) * time.Millisecond,
	})
	filters := filter.New(logger)
	for ch, expr := range cfg.ChannelFilters {
		if err := filters.RegisterCELFilter(ch, expr); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("channel filter %q: %w", ch, err)
		}
	}
	reg := registry.New(store, filters, logger, cfg.MaxWaiters)
	svc := bus.New(store, reg, filters, logger, bus.Options{
		DefaultTimeout: time.Duration(cfg.LongPollTimeoutMs) * time.Millisecond,
	})

	return &Runtime{
		db:      db,
		store:   store,
		filters: filters,
		reg:     reg,
		bus:     svc,
		config:  cfg,
		logger:  logger,
	}, nil
}

func fsyncMode(s string) (pebblestore.FsyncMode, error) {
	switch s {
	case "always", "":
		return pebblestore.FsyncModeAlways, nil
	case "interval":
		return pebblestore.FsyncModeInterval, nil
	case "never":
		return pebblestore.FsyncModeNever, nil
	default:
		return 0, fmt.Errorf("unknown fsync mode %q", s)
	}
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple health check against storage.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// Bus returns the publish/subscribe facade.
func (r *Runtime) Bus() *bus.Service { return r.bus }

// Registry returns the wait registry, for the sweep loop and diagnostics.
func (r *Runtime) Registry() *registry.Registry { return r.reg }

// Store returns the backlog store, for diagnostics.
func (r *Runtime) Store() *backlog.Store { return r.store }

// Filters returns the delivery pipeline so transports can register hooks.
func (r *Runtime) Filters() *filter.Pipeline { return r.filters }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// Logger returns the runtime's base logger.
func (r *Runtime) Logger() logpkg.Logger { return r.logger }
