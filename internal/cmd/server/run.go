package serverrun

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/SamSaffron/message-bus/internal/bus"
	cfgpkg "github.com/SamSaffron/message-bus/internal/config"
	"github.com/SamSaffron/message-bus/internal/runtime"
	httpserver "github.com/SamSaffron/message-bus/internal/server/http"
	logpkg "github.com/SamSaffron/message-bus/pkg/log"
)

// KeepaliveChannel receives a periodic heartbeat so idle deployments still
// see traffic end to end.
const KeepaliveChannel = "/global/__mb_keepalive"

type Options struct {
	Config cfgpkg.Config
	Hooks  httpserver.Hooks
}

// Run starts the engine and the HTTP transport and blocks until ctx is
// cancelled.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logpkg.ApplyConfig(&logpkg.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		logger = logpkg.NewLogger()
	}
	logpkg.RedirectStdLog(logger)

	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()

	logger.Info("starting message bus server",
		logpkg.Str("http", cfg.HTTPAddr),
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("fsync", cfg.Fsync),
		logpkg.Int("max_backlog_size", cfg.MaxBacklogSize),
		logpkg.Int("long_poll_timeout_ms", cfg.LongPollTimeoutMs),
	)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.Registry().Start(sctx, time.Duration(cfg.SweepIntervalMs)*time.Millisecond)
	}()

	if cfg.KeepaliveIntervalMs > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keepalive(sctx, rt, time.Duration(cfg.KeepaliveIntervalMs)*time.Millisecond)
		}()
	}

	hsrv := httpserver.New(rt, opts.Hooks)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, cfg.HTTPAddr); err != nil && sctx.Err() == nil {
			logger.Error("http server failed", logpkg.Err(err))
		}
	}()

	<-sctx.Done()
	// Shut transports down before the runtime so in-flight polls don't hit a
	// closed DB.
	hsrv.Close()
	wg.Wait()
	return nil
}

func keepalive(ctx context.Context, rt *runtime.Runtime, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			payload := []byte(t.UTC().Format(time.RFC3339))
			if _, err := rt.Bus().Publish(ctx, rt.Config().DefaultSite, KeepaliveChannel, payload, bus.PublishOptions{}); err != nil {
				rt.Logger().Warn("keepalive publish failed", logpkg.Err(err))
			}
		}
	}
}
