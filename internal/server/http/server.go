package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/SamSaffron/message-bus/internal/backlog"
	"github.com/SamSaffron/message-bus/internal/bus"
	"github.com/SamSaffron/message-bus/internal/filter"
	"github.com/SamSaffron/message-bus/internal/registry"
	"github.com/SamSaffron/message-bus/internal/runtime"
	logpkg "github.com/SamSaffron/message-bus/pkg/log"
)

// Hooks let the embedding application resolve request identity and privilege.
// Every field is optional; nil hooks fall back to defaults.
type Hooks struct {
	// SiteResolver maps a request to its tenant. Defaults to the configured
	// default site.
	SiteResolver func(r *http.Request) string
	// UserResolver maps a request to a user id for visibility checks.
	UserResolver func(r *http.Request) string
	// GroupsResolver maps a request to its group memberships.
	GroupsResolver func(r *http.Request) []string
	// HeadersLookup returns extra headers stamped on every poll response.
	HeadersLookup func(r *http.Request) map[string]string
	// Privileged gates the diagnostics endpoints. Defaults to deny.
	Privileged func(r *http.Request) bool
}

type Server struct {
	rt     *runtime.Runtime
	hooks  Hooks
	srv    *http.Server
	lis    net.Listener
	logger logpkg.Logger
}

func New(rt *runtime.Runtime, hooks Hooks) *Server {
	mux := http.NewServeMux()
	s := &Server{
		rt:     rt,
		hooks:  hooks,
		logger: rt.Logger().With(logpkg.Component("http")),
	}
	s.srv = &http.Server{Handler: s.accessLog(mux)}
	mux.HandleFunc("GET /v1/healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/bus/{client_id}", s.handlePoll)
	mux.HandleFunc("POST /v1/publish", s.handlePublish)
	mux.HandleFunc("GET /v1/diagnostics/waiters", s.handleDiagWaiters)
	mux.HandleFunc("GET /v1/diagnostics/backlog", s.handleDiagBacklog)
	return s
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler exposes the routing stack for tests and embedding.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-Id", reqID)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			logpkg.Str("id", reqID),
			logpkg.Str("method", r.Method),
			logpkg.Str("path", r.URL.Path),
			logpkg.Int64("dur_ms", time.Since(start).Milliseconds()))
	})
}

func (s *Server) site(r *http.Request) string {
	if s.hooks.SiteResolver != nil {
		if site := s.hooks.SiteResolver(r); site != "" {
			return site
		}
	}
	return s.rt.Config().DefaultSite
}

func (s *Server) identity(r *http.Request) filter.Identity {
	var ident filter.Identity
	if s.hooks.UserResolver != nil {
		ident.UserID = s.hooks.UserResolver(r)
	}
	if s.hooks.GroupsResolver != nil {
		ident.GroupIDs = s.hooks.GroupsResolver(r)
	}
	return ident
}

func (s *Server) privileged(r *http.Request) bool {
	return s.hooks.Privileged != nil && s.hooks.Privileged(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_serving"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// wireMessage is one delivered message on the poll response.
type wireMessage struct {
	Channel   string `json:"channel"`
	MessageID uint64 `json:"message_id,omitempty"`
	Data      string `json:"data"`
}

// pollCompletion bridges the registry's completion callback to the blocked
// request handler. The 1-slot buffer keeps Complete non-blocking even when
// the handler already gave up.
type pollCompletion struct {
	ch chan []backlog.Message
}

func newPollCompletion() *pollCompletion {
	return &pollCompletion{ch: make(chan []backlog.Message, 1)}
}

func (c *pollCompletion) Complete(msgs []backlog.Message) { c.ch <- msgs }

// handlePoll serves one long-poll cycle. The body is a JSON object mapping
// channel name to the last seen message id; -1 asks for channel status and
// -2 subscribes from now. dlp=t disables long polling and returns whatever
// is immediately available.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	if clientID == "" {
		http.Error(w, "missing client id", http.StatusBadRequest)
		return
	}
	var raw map[string]*int64
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "malformed subscription body", http.StatusBadRequest)
		return
	}
	// A null since means the client has no position yet: subscribe from now
	// rather than replaying the full backlog.
	wants := make(map[string]int64, len(raw))
	for name, since := range raw {
		if since == nil {
			wants[name] = bus.SinceNew
			continue
		}
		wants[name] = *since
	}

	req := bus.SubscribeRequest{
		Site:     s.site(r),
		Identity: s.identity(r),
		Wants:    wants,
	}
	if r.URL.Query().Get("dlp") == "t" {
		// Disable long polling: degrade to an immediate read by using a
		// minimal timeout and treating registration as an empty result.
		req.Timeout = time.Millisecond
	}

	comp := newPollCompletion()
	waiter, err := s.rt.Bus().Subscribe(req, comp)
	if err != nil {
		s.writeSubscribeError(w, err)
		return
	}

	if waiter != nil && r.URL.Query().Get("dlp") == "t" {
		// Immediate mode with nothing buffered: answer empty now. If cancel
		// loses to a concurrent completion, take its result instead.
		var msgs []backlog.Message
		if !s.rt.Bus().Cancel(waiter) {
			msgs = <-comp.ch
		}
		s.writePollResponse(w, r, clientID, msgs)
		return
	}

	var msgs []backlog.Message
	if waiter == nil {
		msgs = <-comp.ch
	} else {
		select {
		case msgs = <-comp.ch:
		case <-r.Context().Done():
			// Client went away; withdraw the waiter. Losing the race to a
			// concurrent completion is fine, the buffered channel absorbs it.
			s.rt.Bus().Cancel(waiter)
			return
		}
	}
	s.writePollResponse(w, r, clientID, msgs)
}

func (s *Server) writePollResponse(w http.ResponseWriter, r *http.Request, clientID string, msgs []backlog.Message) {
	if s.hooks.HeadersLookup != nil {
		for k, v := range s.hooks.HeadersLookup(r) {
			w.Header().Set(k, v)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wireMessage{
			Channel:   m.Channel,
			MessageID: m.ID,
			Data:      string(m.Data),
		})
	}
	s.logger.Debug("poll complete",
		logpkg.Str("client_id", clientID),
		logpkg.Int("messages", len(out)))
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) writeSubscribeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bus.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, bus.ErrCapacity):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type publishReq struct {
	Channel  string   `json:"channel"`
	Data     string   `json:"data"`
	UserIDs  []string `json:"user_ids,omitempty"`
	GroupIDs []string `json:"group_ids,omitempty"`
}

type publishResp struct {
	ID uint64 `json:"id"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed publish body", http.StatusBadRequest)
		return
	}
	id, err := s.rt.Bus().Publish(r.Context(), s.site(r), req.Channel, []byte(req.Data), bus.PublishOptions{
		UserIDs:  req.UserIDs,
		GroupIDs: req.GroupIDs,
	})
	if err != nil {
		s.writeSubscribeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(publishResp{ID: id})
}

func (s *Server) handleDiagWaiters(w http.ResponseWriter, r *http.Request) {
	if !s.privileged(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Count   int                   `json:"count"`
		Waiters []registry.WaiterInfo `json:"waiters"`
	}{
		Count:   s.rt.Registry().Len(),
		Waiters: s.rt.Registry().Snapshot(),
	})
}

func (s *Server) handleDiagBacklog(w http.ResponseWriter, r *http.Request) {
	if !s.privileged(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.rt.Store().PartitionStats())
}
