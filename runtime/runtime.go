// Package runtime is the child-process side of the host boundary. Serve
// speaks the hostproto protocol over stdio on behalf of one extension:
// it presents the registration, dispatches inbound calls, delivers
// broadcast events to local subscriptions, and gives the extension a
// working nested-call path back into the gateway with trace, depth, and
// deadline propagation.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/crosswire/crosswire/errors"
	"github.com/crosswire/crosswire/extension"
	"github.com/crosswire/crosswire/host/hostproto"
	"github.com/crosswire/crosswire/pattern"
	"github.com/crosswire/crosswire/types"
)

type ccKey struct{}

// withCallContext stores the call context of the request currently being
// handled so nested calls can derive a child from it.
func withCallContext(ctx context.Context, cc *types.CallContext) context.Context {
	return context.WithValue(ctx, ccKey{}, cc)
}

func callContextFrom(ctx context.Context) *types.CallContext {
	cc, _ := ctx.Value(ccKey{}).(*types.CallContext)
	return cc
}

type subscription struct {
	id      int
	pattern string
	handler extension.EventHandler
}

// server drives one extension over a frame channel.
type server struct {
	ext    extension.Extension
	reg    types.Registration
	enc    *hostproto.Encoder
	logger *slog.Logger

	mu      sync.Mutex
	subs    []subscription
	nextSub int
	pending map[string]chan hostproto.Frame
}

// Serve runs ext over stdin/stdout until the pipe closes or the process
// receives SIGINT/SIGTERM. Diagnostics go to stderr; stdout is reserved
// for protocol frames.
func Serve(ext extension.Extension) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, ext, os.Stdin, os.Stdout, logger)
}

// serve is Serve over explicit pipes.
func serve(ctx context.Context, ext extension.Extension, r io.Reader, w io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	reg := ext.Registration()
	if err := reg.Validate(); err != nil {
		return err
	}
	s := &server{
		ext:     ext,
		reg:     reg,
		enc:     hostproto.NewEncoder(w),
		logger:  logger.With("extension", reg.ID),
		pending: make(map[string]chan hostproto.Frame),
	}

	if err := s.enc.Encode(hostproto.Frame{Kind: hostproto.KindHello, Registration: &reg}); err != nil {
		return err
	}
	dec := hostproto.NewDecoder(r)
	ready, err := dec.Decode()
	if err != nil {
		return errors.WrapTransient(err, "runtime", "serve", "handshake read")
	}
	if ready.Kind != hostproto.KindReady {
		return errors.WrapInvalid(fmt.Errorf("expected ready, got %q", ready.Kind), "runtime", "serve", "handshake frame check")
	}

	ec := extension.NewContext(reg.ID, ready.Config, s.logger, extension.Hooks{
		Subscribe: s.subscribe,
		Emit:      s.emit,
		Call:      s.call,
	})
	if err := ext.Start(ctx, ec); err != nil {
		return errors.Wrap(err, "runtime", "serve", "extension start")
	}
	defer func() {
		if err := ext.Stop(); err != nil {
			s.logger.Warn("extension stop failed", "error", err)
		}
	}()

	frames := make(chan hostproto.Frame)
	readErr := make(chan error, 1)
	go func() {
		for {
			f, err := dec.Decode()
			if err != nil {
				readErr <- err
				return
			}
			frames <- f
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err == io.EOF {
				return nil
			}
			return err
		case f := <-frames:
			s.handle(ctx, f)
		}
	}
}

func (s *server) handle(ctx context.Context, f hostproto.Frame) {
	switch f.Kind {
	case hostproto.KindReq:
		go s.handleReq(ctx, f)
	case hostproto.KindRes:
		s.mu.Lock()
		ch, ok := s.pending[f.ID]
		if ok {
			delete(s.pending, f.ID)
		}
		s.mu.Unlock()
		if ok {
			ch <- f
		}
	case hostproto.KindEvent:
		if f.Event != nil {
			go s.deliverEvent(*f.Event)
		}
	case hostproto.KindRoute:
		go s.handleRoute(f)
	case hostproto.KindHealth:
		h := s.ext.Health()
		s.respond(hostproto.Frame{Kind: hostproto.KindRes, ID: f.ID, OK: h.Healthy, Health: &h})
	default:
		s.logger.Warn("unexpected frame from gateway", "kind", f.Kind)
	}
}

// handleReq executes one method call. Methods arrive fully qualified;
// the extension declared them without the id prefix.
func (s *server) handleReq(ctx context.Context, f hostproto.Frame) {
	method := strings.TrimPrefix(f.Method, s.reg.ID+".")
	callCtx := ctx
	if f.CallContext != nil {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithDeadline(ctx, time.UnixMilli(f.CallContext.Deadline))
		defer cancel()
		callCtx = withCallContext(callCtx, f.CallContext)
	}

	resp := hostproto.Frame{Kind: hostproto.KindRes, ID: f.ID}
	result, err := s.ext.HandleMethod(callCtx, method, f.Params)
	if err != nil {
		resp.Error = err.Error()
		s.respond(resp)
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		resp.Error = "result marshaling failed: " + err.Error()
		s.respond(resp)
		return
	}
	resp.OK = true
	resp.Payload = payload
	s.respond(resp)
}

func (s *server) handleRoute(f hostproto.Frame) {
	resp := hostproto.Frame{Kind: hostproto.KindRes, ID: f.ID}
	responder, ok := s.ext.(extension.SourceResponder)
	if ok && f.Event != nil {
		if err := responder.HandleSourceResponse(f.Source, *f.Event); err != nil {
			s.logger.Warn("source response failed", "source", f.Source, "error", err)
		} else {
			resp.OK = true
		}
	}
	s.respond(resp)
}

// deliverEvent fans a broadcast event out to matching local subscriptions.
// It runs off the frame loop, so a handler may issue nested calls without
// stalling frame intake. A panicking handler is contained and logged;
// remaining handlers still run.
func (s *server) deliverEvent(ev types.GatewayEvent) {
	s.mu.Lock()
	matched := make([]extension.EventHandler, 0, len(s.subs))
	for _, sub := range s.subs {
		if pattern.Matches(ev.Type, sub.pattern) {
			matched = append(matched, sub.handler)
		}
	}
	s.mu.Unlock()

	for _, handler := range matched {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("event handler panicked", "eventType", ev.Type, "panic", r)
				}
			}()
			handler(ev)
		}()
	}
}

func (s *server) subscribe(p string, handler extension.EventHandler) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs = append(s.subs, subscription{id: id, pattern: p, handler: handler})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// respond writes a response frame back to the gateway. Callers have no
// recourse on a failed write, so failures are logged rather than returned.
func (s *server) respond(f hostproto.Frame) {
	if err := s.enc.Encode(f); err != nil {
		s.logger.Warn("response write failed", "id", f.ID, "error", err)
	}
}

func (s *server) emit(ev types.GatewayEvent) error {
	return s.enc.Encode(hostproto.Frame{Kind: hostproto.KindEvent, Event: &ev})
}

// call performs a nested call through the gateway. The parent call's
// context, when present, yields a child with incremented depth and the
// shared deadline; a standalone call gets a fresh root context.
func (s *server) call(ctx context.Context, method string, params map[string]any, connectionID string, cc *types.CallContext) (json.RawMessage, error) {
	if cc == nil {
		if parent := callContextFrom(ctx); parent != nil {
			child, err := parent.Child()
			if err != nil {
				return nil, err
			}
			cc = child
		} else {
			cc = types.NewCallContext(0)
		}
	}
	if cc.Expired() {
		return nil, errors.WrapTransient(errors.ErrCallTimeout, "runtime", "call", "deadline check")
	}

	id := uuid.NewString()
	respCh := make(chan hostproto.Frame, 1)
	s.mu.Lock()
	s.pending[id] = respCh
	s.mu.Unlock()

	err := s.enc.Encode(hostproto.Frame{
		Kind:         hostproto.KindReq,
		ID:           id,
		Method:       method,
		Params:       params,
		ConnectionID: connectionID,
		CallContext:  cc,
	})
	if err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(cc.Remaining())
	defer timer.Stop()
	select {
	case resp := <-respCh:
		if !resp.OK {
			return nil, errors.WrapTransient(fmt.Errorf("%s", resp.Error), "runtime", "call", "gateway dispatch")
		}
		return resp.Payload, nil
	case <-timer.C:
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, errors.WrapTransient(errors.ErrCallTimeout, "runtime", "call", "response wait")
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, errors.WrapTransient(ctx.Err(), "runtime", "call", "context wait")
	}
}
