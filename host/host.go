// Package host bridges the extension manager to out-of-process extensions.
// An Adapter owns one child process, speaks the hostproto frame protocol
// over its stdin/stdout, and exposes the capability contract operations the
// manager needs: method calls with deadlines, fire-and-forget event
// delivery, source routing, liveness, and graceful/forced termination.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/crosswire/crosswire/errors"
	"github.com/crosswire/crosswire/host/hostproto"
	"github.com/crosswire/crosswire/metric"
	"github.com/crosswire/crosswire/pkg/retry"
	"github.com/crosswire/crosswire/types"
)

const (
	// HelloTimeout bounds how long a freshly spawned child may take to
	// present its registration.
	HelloTimeout = 10 * time.Second
	// KillGracePeriod is how long Kill waits after SIGTERM before
	// escalating to SIGKILL.
	KillGracePeriod = 5 * time.Second
	// routeTimeout bounds the child's acknowledgement of a routed event.
	routeTimeout = 5 * time.Second
	// healthTimeout bounds a health probe round trip.
	healthTimeout = 3 * time.Second
	// eventBuffer is the outbound event queue depth. Events beyond it are
	// dropped so a slow child never stalls the broadcast loop.
	eventBuffer = 256
)

// process abstracts the child process handle so the frame machinery can be
// exercised over plain pipes in tests.
type process interface {
	Signal() error // graceful termination request
	Kill() error   // immediate termination
}

// Adapter is the manager-side handle for one child-process extension.
type Adapter struct {
	reg     types.Registration
	logger  *slog.Logger
	metrics *metric.Metrics

	enc  *hostproto.Encoder
	proc process

	mu       sync.Mutex
	pending  map[string]chan hostproto.Frame
	dispatch types.DispatchFunc
	sink     func(types.GatewayEvent)

	running atomic.Bool
	exited  chan struct{}
	events  chan types.GatewayEvent

	dropWarn *rate.Limiter
	dropped  atomic.Int64
}

// attach wires an adapter over an established frame channel and performs
// the hello/ready handshake: the child presents its registration, the
// adapter acknowledges with the extension's configuration.
func attach(logger *slog.Logger, metrics *metric.Metrics, r io.Reader, w io.Writer, proc process, config map[string]any) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		logger:   logger,
		metrics:  metrics,
		enc:      hostproto.NewEncoder(w),
		proc:     proc,
		pending:  make(map[string]chan hostproto.Frame),
		exited:   make(chan struct{}),
		events:   make(chan types.GatewayEvent, eventBuffer),
		dropWarn: rate.NewLimiter(rate.Every(time.Second), 1),
	}

	dec := hostproto.NewDecoder(r)
	hello, err := readHello(dec)
	if err != nil {
		return nil, err
	}
	if hello.Registration == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidRegistration, "host", "attach", "hello registration check")
	}
	if err := hello.Registration.Validate(); err != nil {
		return nil, err
	}
	a.reg = *hello.Registration
	a.logger = logger.With("extension", a.reg.ID)

	if err := a.enc.Encode(hostproto.Frame{Kind: hostproto.KindReady, Config: config}); err != nil {
		return nil, err
	}

	a.running.Store(true)
	go a.readLoop(dec)
	go a.writeLoop()
	return a, nil
}

// readHello reads frames until the hello arrives, bounded by HelloTimeout.
func readHello(dec *hostproto.Decoder) (hostproto.Frame, error) {
	type result struct {
		frame hostproto.Frame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := dec.Decode()
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return r.frame, errors.WrapTransient(r.err, "host", "readHello", "handshake read")
		}
		if r.frame.Kind != hostproto.KindHello {
			return r.frame, errors.WrapInvalid(fmt.Errorf("expected hello, got %q", r.frame.Kind), "host", "readHello", "handshake frame check")
		}
		return r.frame, nil
	case <-time.After(HelloTimeout):
		return hostproto.Frame{}, errors.WrapTransient(errors.ErrCallTimeout, "host", "readHello", "handshake wait")
	}
}

// Registration returns the manifest the child presented at handshake.
func (a *Adapter) Registration() types.Registration { return a.reg }

// SetDispatcher installs the gateway dispatch function used for nested
// calls the child makes back into the gateway. The manager installs it at
// registration time.
func (a *Adapter) SetDispatcher(d types.DispatchFunc) {
	a.mu.Lock()
	a.dispatch = d
	a.mu.Unlock()
}

// SetEventSink installs the function receiving events the child emits.
func (a *Adapter) SetEventSink(sink func(types.GatewayEvent)) {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()
}

// IsRunning reports whether the child process is alive and the pipes open.
func (a *Adapter) IsRunning() bool { return a.running.Load() }

// CallMethod dispatches one method call to the child and waits for its
// response. The effective deadline is the tightest of the call context's
// deadline, the Go context's deadline, and the default call timeout. A
// response arriving after the deadline is dropped: the pending entry is
// released on timeout so late answers find nothing to complete.
func (a *Adapter) CallMethod(ctx context.Context, method string, params map[string]any, connectionID string, cc *types.CallContext) (json.RawMessage, error) {
	if !a.IsRunning() {
		return nil, errors.WrapTransient(errors.ErrHostUnavailable, "host", "CallMethod", "liveness check")
	}
	if cc == nil {
		cc = types.NewCallContext(0)
	}
	timeout := cc.Remaining()
	if d, ok := ctx.Deadline(); ok {
		if until := time.Until(d); until < timeout {
			timeout = until
		}
	}
	if timeout <= 0 {
		return nil, errors.WrapTransient(errors.ErrCallTimeout, "host", "CallMethod", "deadline check")
	}

	id := uuid.NewString()
	respCh := make(chan hostproto.Frame, 1)
	a.mu.Lock()
	a.pending[id] = respCh
	a.mu.Unlock()

	err := a.enc.Encode(hostproto.Frame{
		Kind:         hostproto.KindReq,
		ID:           id,
		Method:       method,
		Params:       params,
		ConnectionID: connectionID,
		CallContext:  cc,
	})
	if err != nil {
		a.releasePending(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, errors.WrapTransient(errors.ErrHostClosed, "host", "CallMethod", "process exit wait")
		}
		if !resp.OK {
			return nil, errors.WrapTransient(fmt.Errorf("%s", resp.Error), "host", "CallMethod", "remote method execution")
		}
		return resp.Payload, nil
	case <-timer.C:
		a.releasePending(id)
		return nil, errors.WrapTransient(errors.ErrCallTimeout, "host", "CallMethod", "response wait")
	case <-ctx.Done():
		a.releasePending(id)
		return nil, errors.WrapTransient(ctx.Err(), "host", "CallMethod", "context wait")
	case <-a.exited:
		return nil, errors.WrapTransient(errors.ErrHostClosed, "host", "CallMethod", "process exit wait")
	}
}

// SendEvent queues an event for fire-and-forget delivery to the child. It
// never blocks: when the queue is full the event is dropped and a
// rate-limited warning records the running drop count.
func (a *Adapter) SendEvent(ev types.GatewayEvent) {
	if !a.IsRunning() {
		return
	}
	select {
	case a.events <- ev:
	default:
		n := a.dropped.Add(1)
		a.metrics.RecordEventDropped(a.reg.ID)
		if a.dropWarn.Allow() {
			a.logger.Warn("event queue full, dropping",
				"eventType", ev.Type,
				"totalDropped", n)
		}
	}
}

// RouteToSource delivers a source-routed event to the child and reports
// acceptance. A dead process, a write failure, a rejection, or a slow
// acknowledgement all yield false, never an error: routing outcomes are
// signals, not faults.
func (a *Adapter) RouteToSource(source string, ev types.GatewayEvent) bool {
	if !a.IsRunning() {
		return false
	}
	id := uuid.NewString()
	respCh := make(chan hostproto.Frame, 1)
	a.mu.Lock()
	a.pending[id] = respCh
	a.mu.Unlock()

	err := a.enc.Encode(hostproto.Frame{
		Kind:   hostproto.KindRoute,
		ID:     id,
		Source: source,
		Event:  &ev,
	})
	if err != nil {
		a.releasePending(id)
		return false
	}

	timer := time.NewTimer(routeTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-respCh:
		return ok && resp.OK
	case <-timer.C:
		a.releasePending(id)
		return false
	case <-a.exited:
		return false
	}
}

// Health probes the child. A dead process, or one that does not answer
// within the probe timeout, reports unhealthy.
func (a *Adapter) Health(ctx context.Context) types.HealthStatus {
	if !a.IsRunning() {
		return types.HealthStatus{Healthy: false, Details: map[string]any{"remote": true, "running": false}}
	}
	id := uuid.NewString()
	respCh := make(chan hostproto.Frame, 1)
	a.mu.Lock()
	a.pending[id] = respCh
	a.mu.Unlock()

	if err := a.enc.Encode(hostproto.Frame{Kind: hostproto.KindHealth, ID: id}); err != nil {
		a.releasePending(id)
		return types.HealthStatus{Healthy: false, Details: map[string]any{"remote": true, "error": err.Error()}}
	}

	timer := time.NewTimer(healthTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-respCh:
		if !ok {
			return types.HealthStatus{Healthy: false, Details: map[string]any{"remote": true, "running": false}}
		}
		if resp.Health != nil {
			h := *resp.Health
			if h.Details == nil {
				h.Details = map[string]any{}
			}
			h.Details["remote"] = true
			return h
		}
		return types.HealthStatus{Healthy: resp.OK, Details: map[string]any{"remote": true}}
	case <-timer.C:
		a.releasePending(id)
		return types.HealthStatus{Healthy: false, Details: map[string]any{"remote": true, "error": "health probe timed out"}}
	case <-ctx.Done():
		a.releasePending(id)
		return types.HealthStatus{Healthy: false, Details: map[string]any{"remote": true, "error": ctx.Err().Error()}}
	case <-a.exited:
		return types.HealthStatus{Healthy: false, Details: map[string]any{"remote": true, "running": false}}
	}
}

// Kill requests graceful termination and waits for the process to exit,
// escalating to forced termination when the grace period (or ctx) elapses
// first. Returns the signal error when the termination request itself
// fails, so callers can still attempt ForceKill.
func (a *Adapter) Kill(ctx context.Context) error {
	if !a.IsRunning() {
		return nil
	}
	if a.proc == nil {
		a.shutdown()
		return nil
	}
	if err := a.proc.Signal(); err != nil {
		return errors.WrapTransient(err, "host", "Kill", "termination signal")
	}

	grace := time.NewTimer(KillGracePeriod)
	defer grace.Stop()
	select {
	case <-a.exited:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	a.logger.Warn("graceful shutdown timed out, force killing")
	a.ForceKill()
	return nil
}

// ForceKill terminates the process immediately. Used during gateway
// shutdown to guarantee no leaked children. Safe to call after a failed
// Kill and on an already-dead process.
func (a *Adapter) ForceKill() {
	if a.proc != nil {
		if err := a.proc.Kill(); err != nil && a.IsRunning() {
			a.logger.Warn("force kill failed", "error", err)
		}
	}
	a.shutdown()
}

// shutdown flips liveness and fails every pending call exactly once.
func (a *Adapter) shutdown() {
	if !a.running.CompareAndSwap(true, false) {
		return
	}
	close(a.exited)
	a.mu.Lock()
	for id, ch := range a.pending {
		delete(a.pending, id)
		close(ch)
	}
	a.mu.Unlock()
}

func (a *Adapter) releasePending(id string) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

// readLoop owns the inbound pipe: responses complete pending calls, events
// flow to the sink, requests are nested calls dispatched back into the
// gateway. It runs until the pipe closes, then marks the host dead.
func (a *Adapter) readLoop(dec *hostproto.Decoder) {
	defer a.shutdown()
	for {
		frame, err := dec.Decode()
		if err != nil {
			if err != io.EOF && a.IsRunning() {
				a.logger.Warn("frame read failed", "error", err)
			}
			return
		}
		switch frame.Kind {
		case hostproto.KindRes:
			a.mu.Lock()
			ch, ok := a.pending[frame.ID]
			if ok {
				delete(a.pending, frame.ID)
			}
			a.mu.Unlock()
			if !ok {
				// Deadline already elapsed and released this entry.
				a.logger.Debug("dropping late response", "id", frame.ID)
				continue
			}
			ch <- frame
		case hostproto.KindEvent:
			if frame.Event == nil {
				continue
			}
			a.mu.Lock()
			sink := a.sink
			a.mu.Unlock()
			if sink != nil {
				sink(*frame.Event)
			}
		case hostproto.KindReq:
			go a.handleNestedCall(frame)
		default:
			a.logger.Warn("unexpected frame from child", "kind", frame.Kind)
		}
	}
}

// handleNestedCall services a child-initiated call into the gateway and
// writes exactly one response frame.
func (a *Adapter) handleNestedCall(frame hostproto.Frame) {
	a.mu.Lock()
	dispatch := a.dispatch
	a.mu.Unlock()

	resp := hostproto.Frame{Kind: hostproto.KindRes, ID: frame.ID}
	if dispatch == nil {
		resp.Error = "gateway dispatch unavailable"
	} else {
		ctx := context.Background()
		if cc := frame.CallContext; cc != nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, time.UnixMilli(cc.Deadline))
			defer cancel()
		}
		payload, err := dispatch(ctx, frame.Method, frame.Params, frame.ConnectionID, frame.CallContext)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.OK = true
			resp.Payload = payload
		}
	}
	if err := a.enc.Encode(resp); err != nil && a.IsRunning() {
		a.logger.Warn("nested call response write failed", "error", err)
	}
}

// writeLoop drains the outbound event queue. Writes get a short bounded
// retry; a persistently broken pipe drops the event and the read side will
// notice the dead process.
func (a *Adapter) writeLoop() {
	cfg := retry.Config{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond, Multiplier: 2.0}
	for {
		select {
		case ev := <-a.events:
			err := retry.Do(context.Background(), cfg, func() error {
				return a.enc.Encode(hostproto.Frame{Kind: hostproto.KindEvent, Event: &ev})
			})
			if err != nil && a.IsRunning() {
				a.logger.Warn("event delivery failed", "eventType", ev.Type, "error", err)
			}
		case <-a.exited:
			return
		}
	}
}
