package host

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosswire/crosswire/errors"
	"github.com/crosswire/crosswire/host/hostproto"
	"github.com/crosswire/crosswire/metric"
	"github.com/crosswire/crosswire/types"
)

type fakeProc struct {
	signalErr error
	onSignal  func()
	killed    bool
}

func (p *fakeProc) Signal() error {
	if p.signalErr != nil {
		return p.signalErr
	}
	if p.onSignal != nil {
		p.onSignal()
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.killed = true
	return nil
}

// childPipes is the far side of an adapter attached over in-memory pipes,
// standing in for a real child process.
type childPipes struct {
	enc *hostproto.Encoder
	dec *hostproto.Decoder
	// closeOut closes the child's outbound pipe, which the adapter's read
	// loop observes as process death.
	closeOut func()
}

func testRegistration() types.Registration {
	return types.Registration{
		ID:           "echo",
		Name:         "Echo",
		Methods:      []types.MethodDef{{Name: "say"}},
		SourceRoutes: []string{"phone"},
	}
}

// newTestAdapter attaches an adapter over pipes, driving the child side of
// the handshake. It returns the adapter, the child pipes, and the ready
// frame the child received.
func newTestAdapter(t *testing.T, proc process) (*Adapter, *childPipes, hostproto.Frame) {
	t.Helper()
	toChildR, toChildW := io.Pipe()
	fromChildR, fromChildW := io.Pipe()

	child := &childPipes{
		enc:      hostproto.NewEncoder(fromChildW),
		dec:      hostproto.NewDecoder(toChildR),
		closeOut: func() { _ = fromChildW.Close() },
	}

	reg := testRegistration()
	readyCh := make(chan hostproto.Frame, 1)
	go func() {
		_ = child.enc.Encode(hostproto.Frame{Kind: hostproto.KindHello, Registration: &reg})
		f, _ := child.dec.Decode()
		readyCh <- f
	}()

	a, err := attach(slog.Default(), metric.NewMetrics(), fromChildR, toChildW, proc, map[string]any{"greeting": "hello"})
	require.NoError(t, err)
	ready := <-readyCh

	t.Cleanup(func() {
		a.ForceKill()
		_ = toChildR.Close()
		_ = toChildW.Close()
		_ = fromChildR.Close()
		_ = fromChildW.Close()
	})
	return a, child, ready
}

func TestHandshake(t *testing.T) {
	a, _, ready := newTestAdapter(t, &fakeProc{})

	assert.Equal(t, "echo", a.Registration().ID)
	assert.Equal(t, []string{"phone"}, a.Registration().SourceRoutes)
	assert.True(t, a.IsRunning())
	assert.Equal(t, hostproto.KindReady, ready.Kind)
	assert.Equal(t, "hello", ready.Config["greeting"])
}

func TestCallMethod_RoundTrip(t *testing.T) {
	a, child, _ := newTestAdapter(t, &fakeProc{})

	go func() {
		req, err := child.dec.Decode()
		if err != nil {
			return
		}
		_ = child.enc.Encode(hostproto.Frame{
			Kind:    hostproto.KindRes,
			ID:      req.ID,
			OK:      true,
			Payload: json.RawMessage(`{"echoed":"hi"}`),
		})
	}()

	cc := types.NewCallContext(5 * time.Second)
	payload, err := a.CallMethod(context.Background(), "echo.say", map[string]any{"text": "hi"}, "conn-1", cc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"echoed":"hi"}`, string(payload))
}

func TestCallMethod_RemoteError(t *testing.T) {
	a, child, _ := newTestAdapter(t, &fakeProc{})

	go func() {
		req, err := child.dec.Decode()
		if err != nil {
			return
		}
		_ = child.enc.Encode(hostproto.Frame{Kind: hostproto.KindRes, ID: req.ID, Error: "boom"})
	}()

	_, err := a.CallMethod(context.Background(), "echo.say", nil, "", types.NewCallContext(5*time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestCallMethod_TimeoutDropsLateResponse(t *testing.T) {
	a, child, _ := newTestAdapter(t, &fakeProc{})

	reqCh := make(chan hostproto.Frame, 1)
	go func() {
		req, err := child.dec.Decode()
		if err != nil {
			return
		}
		reqCh <- req
	}()

	cc := &types.CallContext{TraceID: "t", Deadline: time.Now().Add(100 * time.Millisecond).UnixMilli()}
	_, err := a.CallMethod(context.Background(), "echo.say", nil, "", cc)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrCallTimeout))

	// Pending bookkeeping is released on timeout.
	a.mu.Lock()
	assert.Empty(t, a.pending)
	a.mu.Unlock()

	// The late answer is dropped without residual state.
	req := <-reqCh
	require.NoError(t, child.enc.Encode(hostproto.Frame{Kind: hostproto.KindRes, ID: req.ID, OK: true}))
	time.Sleep(50 * time.Millisecond)
	a.mu.Lock()
	assert.Empty(t, a.pending)
	a.mu.Unlock()
	assert.True(t, a.IsRunning())
}

func TestCallMethod_ExpiredDeadline(t *testing.T) {
	a, _, _ := newTestAdapter(t, &fakeProc{})

	cc := &types.CallContext{TraceID: "t", Deadline: time.Now().Add(-time.Second).UnixMilli()}
	_, err := a.CallMethod(context.Background(), "echo.say", nil, "", cc)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrCallTimeout))
}

func TestCallMethod_HostUnavailable(t *testing.T) {
	a, _, _ := newTestAdapter(t, &fakeProc{})
	a.ForceKill()

	_, err := a.CallMethod(context.Background(), "echo.say", nil, "", nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrHostUnavailable))
}

func TestSendEvent_Delivered(t *testing.T) {
	a, child, _ := newTestAdapter(t, &fakeProc{})

	a.SendEvent(types.GatewayEvent{Type: "session.created", Timestamp: 1})

	frame, err := child.dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, hostproto.KindEvent, frame.Kind)
	require.NotNil(t, frame.Event)
	assert.Equal(t, "session.created", frame.Event.Type)
}

func TestSendEvent_DropsWhenChildStalls(t *testing.T) {
	a, _, _ := newTestAdapter(t, &fakeProc{})

	// The child never reads, so the pipe blocks the write loop and the
	// buffered queue fills. Further sends must not block the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < eventBuffer+50; i++ {
			a.SendEvent(types.GatewayEvent{Type: "noise"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SendEvent blocked on a stalled child")
	}
	assert.Greater(t, a.dropped.Load(), int64(0))
	assert.Equal(t, float64(a.dropped.Load()),
		testutil.ToFloat64(a.metrics.EventsDropped.WithLabelValues("echo")))
}

func TestRouteToSource(t *testing.T) {
	a, child, _ := newTestAdapter(t, &fakeProc{})

	go func() {
		for {
			frame, err := child.dec.Decode()
			if err != nil {
				return
			}
			if frame.Kind != hostproto.KindRoute {
				continue
			}
			// Accept phone routes, reject everything else.
			_ = child.enc.Encode(hostproto.Frame{
				Kind: hostproto.KindRes,
				ID:   frame.ID,
				OK:   frame.Source == "phone/+15550100",
			})
		}
	}()

	assert.True(t, a.RouteToSource("phone/+15550100", types.GatewayEvent{Type: "msg"}))
	assert.False(t, a.RouteToSource("phone/unknown", types.GatewayEvent{Type: "msg"}))
}

func TestRouteToSource_DeadHost(t *testing.T) {
	a, _, _ := newTestAdapter(t, &fakeProc{})
	a.ForceKill()
	assert.False(t, a.RouteToSource("phone/+15550100", types.GatewayEvent{Type: "msg"}))
}

func TestNestedCall_DispatchedBack(t *testing.T) {
	a, child, _ := newTestAdapter(t, &fakeProc{})

	a.SetDispatcher(func(ctx context.Context, method string, params map[string]any, connectionID string, cc *types.CallContext) (json.RawMessage, error) {
		assert.Equal(t, "peer.work", method)
		require.NotNil(t, cc)
		assert.Equal(t, 1, cc.Depth)
		return json.RawMessage(`{"done":true}`), nil
	})

	cc := &types.CallContext{TraceID: "t", Depth: 1, Deadline: time.Now().Add(time.Second).UnixMilli()}
	require.NoError(t, child.enc.Encode(hostproto.Frame{
		Kind:        hostproto.KindReq,
		ID:          "n1",
		Method:      "peer.work",
		CallContext: cc,
	}))

	res, err := child.dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, hostproto.KindRes, res.Kind)
	assert.Equal(t, "n1", res.ID)
	assert.True(t, res.OK)
	assert.JSONEq(t, `{"done":true}`, string(res.Payload))
}

func TestEventSink_ReceivesChildEmissions(t *testing.T) {
	a, child, _ := newTestAdapter(t, &fakeProc{})

	got := make(chan types.GatewayEvent, 1)
	a.SetEventSink(func(ev types.GatewayEvent) { got <- ev })

	require.NoError(t, child.enc.Encode(hostproto.Frame{
		Kind:  hostproto.KindEvent,
		Event: &types.GatewayEvent{Type: "echo.said", Origin: "echo"},
	}))

	select {
	case ev := <-got:
		assert.Equal(t, "echo.said", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("event never reached the sink")
	}
}

func TestHealthProbe(t *testing.T) {
	a, child, _ := newTestAdapter(t, &fakeProc{})

	go func() {
		for {
			frame, err := child.dec.Decode()
			if err != nil {
				return
			}
			if frame.Kind == hostproto.KindHealth {
				_ = child.enc.Encode(hostproto.Frame{
					Kind:   hostproto.KindRes,
					ID:     frame.ID,
					OK:     true,
					Health: &types.HealthStatus{Healthy: true, Details: map[string]any{"uptime": 12}},
				})
			}
		}
	}()

	h := a.Health(context.Background())
	assert.True(t, h.Healthy)
	assert.Equal(t, true, h.Details["remote"])
}

func TestHealth_DeadHost(t *testing.T) {
	a, _, _ := newTestAdapter(t, &fakeProc{})
	a.ForceKill()

	h := a.Health(context.Background())
	assert.False(t, h.Healthy)
	assert.Equal(t, false, h.Details["running"])
}

func TestKill_Graceful(t *testing.T) {
	var a *Adapter
	var child *childPipes
	proc := &fakeProc{}
	proc.onSignal = func() {
		// A well-behaved child closes its side on SIGTERM.
		child.closeOut()
	}
	a, child, _ = newTestAdapter(t, proc)

	require.NoError(t, a.Kill(context.Background()))
	assert.False(t, a.IsRunning())
}

func TestKill_SignalErrorStillAllowsForceKill(t *testing.T) {
	proc := &fakeProc{signalErr: stderrors.New("signal refused")}
	a, _, _ := newTestAdapter(t, proc)

	err := a.Kill(context.Background())
	require.Error(t, err)
	assert.True(t, a.IsRunning())

	a.ForceKill()
	assert.True(t, proc.killed)
	assert.False(t, a.IsRunning())

	// Idempotent on an already-dead host.
	a.ForceKill()
	assert.NoError(t, a.Kill(context.Background()))
}

func TestAttach_RejectsBadRegistration(t *testing.T) {
	toChildR, toChildW := io.Pipe()
	fromChildR, fromChildW := io.Pipe()
	defer toChildR.Close()
	defer toChildW.Close()
	defer fromChildR.Close()
	defer fromChildW.Close()

	enc := hostproto.NewEncoder(fromChildW)
	go func() {
		_ = enc.Encode(hostproto.Frame{Kind: hostproto.KindHello, Registration: &types.Registration{}})
	}()

	_, err := attach(slog.Default(), nil, fromChildR, toChildW, &fakeProc{}, nil)
	require.Error(t, err)
	_, ok := errors.AsValidationError(err)
	assert.True(t, ok)
}
