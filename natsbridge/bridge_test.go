package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosswire/crosswire/config"
	"github.com/crosswire/crosswire/errors"
	"github.com/crosswire/crosswire/manager"
	"github.com/crosswire/crosswire/types"
)

// fakeConn is an in-memory stand-in for a NATS connection.
type fakeConn struct {
	mu         sync.Mutex
	connected  bool
	publishErr error
	published  []publishedMsg
	handlers   map[string]nats.MsgHandler
	drained    bool
}

type publishedMsg struct {
	subject string
	data    []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{connected: true, handlers: make(map[string]nats.MsgHandler)}
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMsg{subject, data})
	return nil
}

func (f *fakeConn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[subject] = cb
	return nil, nil
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Drain() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drained = true
	f.connected = false
	return nil
}

func (f *fakeConn) deliver(subject string, data []byte) {
	f.mu.Lock()
	var handler nats.MsgHandler
	for pattern, cb := range f.handlers {
		// Good enough for the single ">"-suffixed pattern the bridge uses.
		if pattern == subject || len(pattern) > 0 && pattern[len(pattern)-1] == '>' {
			handler = cb
		}
	}
	f.mu.Unlock()
	if handler != nil {
		handler(&nats.Msg{Subject: subject, Data: data})
	}
}

func (f *fakeConn) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeConn) lastPublished(t *testing.T) publishedMsg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.published)
	return f.published[len(f.published)-1]
}

func testConfig() config.NATSConfig {
	return config.NATSConfig{
		Enabled:       true,
		URL:           "nats://localhost:4222",
		Name:          "crosswire-test",
		SubjectPrefix: "crosswire",
	}
}

// registered wires a bridge with a fake connection into a real manager.
func registered(t *testing.T) (*Bridge, *fakeConn, *manager.Manager) {
	t.Helper()

	b := New(testConfig(), nil)
	fc := newFakeConn()
	b.SetConnection(fc)

	mgr := manager.New(manager.Dependencies{})
	require.NoError(t, mgr.Register(context.Background(), b, nil))
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })

	return b, fc, mgr
}

func TestRegistrationIsValid(t *testing.T) {
	b := New(testConfig(), nil)
	reg := b.Registration()
	require.NoError(t, reg.Validate())
	assert.Equal(t, "nats", reg.ID)
	require.Len(t, reg.Methods, 1)
	assert.Equal(t, "publish", reg.Methods[0].Name)
}

func TestPublishMethod(t *testing.T) {
	_, fc, mgr := registered(t)

	cc := types.NewCallContext(time.Second)
	payload, err := mgr.HandleMethod(context.Background(), "nats.publish",
		map[string]any{"subject": "alerts.fire", "payload": map[string]any{"level": 3}}, "", cc)
	require.NoError(t, err)

	var res map[string]string
	require.NoError(t, json.Unmarshal(payload, &res))
	assert.Equal(t, "crosswire.alerts.fire", res["subject"])

	msg := fc.lastPublished(t)
	assert.Equal(t, "crosswire.alerts.fire", msg.subject)
	assert.JSONEq(t, `{"level":3}`, string(msg.data))
}

func TestPublishMethod_MissingSubjectFailsValidation(t *testing.T) {
	_, _, mgr := registered(t)

	cc := types.NewCallContext(time.Second)
	_, err := mgr.HandleMethod(context.Background(), "nats.publish",
		map[string]any{"payload": "x"}, "", cc)
	require.Error(t, err)
	_, ok := errors.AsValidationError(err)
	assert.True(t, ok)
}

func TestPublishMethod_Disconnected(t *testing.T) {
	b := New(testConfig(), nil)
	fc := newFakeConn()
	fc.connected = false
	b.SetConnection(fc)

	_, err := b.HandleMethod(context.Background(), "publish", map[string]any{"subject": "s"})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestOutboundEventsMirroredToNATS(t *testing.T) {
	_, fc, mgr := registered(t)

	ev, err := types.NewEvent("session.start", map[string]any{"id": "s1"})
	require.NoError(t, err)
	ev.Origin = "someone-else"
	mgr.Broadcast(ev, "")

	require.Eventually(t, func() bool {
		return fc.publishCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	msg := fc.lastPublished(t)
	assert.Equal(t, "crosswire.events.session.start", msg.subject)

	var decoded types.GatewayEvent
	require.NoError(t, json.Unmarshal(msg.data, &decoded))
	assert.Equal(t, "session.start", decoded.Type)
}

func TestTargetedEventsStayInside(t *testing.T) {
	_, fc, mgr := registered(t)

	ev, err := types.NewEvent("direct.ping", nil)
	require.NoError(t, err)
	ev.ConnectionID = "conn-1"
	mgr.Broadcast(ev, "")

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, fc.publishCount())
}

func TestInboundMessagesBecomeEvents(t *testing.T) {
	_, fc, mgr := registered(t)

	received := make(chan types.GatewayEvent, 1)
	unsub := mgr.Subscribe("sensor.*", func(ev types.GatewayEvent) {
		received <- ev
	})
	defer unsub()

	fc.deliver("crosswire.ingest.sensor.temp", []byte(`{"celsius":21}`))

	select {
	case ev := <-received:
		assert.Equal(t, "sensor.temp", ev.Type)
		assert.Equal(t, "nats", ev.Origin)
		assert.Equal(t, "nats/crosswire.ingest.sensor.temp", ev.Source)
		assert.JSONEq(t, `{"celsius":21}`, string(ev.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("inbound message was not emitted as an event")
	}
}

func TestHealthTracksConnection(t *testing.T) {
	b := New(testConfig(), nil)
	assert.False(t, b.Health().Healthy)

	fc := newFakeConn()
	b.SetConnection(fc)
	assert.True(t, b.Health().Healthy)

	fc.mu.Lock()
	fc.connected = false
	fc.mu.Unlock()
	assert.False(t, b.Health().Healthy)
}

func TestStopDrainsAndDetaches(t *testing.T) {
	_, fc, mgr := registered(t)

	require.NoError(t, mgr.Unregister(context.Background(), "nats"))

	fc.mu.Lock()
	drained := fc.drained
	fc.mu.Unlock()
	assert.True(t, drained)

	// After stop, broadcasts no longer reach the connection.
	ev, err := types.NewEvent("session.start", nil)
	require.NoError(t, err)
	mgr.Broadcast(ev, "")
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, fc.publishCount())
}

func TestUnknownMethodRejected(t *testing.T) {
	b := New(testConfig(), nil)
	b.SetConnection(newFakeConn())
	_, err := b.HandleMethod(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("%q", "nope"))
}
