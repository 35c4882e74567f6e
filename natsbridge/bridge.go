// Package natsbridge connects the gateway's event bus to NATS. Outbound
// broker events are republished on prefixed subjects; inbound messages on
// the ingest subject tree come back as broker events. It registers like any
// other in-process extension.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/crosswire/crosswire/config"
	"github.com/crosswire/crosswire/errors"
	"github.com/crosswire/crosswire/extension"
	"github.com/crosswire/crosswire/pkg/retry"
	"github.com/crosswire/crosswire/types"
)

// conn is the slice of *nats.Conn the bridge uses. Tests substitute a fake.
type conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	IsConnected() bool
	Drain() error
}

// Bridge is an in-process extension mirroring events to and from NATS.
type Bridge struct {
	cfg    config.NATSConfig
	logger *slog.Logger

	mu   sync.RWMutex
	nc   conn
	sub  *nats.Subscription
	ec   *extension.Context
	stop func()
}

// New creates a bridge from config. The connection is established in Start.
func New(cfg config.NATSConfig, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "crosswire"
	}
	if cfg.EventPattern == "" {
		cfg.EventPattern = "*"
	}
	return &Bridge{
		cfg:    cfg,
		logger: logger.With("component", "natsbridge"),
	}
}

// Registration declares the bridge's single method.
func (b *Bridge) Registration() types.Registration {
	return types.Registration{
		ID:   "nats",
		Name: "NATS Bridge",
		Methods: []types.MethodDef{
			{
				Name:        "publish",
				Description: "Publish a payload to a NATS subject under the bridge prefix",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"required": ["subject"],
					"properties": {
						"subject": {"type": "string", "minLength": 1},
						"payload": {}
					}
				}`),
			},
		},
		Events: []string{"nats.connected", "nats.disconnected"},
	}
}

// Start connects to NATS and wires both directions of the bridge.
func (b *Bridge) Start(ctx context.Context, ec *extension.Context) error {
	nc, err := b.connect(ctx)
	if err != nil {
		return err
	}

	sub, err := nc.Subscribe(b.ingestSubject(), func(msg *nats.Msg) {
		b.handleInbound(msg)
	})
	if err != nil {
		nc.Drain()
		return errors.WrapTransient(err, "natsbridge", "Start", "subscribe ingest")
	}

	b.mu.Lock()
	b.nc = nc
	b.sub = sub
	b.ec = ec
	b.stop = ec.On(b.cfg.EventPattern, b.handleOutbound)
	b.mu.Unlock()

	b.logger.Info("bridge started", "url", b.cfg.URL, "prefix", b.cfg.SubjectPrefix)
	return nil
}

func (b *Bridge) connect(ctx context.Context) (conn, error) {
	b.mu.RLock()
	preset := b.nc
	b.mu.RUnlock()
	if preset != nil {
		// Injected connection, used by tests and embedders.
		return preset, nil
	}

	opts := []nats.Option{
		nats.Name(b.cfg.Name),
		nats.MaxReconnects(b.cfg.MaxReconnects),
		nats.ReconnectWait(b.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("nats disconnected", "error", err)
			b.emitLink("nats.disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
			b.emitLink("nats.connected")
		}),
	}

	var nc *nats.Conn
	err := retry.Do(ctx, retry.Quick(), func() error {
		var cerr error
		nc, cerr = nats.Connect(b.cfg.URL, opts...)
		return cerr
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "natsbridge", "Start", "connect")
	}
	return nc, nil
}

// SetConnection injects a connection ahead of Start. Used in tests.
func (b *Bridge) SetConnection(nc conn) {
	b.mu.Lock()
	b.nc = nc
	b.mu.Unlock()
}

// Stop detaches from the event bus and drains the connection.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	nc := b.nc
	stop := b.stop
	b.nc = nil
	b.sub = nil
	b.stop = nil
	b.mu.Unlock()

	if stop != nil {
		stop()
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			return errors.WrapTransient(err, "natsbridge", "Stop", "drain connection")
		}
	}
	return nil
}

// HandleMethod serves the publish method.
func (b *Bridge) HandleMethod(_ context.Context, method string, params map[string]any) (any, error) {
	if method != "publish" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%q: %w", method, errors.ErrUnknownMethod),
			"natsbridge", "HandleMethod", "method lookup",
		)
	}

	b.mu.RLock()
	nc := b.nc
	b.mu.RUnlock()
	if nc == nil || !nc.IsConnected() {
		return nil, errors.WrapTransient(
			fmt.Errorf("nats connection unavailable"),
			"natsbridge", "HandleMethod", "check connection",
		)
	}

	subject, _ := params["subject"].(string)
	data, err := json.Marshal(params["payload"])
	if err != nil {
		return nil, errors.WrapInvalid(err, "natsbridge", "HandleMethod", "encode payload")
	}

	full := b.cfg.SubjectPrefix + "." + subject
	if err := nc.Publish(full, data); err != nil {
		return nil, errors.WrapTransient(err, "natsbridge", "HandleMethod", "publish")
	}
	return map[string]string{"subject": full}, nil
}

// Health reports connection liveness.
func (b *Bridge) Health() types.HealthStatus {
	b.mu.RLock()
	nc := b.nc
	b.mu.RUnlock()

	connected := nc != nil && nc.IsConnected()
	return types.HealthStatus{
		Healthy: connected,
		Details: map[string]any{"connected": connected, "url": b.cfg.URL},
	}
}

// handleOutbound republishes a broker event on the NATS side. Targeted
// events stay inside the gateway.
func (b *Bridge) handleOutbound(ev types.GatewayEvent) {
	if ev.ConnectionID != "" {
		return
	}

	b.mu.RLock()
	nc := b.nc
	b.mu.RUnlock()
	if nc == nil || !nc.IsConnected() {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("failed to encode event", "eventType", ev.Type, "error", err)
		return
	}
	subject := b.eventSubject(ev.Type)
	if err := nc.Publish(subject, data); err != nil {
		b.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}

// handleInbound turns an ingest message into a broker event. The event
// type comes from the subject remainder after the ingest prefix.
func (b *Bridge) handleInbound(msg *nats.Msg) {
	b.mu.RLock()
	ec := b.ec
	b.mu.RUnlock()
	if ec == nil {
		return
	}

	rest := strings.TrimPrefix(msg.Subject, b.cfg.SubjectPrefix+".ingest.")
	if rest == "" || rest == msg.Subject {
		b.logger.Warn("ignoring message on unexpected subject", "subject", msg.Subject)
		return
	}

	if err := ec.Emit(rest, json.RawMessage(msg.Data), extension.WithSource("nats/"+msg.Subject)); err != nil {
		b.logger.Warn("failed to emit inbound event", "subject", msg.Subject, "error", err)
	}
}

func (b *Bridge) emitLink(eventType string) {
	b.mu.RLock()
	ec := b.ec
	b.mu.RUnlock()
	if ec == nil {
		return
	}
	if err := ec.Emit(eventType, map[string]any{"at": time.Now().UnixMilli()}); err != nil {
		b.logger.Debug("failed to emit link event", "eventType", eventType, "error", err)
	}
}

func (b *Bridge) eventSubject(eventType string) string {
	return b.cfg.SubjectPrefix + ".events." + eventType
}

func (b *Bridge) ingestSubject() string {
	return b.cfg.SubjectPrefix + ".ingest.>"
}
