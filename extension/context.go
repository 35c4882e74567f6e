package extension

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/crosswire/crosswire/errors"
	"github.com/crosswire/crosswire/types"
)

// Hooks are the manager-side functions a Context delegates to. Call may be
// nil: in-process extensions cannot perform nested calls because only the
// host boundary carries depth and deadline propagation.
type Hooks struct {
	Subscribe func(pattern string, handler EventHandler) func()
	Emit      func(event types.GatewayEvent) error
	Call      types.DispatchFunc
}

// Context is the per-extension view of the gateway handed to Start. It
// scopes configuration and logging to one extension id and funnels event
// traffic through the manager.
type Context struct {
	id     string
	config map[string]any
	logger *slog.Logger
	hooks  Hooks
}

// NewContext builds the context the manager passes to Start.
func NewContext(id string, config map[string]any, logger *slog.Logger, hooks Hooks) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		id:     id,
		config: config,
		logger: logger.With("extension", id),
		hooks:  hooks,
	}
}

// ExtensionID returns the id of the extension this context belongs to.
func (c *Context) ExtensionID() string { return c.id }

// Config returns the extension-scoped configuration map resolved at
// registration time. It is not re-read afterwards.
func (c *Context) Config() map[string]any { return c.config }

// Logger returns a structured logger tagged with the extension id.
func (c *Context) Logger() *slog.Logger { return c.logger }

// On subscribes handler to events matching pattern and returns the
// unsubscribe function. All subscriptions are removed when the extension is
// unregistered, so calling the returned function is optional.
func (c *Context) On(pattern string, handler EventHandler) func() {
	if c.hooks.Subscribe == nil {
		return func() {}
	}
	return c.hooks.Subscribe(pattern, handler)
}

// Emit publishes an event of the given type from this extension. Options
// attach routing metadata. The event's origin is stamped with the extension
// id and the emitter is excluded from its own broadcast.
func (c *Context) Emit(eventType string, payload any, opts ...EmitOption) error {
	ev, err := types.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	ev.Origin = c.id
	for _, opt := range opts {
		opt(&ev)
	}
	if c.hooks.Emit == nil {
		return errors.WrapFatal(errors.ErrNotStarted, "extension", "Emit", "emit hook lookup")
	}
	return c.hooks.Emit(ev)
}

// Call invokes another extension's method. In-process extensions do not
// support nested calls and fail fast with ErrNestedCallUnsupported; only
// extensions behind a host adapter carry the call-context machinery needed
// for safe depth and deadline propagation.
func (c *Context) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	if c.hooks.Call == nil {
		return nil, errors.WrapFatal(errors.ErrNestedCallUnsupported, "extension", "Call", "nested call check")
	}
	return c.hooks.Call(ctx, method, params, "", nil)
}

// EmitOption customizes routing metadata on an emitted event.
type EmitOption func(*types.GatewayEvent)

// WithSource marks the event as belonging to an external channel address.
func WithSource(source string) EmitOption {
	return func(ev *types.GatewayEvent) { ev.Source = source }
}

// WithConnectionID restricts delivery to one connection, overriding
// pattern-based broadcast.
func WithConnectionID(connectionID string) EmitOption {
	return func(ev *types.GatewayEvent) { ev.ConnectionID = connectionID }
}

// WithSessionID scopes the event to a logical session.
func WithSessionID(sessionID string) EmitOption {
	return func(ev *types.GatewayEvent) { ev.SessionID = sessionID }
}

// WithTags attaches free-form routing tags.
func WithTags(tags ...string) EmitOption {
	return func(ev *types.GatewayEvent) { ev.Tags = tags }
}
