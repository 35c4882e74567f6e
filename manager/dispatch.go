package manager

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/crosswire/crosswire/errors"
	"github.com/crosswire/crosswire/extension"
	"github.com/crosswire/crosswire/pattern"
	"github.com/crosswire/crosswire/types"
)

// MethodInfo is the discovery view of one registered method.
type MethodInfo struct {
	Extension   string          `json:"extension"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ExtensionInfo is the discovery view of one registered extension.
type ExtensionInfo struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Remote       bool              `json:"remote"`
	Methods      []types.MethodDef `json:"methods,omitempty"`
	SourceRoutes []string          `json:"sourceRoutes,omitempty"`
}

// HasMethod reports whether a fully-qualified method is registered.
func (m *Manager) HasMethod(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.methods[name]
	return ok
}

// HasSourceRoute reports whether any extension owns the prefix.
func (m *Manager) HasSourceRoute(prefix string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.routes[prefix]
	return ok
}

// MethodDefinitions lists every registered method, sorted by name.
func (m *Manager) MethodDefinitions() []MethodInfo {
	m.mu.RLock()
	infos := make([]MethodInfo, 0, len(m.methods))
	for name, e := range m.methods {
		infos = append(infos, MethodInfo{
			Extension:   e.extID,
			Name:        name,
			Description: e.def.Description,
			InputSchema: e.def.InputSchema,
		})
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// ExtensionList lists every registered extension, sorted by id.
func (m *Manager) ExtensionList() []ExtensionInfo {
	m.mu.RLock()
	infos := make([]ExtensionInfo, 0, len(m.handles))
	for id, h := range m.handles {
		infos = append(infos, ExtensionInfo{
			ID:           id,
			Name:         h.reg.Name,
			Remote:       h.remote != nil,
			Methods:      h.reg.Methods,
			SourceRoutes: h.reg.SourceRoutes,
		})
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// HandleMethod dispatches one fully-qualified method call. Local targets
// get their params validated against the declared schema before the
// handler runs, failing with a ValidationError that names every offending
// field; remote targets receive params and call metadata unchanged and
// validate on their side. An unowned method fails with ErrUnknownMethod.
func (m *Manager) HandleMethod(ctx context.Context, method string, params map[string]any, connectionID string, cc *types.CallContext) (json.RawMessage, error) {
	start := time.Now()

	m.mu.RLock()
	e, ok := m.methods[method]
	var h *handle
	if ok {
		h = m.handles[e.extID]
	}
	m.mu.RUnlock()

	if !ok || h == nil {
		m.metrics.RecordDispatch(method, "unknown")
		return nil, errors.WrapInvalid(
			fmt.Errorf("%q: %w", method, errors.ErrUnknownMethod),
			"Manager", "HandleMethod", "method lookup")
	}
	if cc != nil {
		if cc.Depth >= types.MaxCallDepth {
			m.metrics.RecordDispatch(method, "depth_exceeded")
			return nil, errors.WrapFatal(errors.ErrCallDepthExceeded, "Manager", "HandleMethod", "call depth check")
		}
		if cc.Expired() {
			m.metrics.RecordDispatch(method, "timeout")
			return nil, errors.WrapTransient(errors.ErrCallTimeout, "Manager", "HandleMethod", "deadline check")
		}
	}

	var payload json.RawMessage
	var err error
	if h.remote != nil {
		payload, err = h.remote.CallMethod(ctx, method, params, connectionID, cc)
	} else {
		payload, err = m.callLocal(ctx, h, e, method, params, cc)
	}

	m.metrics.RecordDispatchDuration(method, time.Since(start))
	m.metrics.RecordDispatch(method, outcomeOf(err))
	return payload, err
}

func (m *Manager) callLocal(ctx context.Context, h *handle, e *methodEntry, method string, params map[string]any, cc *types.CallContext) (json.RawMessage, error) {
	if err := e.schema.Validate(method, params); err != nil {
		return nil, err
	}
	if cc != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, time.UnixMilli(cc.Deadline))
		defer cancel()
	}

	bare := strings.TrimPrefix(method, h.reg.ID+".")
	result, err := invokeLocal(ctx, h.local, bare, params)
	if err != nil {
		return nil, err
	}
	if raw, isRaw := result.(json.RawMessage); isRaw {
		return raw, nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Manager", "HandleMethod", "result marshaling")
	}
	return payload, nil
}

// invokeLocal contains handler panics: a crashing extension fails its own
// call, not the gateway.
func invokeLocal(ctx context.Context, ext extension.Extension, method string, params map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WrapFatal(fmt.Errorf("handler panicked: %v", r), "Manager", "HandleMethod", "local handler execution")
		}
	}()
	return ext.HandleMethod(ctx, method, params)
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	if _, ok := errors.AsValidationError(err); ok {
		return "invalid"
	}
	switch {
	case stderrors.Is(err, errors.ErrCallTimeout):
		return "timeout"
	case errors.IsInvalid(err):
		return "invalid"
	default:
		return "error"
	}
}

// Broadcast delivers ev independently to every remote host and to every
// local subscription whose pattern matches, excluding the extension named
// by skipID so emitters do not hear their own events. Remote delivery is
// non-blocking by construction; local handlers run on their own goroutines
// with panic containment, so one slow or crashing target never stalls the
// rest.
func (m *Manager) Broadcast(ev types.GatewayEvent, skipID string) {
	start := time.Now()

	m.mu.RLock()
	remotes := make([]RemoteHost, 0, len(m.handles))
	for id, h := range m.handles {
		if h.remote == nil || (skipID != "" && id == skipID) {
			continue
		}
		remotes = append(remotes, h.remote)
	}
	handlers := make([]extension.EventHandler, 0, len(m.subs))
	for _, s := range m.subs {
		if skipID != "" && s.owner == skipID {
			continue
		}
		if pattern.Matches(ev.Type, s.pattern) {
			handlers = append(handlers, s.handler)
		}
	}
	m.mu.RUnlock()

	for _, r := range remotes {
		r.SendEvent(ev)
	}
	for _, handler := range handlers {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("event handler panicked", "eventType", ev.Type, "panic", r)
				}
			}()
			handler(ev)
		}()
	}

	m.metrics.RecordBroadcast(time.Since(start))
}

// RouteToSource resolves address as "<prefix>/<rest>" and hands the event
// to the owning extension. The outcome is a boolean, never an error: a
// missing owner, a rejecting handler, or an unreachable host all yield
// false so one broken channel owner cannot abort an event's wider
// distribution.
func (m *Manager) RouteToSource(address string, ev types.GatewayEvent) bool {
	prefix, _, _ := strings.Cut(address, "/")

	m.mu.RLock()
	owner, ok := m.routes[prefix]
	var h *handle
	if ok {
		h = m.handles[owner]
	}
	m.mu.RUnlock()

	if !ok || h == nil {
		m.metrics.RecordRouteMiss()
		m.logger.Debug("no source route", "address", address)
		return false
	}
	if h.remote != nil {
		return h.remote.RouteToSource(address, ev)
	}

	responder, isResponder := h.local.(extension.SourceResponder)
	if !isResponder {
		m.logger.Warn("route owner has no source responder", "extension", owner, "address", address)
		return false
	}
	if err := invokeSourceResponse(responder, address, ev); err != nil {
		m.logger.Warn("source response failed", "extension", owner, "address", address, "error", err)
		return false
	}
	return true
}

func invokeSourceResponse(r extension.SourceResponder, source string, ev types.GatewayEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("source responder panicked: %v", p)
		}
	}()
	return r.HandleSourceResponse(source, ev)
}

// Health aggregates per-extension health: local extensions are probed
// directly (a panic reports unhealthy), remote hosts report through their
// adapter with dead processes short-circuited to unhealthy.
func (m *Manager) Health(ctx context.Context) map[string]types.HealthStatus {
	m.mu.RLock()
	snapshot := make(map[string]*handle, len(m.handles))
	for id, h := range m.handles {
		snapshot[id] = h
	}
	m.mu.RUnlock()

	out := make(map[string]types.HealthStatus, len(snapshot))
	for id, h := range snapshot {
		var hs types.HealthStatus
		switch {
		case h.remote != nil && !h.remote.IsRunning():
			hs = types.HealthStatus{Healthy: false, Details: map[string]any{"remote": true, "running": false}}
		case h.remote != nil:
			hs = h.remote.Health(ctx)
		default:
			hs = probeLocal(h.local)
		}
		out[id] = hs
		m.metrics.RecordExtensionHealth(id, hs.Healthy)
	}
	return out
}

func probeLocal(ext extension.Extension) (hs types.HealthStatus) {
	defer func() {
		if r := recover(); r != nil {
			hs = types.HealthStatus{Healthy: false, Details: map[string]any{"panic": fmt.Sprint(r)}}
		}
	}()
	return ext.Health()
}
