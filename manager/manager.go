// Package manager is the central authority of the gateway: it owns the
// registry of extensions (in-process objects and remote host adapters), the
// method table, the source-route table, and the subscription registry, and
// it implements dispatch, broadcast, and lifecycle on top of them.
//
// All four tables are mutated only by register/unregister/subscribe under
// one lock, so a dispatch never observes a method whose owning handle is
// already torn down.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/crosswire/crosswire/errors"
	"github.com/crosswire/crosswire/extension"
	"github.com/crosswire/crosswire/metric"
	"github.com/crosswire/crosswire/schema"
	"github.com/crosswire/crosswire/types"
)

// RemoteHost is the manager-side view of a child-process extension. It is
// satisfied by *host.Adapter.
type RemoteHost interface {
	Registration() types.Registration
	SetDispatcher(types.DispatchFunc)
	SetEventSink(func(types.GatewayEvent))
	CallMethod(ctx context.Context, method string, params map[string]any, connectionID string, cc *types.CallContext) (json.RawMessage, error)
	SendEvent(types.GatewayEvent)
	RouteToSource(source string, ev types.GatewayEvent) bool
	IsRunning() bool
	Health(ctx context.Context) types.HealthStatus
	Kill(ctx context.Context) error
	ForceKill()
}

// handle is the registry entry for one extension id. Exactly one of local
// and remote is set.
type handle struct {
	reg    types.Registration
	gen    int
	local  extension.Extension
	ectx   *extension.Context
	remote RemoteHost
}

type methodEntry struct {
	extID  string
	def    types.MethodDef
	schema *schema.Schema
	remote bool
}

type subscription struct {
	id      int
	owner   string // extension id, or "" for gateway-side subscribers
	gen     int    // registration generation, distinguishes a superseded handle's subs
	pattern string
	handler extension.EventHandler
}

// Dependencies carries the ambient services the manager needs.
type Dependencies struct {
	Logger  *slog.Logger
	Metrics *metric.Registry
}

// GetLogger returns the configured logger or a default.
func (d Dependencies) GetLogger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Manager holds the process-wide registry state. It starts empty; all
// state enters through Register/RegisterRemote and leaves through
// Unregister or Close.
type Manager struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	mu      sync.RWMutex
	handles map[string]*handle
	methods map[string]*methodEntry
	routes  map[string]string // prefix -> owning id
	subs    []subscription
	nextSub int
	nextGen int
}

// New creates an empty manager.
func New(deps Dependencies) *Manager {
	return &Manager{
		logger:  deps.GetLogger().With("component", "manager"),
		metrics: deps.Metrics.Core(),
		handles: make(map[string]*handle),
		methods: make(map[string]*methodEntry),
		routes:  make(map[string]string),
	}
}

// Register adds an in-process extension: validates its registration,
// starts it with a wired context, and commits its method and source-route
// entries atomically. A colliding method or route owned by a different id
// rejects the registration; the same id re-registering supersedes the
// previous extension last-wins, including its routes. Start runs outside
// the registry lock, so a hanging extension delays only its own
// registration.
func (m *Manager) Register(ctx context.Context, ext extension.Extension, config map[string]any) error {
	reg := ext.Registration()
	if err := reg.Validate(); err != nil {
		return err
	}
	schemas, err := compileSchemas(reg)
	if err != nil {
		return err
	}
	if err := m.checkCollisions(reg); err != nil {
		return err
	}

	gen := m.allocGen()
	ec := extension.NewContext(reg.ID, config, m.logger, extension.Hooks{
		Subscribe: func(pattern string, handler extension.EventHandler) func() {
			return m.addSubscription(reg.ID, gen, pattern, handler)
		},
		Emit: func(ev types.GatewayEvent) error {
			m.Broadcast(ev, reg.ID)
			return nil
		},
	})

	if err := startLocal(ctx, ext, ec); err != nil {
		m.removeSubscriptions(reg.ID, gen)
		return errors.Wrap(err, "Manager", "Register", "extension start")
	}

	h := &handle{reg: reg, gen: gen, local: ext, ectx: ec}
	old, err := m.commit(h, schemas)
	if err != nil {
		m.removeSubscriptions(reg.ID, gen)
		if stopErr := ext.Stop(); stopErr != nil {
			m.logger.Warn("stopping rejected extension failed", "extension", reg.ID, "error", stopErr)
		}
		return err
	}
	m.retire(old)
	m.logger.Info("extension registered", "extension", reg.ID, "methods", len(reg.Methods))
	return nil
}

// RegisterRemote adds a child-process extension behind its host adapter.
// The child is already running (the adapter's handshake started it); the
// manager wires its dispatch and event paths and commits its tables.
func (m *Manager) RegisterRemote(_ context.Context, host RemoteHost) error {
	reg := host.Registration()
	if err := reg.Validate(); err != nil {
		return err
	}
	if !host.IsRunning() {
		return errors.WrapTransient(errors.ErrHostUnavailable, "Manager", "RegisterRemote", "host liveness check")
	}
	if err := m.checkCollisions(reg); err != nil {
		return err
	}

	host.SetDispatcher(func(ctx context.Context, method string, params map[string]any, connectionID string, cc *types.CallContext) (json.RawMessage, error) {
		return m.HandleMethod(ctx, method, params, connectionID, cc)
	})
	host.SetEventSink(func(ev types.GatewayEvent) {
		if ev.Origin == "" {
			ev.Origin = reg.ID
		}
		m.Broadcast(ev, reg.ID)
	})

	h := &handle{reg: reg, gen: m.allocGen(), remote: host}
	old, err := m.commit(h, nil)
	if err != nil {
		return err
	}
	m.retire(old)
	m.logger.Info("remote extension registered", "extension", reg.ID, "methods", len(reg.Methods))
	return nil
}

// Unregister removes an extension and all its table entries, then stops or
// kills it. Unknown ids are a no-op.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	m.mu.Lock()
	h, ok := m.handles[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	m.detachLocked(id)
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.logger.Info("extension unregistered", "extension", id)
	if h.local != nil {
		if err := stopLocal(h.local); err != nil {
			return errors.Wrap(err, "Manager", "Unregister", "extension stop")
		}
		return nil
	}
	if err := h.remote.Kill(ctx); err != nil {
		m.logger.Warn("graceful kill failed, forcing", "extension", id, "error", err)
		h.remote.ForceKill()
	}
	return nil
}

// checkCollisions rejects methods or routes already owned by another id.
// Re-checked inside commit; this early pass fails fast before Start runs.
func (m *Manager) checkCollisions(reg types.Registration) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkCollisionsLocked(reg)
}

func (m *Manager) checkCollisionsLocked(reg types.Registration) error {
	for _, def := range reg.Methods {
		q := reg.QualifiedMethod(def.Name)
		if e, ok := m.methods[q]; ok && e.extID != reg.ID {
			return errors.WrapInvalid(
				fmt.Errorf("method %s already owned by %s: %w", q, e.extID, errors.ErrDuplicateMethod),
				"Manager", "Register", "method collision check")
		}
	}
	for _, prefix := range reg.SourceRoutes {
		if owner, ok := m.routes[prefix]; ok && owner != reg.ID {
			return errors.WrapInvalid(
				fmt.Errorf("source route %q already owned by %s", prefix, owner),
				"Manager", "Register", "source route collision check")
		}
	}
	return nil
}

// commit installs the handle and its table entries atomically, superseding
// a previous handle under the same id. It returns the superseded handle so
// the caller can retire it outside the lock.
func (m *Manager) commit(h *handle, schemas map[string]*schema.Schema) (*handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Collisions may have appeared while Start ran outside the lock.
	if err := m.checkCollisionsLocked(h.reg); err != nil {
		return nil, err
	}

	old := m.handles[h.reg.ID]
	if old != nil {
		m.detachLocked(h.reg.ID)
	}

	m.handles[h.reg.ID] = h
	for _, def := range h.reg.Methods {
		m.methods[h.reg.QualifiedMethod(def.Name)] = &methodEntry{
			extID:  h.reg.ID,
			def:    def,
			schema: schemas[def.Name],
			remote: h.remote != nil,
		}
	}
	for _, prefix := range h.reg.SourceRoutes {
		m.routes[prefix] = h.reg.ID
	}
	m.updateGaugesLocked()
	return old, nil
}

// detachLocked strips every table entry owned by id. Only the detached
// handle's own subscription generation is removed: a successor registered
// under the same id keeps the subscriptions its Start already made. Caller
// holds the lock.
func (m *Manager) detachLocked(id string) {
	h := m.handles[id]
	delete(m.handles, id)
	for name, e := range m.methods {
		if e.extID == id {
			delete(m.methods, name)
		}
	}
	for prefix, owner := range m.routes {
		if owner == id {
			delete(m.routes, prefix)
		}
	}
	if h == nil {
		return
	}
	kept := m.subs[:0]
	for _, s := range m.subs {
		if s.owner == id && s.gen == h.gen {
			continue
		}
		kept = append(kept, s)
	}
	m.subs = kept
}

// retire stops a superseded handle in the background so replacement never
// blocks on the old extension's shutdown.
func (m *Manager) retire(old *handle) {
	if old == nil {
		return
	}
	go func() {
		if old.local != nil {
			if err := stopLocal(old.local); err != nil {
				m.logger.Warn("superseded extension stop failed", "extension", old.reg.ID, "error", err)
			}
			return
		}
		if err := old.remote.Kill(context.Background()); err != nil {
			m.logger.Warn("superseded host kill failed, forcing", "extension", old.reg.ID, "error", err)
			old.remote.ForceKill()
		}
	}()
}

// startLocal invokes Start, containing panics so a misbehaving extension
// fails only its own registration.
func startLocal(ctx context.Context, ext extension.Extension, ec *extension.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("start panicked: %v", r)
		}
	}()
	return ext.Start(ctx, ec)
}

// stopLocal invokes Stop, containing panics.
func stopLocal(ext extension.Extension) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stop panicked: %v", r)
		}
	}()
	return ext.Stop()
}

func compileSchemas(reg types.Registration) (map[string]*schema.Schema, error) {
	schemas := make(map[string]*schema.Schema, len(reg.Methods))
	for _, def := range reg.Methods {
		s, err := schema.Compile(def.InputSchema)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Manager", "Register",
				fmt.Sprintf("schema compilation for method %s", def.Name))
		}
		schemas[def.Name] = s
	}
	return schemas, nil
}

func (m *Manager) updateGaugesLocked() {
	if m.metrics == nil {
		return
	}
	local, remote := 0, 0
	for _, h := range m.handles {
		if h.remote != nil {
			remote++
		} else {
			local++
		}
	}
	m.metrics.SetExtensions("local", local)
	m.metrics.SetExtensions("remote", remote)
}

func (m *Manager) allocGen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextGen++
	return m.nextGen
}

// addSubscription registers an event handler under an owner and returns
// its remover. Owner "" marks gateway-side subscribers.
func (m *Manager) addSubscription(owner string, gen int, pattern string, handler extension.EventHandler) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs = append(m.subs, subscription{id: id, owner: owner, gen: gen, pattern: pattern, handler: handler})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) removeSubscriptions(owner string, gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.subs[:0]
	for _, s := range m.subs {
		if s.owner == owner && s.gen == gen {
			continue
		}
		kept = append(kept, s)
	}
	m.subs = kept
}

// Subscribe attaches a gateway-side event handler (the protocol layer's
// delivery path). The returned function removes it.
func (m *Manager) Subscribe(pattern string, handler extension.EventHandler) func() {
	return m.addSubscription("", 0, pattern, handler)
}

// KillRemoteHosts asks every remote host to terminate gracefully, in
// parallel, and waits. Errors are joined; a failed graceful kill leaves the
// host for ForceKillRemoteHosts.
func (m *Manager) KillRemoteHosts(ctx context.Context) error {
	m.mu.RLock()
	remotes := make([]RemoteHost, 0, len(m.handles))
	for _, h := range m.handles {
		if h.remote != nil {
			remotes = append(remotes, h.remote)
		}
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range remotes {
		g.Go(func() error { return r.Kill(gctx) })
	}
	return g.Wait()
}

// ForceKillRemoteHosts terminates every remote host immediately. Used at
// shutdown to guarantee no leaked child processes.
func (m *Manager) ForceKillRemoteHosts() {
	m.mu.RLock()
	remotes := make([]RemoteHost, 0, len(m.handles))
	for _, h := range m.handles {
		if h.remote != nil {
			remotes = append(remotes, h.remote)
		}
	}
	m.mu.RUnlock()

	for _, r := range remotes {
		r.ForceKill()
	}
}

// Close tears the registry down in deterministic id order: local
// extensions are stopped, remote hosts killed gracefully then forcibly.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := m.Unregister(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	m.ForceKillRemoteHosts()
	if len(errs) > 0 {
		return errors.Wrap(errs[0], "Manager", "Close", "extension teardown")
	}
	return nil
}
