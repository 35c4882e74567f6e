// Package gateway exposes the extension broker over WebSocket. Clients send
// req messages and receive exactly one res per req; matching broker events
// are pushed as unsolicited event messages. The same HTTP server also serves
// the health and metrics endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/crosswire/crosswire/errors"
	"github.com/crosswire/crosswire/manager"
	"github.com/crosswire/crosswire/metric"
	"github.com/crosswire/crosswire/pattern"
	"github.com/crosswire/crosswire/types"
)

const (
	defaultPath        = "/ws"
	defaultCallTimeout = types.DefaultCallTimeout

	pongWait      = 60 * time.Second
	pingInterval  = 30 * time.Second
	writeDeadline = 10 * time.Second
)

// Config holds the gateway listen settings.
type Config struct {
	Host string
	Port int
	// Path is the WebSocket endpoint path. Defaults to /ws.
	Path string
	// CallTimeout bounds each client-initiated method call.
	CallTimeout time.Duration
}

// Dependencies carries the broker and shared infrastructure.
type Dependencies struct {
	Logger  *slog.Logger
	Metrics *metric.Registry
	Manager *manager.Manager
}

// GetLogger returns the configured logger or a default one.
func (d Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// client tracks one WebSocket connection and its subscription set.
type client struct {
	id   string
	conn *websocket.Conn

	// writeMutex serializes writes; gorilla connections allow only one
	// concurrent writer.
	writeMutex sync.Mutex

	patternsMu sync.RWMutex
	patterns   []string

	closed    atomic.Bool
	closeOnce sync.Once
	lastPong  atomic.Int64
}

func (c *client) subscribe(patterns []string) {
	c.patternsMu.Lock()
	c.patterns = append([]string(nil), patterns...)
	c.patternsMu.Unlock()
}

func (c *client) wants(eventType string) bool {
	c.patternsMu.RLock()
	defer c.patternsMu.RUnlock()
	return pattern.MatchesAny(eventType, c.patterns)
}

// Server is the WebSocket protocol layer over a manager.
type Server struct {
	config  Config
	logger  *slog.Logger
	metrics *metric.Metrics
	deps    Dependencies
	mgr     *manager.Manager

	upgrader websocket.Upgrader
	server   *http.Server

	clients   map[*websocket.Conn]*client
	clientsMu sync.RWMutex

	// lifecycleMu serializes Start and Stop.
	lifecycleMu sync.Mutex
	running     bool
	shutdown    chan struct{}
	wg          *sync.WaitGroup
	unsubscribe func()
}

// New creates a gateway server. The manager dependency is required.
func New(config Config, deps Dependencies) (*Server, error) {
	if deps.Manager == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("manager dependency is required"),
			"gateway", "New", "validate dependencies",
		)
	}
	if config.Path == "" {
		config.Path = defaultPath
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaultCallTimeout
	}

	return &Server{
		config:  config,
		logger:  deps.GetLogger().With("component", "gateway"),
		metrics: deps.Metrics.Core(),
		deps:    deps,
		mgr:     deps.Manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:  make(map[*websocket.Conn]*client),
		shutdown: make(chan struct{}),
		wg:       &sync.WaitGroup{},
	}, nil
}

// Handler returns the HTTP handler serving the WebSocket endpoint together
// with /healthz and, when a metric registry is configured, /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics.Handler())
	}
	return mux
}

// Start begins serving. It returns an error if the server is already
// running or the listener cannot be created.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return errors.WrapInvalid(
			fmt.Errorf("gateway already running"),
			"gateway", "Start", "check state",
		)
	}

	s.shutdown = make(chan struct{})
	s.wg = &sync.WaitGroup{}
	s.unsubscribe = s.mgr.Subscribe("*", s.deliverEvent)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler: s.Handler(),
	}

	s.wg.Add(2)
	go s.runServer()
	go s.maintainClients()

	s.running = true
	s.logger.Info("gateway started", "addr", s.server.Addr, "path", s.config.Path)
	return nil
}

func (s *Server) runServer() {
	defer s.wg.Done()
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("gateway server error", "error", err)
	}
}

// Stop drains the server: it stops accepting connections, waits up to
// timeout for in-flight handlers, then closes remaining clients.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	close(s.shutdown)

	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("gateway shutdown incomplete", "error", err)
	}

	s.closeAllClients()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("gateway goroutines did not drain in time")
	}

	s.logger.Info("gateway stopped")
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}
	c.lastPong.Store(time.Now().UnixMilli())

	s.clientsMu.Lock()
	s.clients[conn] = c
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.metrics.SetConnections(n)

	s.logger.Debug("client connected", "connection", c.id, "remote", r.RemoteAddr)

	s.wg.Add(1)
	go s.handleClient(c)
}

// handleClient reads frames until the connection drops. Requests run in
// this goroutine so each connection's responses come back in request order.
func (s *Server) handleClient(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	c.conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixMilli())
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("client read error", "connection", c.id, "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Debug("dropping malformed message", "connection", c.id, "error", err)
			continue
		}
		if msg.Type != "req" || msg.ID == "" {
			s.logger.Debug("dropping non-request message", "connection", c.id, "type", msg.Type)
			continue
		}

		s.handleRequest(c, msg)
	}
}

// handleRequest answers a single req with exactly one res.
func (s *Server) handleRequest(c *client, msg clientMessage) {
	payload, err := s.invoke(c, msg)
	res := serverMessage{Type: "res", ID: msg.ID}
	if err != nil {
		res.Error = err.Error()
	} else {
		res.OK = true
		res.Payload = payload
	}
	if err := s.send(c, res); err != nil {
		s.logger.Debug("failed to send response", "connection", c.id, "error", err)
	}
}

func (s *Server) invoke(c *client, msg clientMessage) (json.RawMessage, error) {
	switch msg.Method {
	case "subscribe":
		return s.builtinSubscribe(c, msg.Params)
	case "gateway.extensions":
		return json.Marshal(s.mgr.ExtensionList())
	case "gateway.methods":
		return json.Marshal(s.mgr.MethodDefinitions())
	case "gateway.health":
		ctx, cancel := context.WithTimeout(context.Background(), s.config.CallTimeout)
		defer cancel()
		return json.Marshal(s.mgr.Health(ctx))
	}

	cc := types.NewCallContext(s.config.CallTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), s.config.CallTimeout)
	defer cancel()
	return s.mgr.HandleMethod(ctx, msg.Method, msg.Params, c.id, cc)
}

// builtinSubscribe replaces the connection's subscription set.
func (s *Server) builtinSubscribe(c *client, params map[string]any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.WrapInvalid(err, "gateway", "subscribe", "encode params")
	}
	var p subscribeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.WrapInvalid(err, "gateway", "subscribe", "decode params")
	}
	c.subscribe(p.Events)
	return json.Marshal(map[string]any{
		"connectionId": c.id,
		"subscribed":   len(p.Events),
	})
}

// deliverEvent pushes a broker event to connected clients. A targeted event
// goes only to its connection; everything else is matched against each
// connection's subscription set.
func (s *Server) deliverEvent(ev types.GatewayEvent) {
	msg := eventMessage(ev)

	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if ev.ConnectionID != "" {
			if c.id == ev.ConnectionID {
				targets = append(targets, c)
			}
			continue
		}
		if c.wants(ev.Type) {
			targets = append(targets, c)
		}
	}
	s.clientsMu.RUnlock()

	for _, c := range targets {
		go func(c *client) {
			if err := s.send(c, msg); err != nil {
				s.logger.Debug("failed to push event", "connection", c.id, "event", ev.Type, "error", err)
			}
		}(c)
	}
}

func (s *Server) send(c *client, msg serverMessage) error {
	if c.closed.Load() {
		return errors.WrapTransient(
			fmt.Errorf("connection %s closed", c.id),
			"gateway", "send", "check connection",
		)
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return errors.Wrap(err, "gateway", "send", "set write deadline")
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return errors.WrapTransient(err, "gateway", "send", "write message")
	}
	return nil
}

func (s *Server) removeClient(c *client) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.conn.Close()

		s.clientsMu.Lock()
		delete(s.clients, c.conn)
		n := len(s.clients)
		s.clientsMu.Unlock()
		s.metrics.SetConnections(n)

		s.logger.Debug("client disconnected", "connection", c.id)
	})
}

func (s *Server) closeAllClients() {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		func() {
			c.writeMutex.Lock()
			defer c.writeMutex.Unlock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		}()
		s.removeClient(c)
	}
}

// maintainClients pings connections and prunes ones that stopped answering.
func (s *Server) maintainClients() {
	defer s.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.pingClients()
		}
	}
}

func (s *Server) pingClients() {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	cutoff := time.Now().Add(-2 * pongWait).UnixMilli()
	for _, c := range clients {
		if c.lastPong.Load() < cutoff {
			s.logger.Debug("pruning unresponsive client", "connection", c.id)
			s.removeClient(c)
			continue
		}
		c.writeMutex.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		err := c.conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMutex.Unlock()
		if err != nil {
			s.removeClient(c)
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	statuses := s.mgr.Health(ctx)
	healthy := true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy":    healthy,
		"extensions": statuses,
	})
}

// ConnectionCount reports the number of connected clients.
func (s *Server) ConnectionCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
