package metric

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crosswire/crosswire/errors"
)

// Registry manages the Prometheus registry and the core gateway metrics.
// Extensions may register their own collectors under a namespaced key.
type Registry struct {
	prom    *prometheus.Registry
	Metrics *Metrics

	mu         sync.RWMutex
	registered map[string]prometheus.Collector
}

// NewRegistry creates a registry with the core gateway metrics and the Go
// runtime collectors pre-registered.
func NewRegistry() *Registry {
	r := &Registry{
		prom:       prometheus.NewRegistry(),
		Metrics:    NewMetrics(),
		registered: make(map[string]prometheus.Collector),
	}
	r.prom.MustRegister(
		r.Metrics.DispatchTotal,
		r.Metrics.DispatchDuration,
		r.Metrics.BroadcastTotal,
		r.Metrics.BroadcastDuration,
		r.Metrics.EventsDropped,
		r.Metrics.Extensions,
		r.Metrics.ExtensionHealth,
		r.Metrics.Connections,
		r.Metrics.RouteMisses,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Core returns the gateway metrics, nil when the registry itself is nil so
// callers can thread a disabled registry through unchanged.
func (r *Registry) Core() *Metrics {
	if r == nil {
		return nil
	}
	return r.Metrics
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Register adds a collector under "<owner>.<name>". Registering the same
// key twice is an error, as is a collision inside Prometheus itself.
func (r *Registry) Register(owner, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", owner, name)
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for %s", name, owner),
			"Registry", "Register", "duplicate metric registration")
	}
	if err := r.prom.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapInvalid(err, "Registry", "Register",
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "Registry", "Register", "prometheus registration")
	}
	r.registered[key] = c
	return nil
}

// Unregister removes a collector previously added with Register.
func (r *Registry) Unregister(owner, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", owner, name)
	c, exists := r.registered[key]
	if !exists {
		return false
	}
	if !r.prom.Unregister(c) {
		return false
	}
	delete(r.registered, key)
	return true
}
