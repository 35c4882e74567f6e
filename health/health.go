// Package health tracks per-extension health over time. A Monitor polls
// the broker on an interval and keeps the latest snapshot so liveness
// endpoints and logs read cached state instead of probing on demand.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/crosswire/crosswire/types"
)

// Status is one extension's health at a point in time.
type Status struct {
	Extension string         `json:"extension"`
	Healthy   bool           `json:"healthy"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// FromExtension converts a broker health report into a timestamped Status.
func FromExtension(id string, hs types.HealthStatus) Status {
	return Status{
		Extension: id,
		Healthy:   hs.Healthy,
		Details:   hs.Details,
		Timestamp: time.Now(),
	}
}

// ProbeFunc returns the current health of every registered extension.
type ProbeFunc func(ctx context.Context) map[string]types.HealthStatus

// Monitor polls a ProbeFunc and caches the results.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates a monitor polling probe every interval.
func NewMonitor(probe ProbeFunc, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		logger:   logger.With("component", "health"),
		statuses: make(map[string]Status),
	}
}

// Run polls until ctx is cancelled. It probes once immediately so the
// first snapshot is available before the first tick.
func (m *Monitor) Run(ctx context.Context) {
	m.poll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	reports := m.probe(probeCtx)

	m.mu.Lock()
	m.statuses = make(map[string]Status, len(reports))
	for id, hs := range reports {
		st := FromExtension(id, hs)
		m.statuses[id] = st
		if !st.Healthy {
			m.logger.Warn("extension unhealthy", "extension", id, "details", st.Details)
		}
	}
	m.mu.Unlock()
}

// Get returns the cached status for one extension.
func (m *Monitor) Get(id string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[id]
	return st, ok
}

// Snapshot returns a copy of all cached statuses.
func (m *Monitor) Snapshot() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.statuses))
	for id, st := range m.statuses {
		out[id] = st
	}
	return out
}

// Healthy reports whether every tracked extension is healthy. An empty
// snapshot counts as healthy.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, st := range m.statuses {
		if !st.Healthy {
			return false
		}
	}
	return true
}
