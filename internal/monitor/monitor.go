// Package monitor polls the directory's change-audit log and redistributes
// access and service data to connected gateways when relevant tables
// change.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openperimeter/sdpc/internal/directory"
	"github.com/openperimeter/sdpc/internal/logging"
	"github.com/openperimeter/sdpc/internal/metrics"
	"github.com/openperimeter/sdpc/internal/registry"
)

// Directory is the subset of store operations the monitor performs.
type Directory interface {
	Ping(ctx context.Context) error
	AuditEntriesSince(ctx context.Context, since time.Time) ([]directory.AuditEntry, error)
}

// Fanout distributes refresh data to all connected gateways.
type Fanout interface {
	AccessRefreshAll(ctx context.Context) error
	ServiceRefreshAll(ctx context.Context) error
}

// serviceTables are the audited tables whose changes alter a gateway's
// service/port topology and so require a service refresh ahead of the
// access refresh. Every other audited table affects access data only.
var serviceTables = map[string]bool{
	"services":         true,
	"service_gateways": true,
}

// Monitor is the singleton directory change poller.
type Monitor struct {
	store    Directory
	fan      Fanout
	registry *registry.Registry
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	lastCheck time.Time
	failures  int
}

// New returns a Monitor polling at the given base interval.
func New(store Directory, fan Fanout, reg *registry.Registry, interval time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		store:     store,
		fan:       fan,
		registry:  reg,
		interval:  interval,
		logger:    logger,
		lastCheck: time.Now(),
	}
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("directory change monitor started", zap.Duration("interval", m.interval))
	for {
		delay := m.cycle(ctx)
		select {
		case <-ctx.Done():
			m.logger.Info("directory change monitor stopped")
			return
		case <-time.After(delay):
		}
	}
}

// cycle performs one poll and returns the delay before the next. Each
// consecutive directory failure doubles the delay, without a cap; any
// success resets it to the base interval.
func (m *Monitor) cycle(ctx context.Context) time.Duration {
	if m.registry.Count(registry.RoleGateway) == 0 {
		metrics.MonitorCyclesTotal.WithLabelValues("no_gateways").Inc()
		return m.interval
	}

	if err := m.store.Ping(ctx); err != nil {
		m.logger.Error("directory unreachable", zap.Error(err))
		return m.backoff("unreachable")
	}

	m.mu.Lock()
	since := m.lastCheck
	m.mu.Unlock()

	entries, err := m.store.AuditEntriesSince(ctx, since)
	if err != nil {
		m.logger.Error("audit log query failed", zap.Error(err))
		return m.backoff("query_error")
	}

	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()

	if len(entries) == 0 {
		metrics.MonitorCyclesTotal.WithLabelValues("no_changes").Inc()
		return m.interval
	}

	serviceChanged := false
	for _, e := range entries {
		m.logger.Debug("directory change detected", logging.Table(e.Table))
		if serviceTables[e.Table] {
			serviceChanged = true
		}
	}

	if serviceChanged {
		m.logger.Info("service topology changed, refreshing gateways", zap.Int("changes", len(entries)))
		if err := m.fan.ServiceRefreshAll(ctx); err != nil {
			m.logger.Error("service refresh fan-out failed", zap.Error(err))
			return m.backoff("fanout_error")
		}
	} else {
		m.logger.Info("access data changed, refreshing gateways", zap.Int("changes", len(entries)))
	}

	if err := m.fan.AccessRefreshAll(ctx); err != nil {
		m.logger.Error("access refresh fan-out failed", zap.Error(err))
		return m.backoff("fanout_error")
	}

	m.mu.Lock()
	m.lastCheck = time.Now()
	m.mu.Unlock()

	metrics.MonitorCyclesTotal.WithLabelValues("refreshed").Inc()
	return m.interval
}

func (m *Monitor) backoff(result string) time.Duration {
	m.mu.Lock()
	m.failures++
	failures := m.failures
	m.mu.Unlock()

	metrics.MonitorCyclesTotal.WithLabelValues(result).Inc()

	delay := m.interval
	for i := 0; i < failures; i++ {
		delay *= 2
	}
	m.logger.Warn("rescheduling monitor after failure",
		zap.Int("consecutive_failures", failures), zap.Duration("delay", delay))
	return delay
}

// LastCheck reports the time of the last successful poll, for status
// reporting.
func (m *Monitor) LastCheck() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCheck
}
