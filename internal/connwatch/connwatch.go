// Package connwatch polls the external services chatty depends on (the
// model provider, Home Assistant) and remembers whether each one last
// answered. The health endpoint reports it, and outages are logged once
// on the transition rather than on every failed request.
//
// While a service is down it is probed with exponential backoff; once
// up it is polled at a fixed interval.
package connwatch

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// ProbeFunc checks that a service answers.
type ProbeFunc func(ctx context.Context) error

// Config tunes one watcher. Zero fields take the defaults.
type Config struct {
	// MinDelay is the first retry delay after a failure (default 2s).
	MinDelay time.Duration
	// MaxDelay caps the backoff (default 60s).
	MaxDelay time.Duration
	// PollInterval is the delay between probes while up (default 60s).
	PollInterval time.Duration
	// ProbeTimeout bounds one probe (default 10s).
	ProbeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinDelay <= 0 {
		c.MinDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	return c
}

// ServiceStatus is one service's health as served by /_health.
type ServiceStatus struct {
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	// Failures counts consecutive failed probes.
	Failures int `json:"failures,omitempty"`
}

// Manager runs one watcher goroutine per service.
type Manager struct {
	logger *slog.Logger
	cfg    Config

	mu     sync.RWMutex
	status map[string]ServiceStatus
	wg     sync.WaitGroup
}

// NewManager creates a manager whose watchers use cfg.
func NewManager(logger *slog.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger,
		cfg:    cfg.withDefaults(),
		status: make(map[string]ServiceStatus),
	}
}

// Watch starts probing name until ctx ends. The service counts as down
// until the first probe succeeds.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc) {
	m.mu.Lock()
	m.status[name] = ServiceStatus{}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, name, probe)
	}()
}

// Wait blocks until every watcher has stopped.
func (m *Manager) Wait() { m.wg.Wait() }

// Status returns a snapshot of every watched service.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.status)
}

// Ready reports whether name answered its last probe. Unknown services
// are not ready.
func (m *Manager) Ready(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status[name].Ready
}

func (m *Manager) run(ctx context.Context, name string, probe ProbeFunc) {
	delay := m.cfg.MinDelay
	for {
		err := m.probe(ctx, probe)
		if ctx.Err() != nil {
			return
		}

		wait := m.cfg.PollInterval
		if err != nil {
			wait = delay
			delay = min(delay*2, m.cfg.MaxDelay)
		} else {
			delay = m.cfg.MinDelay
		}
		m.record(name, err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) probe(ctx context.Context, probe ProbeFunc) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	return probe(ctx)
}

// record stores a probe result and logs up/down transitions.
func (m *Manager) record(name string, err error) {
	m.mu.Lock()
	prev := m.status[name]
	next := ServiceStatus{Ready: err == nil, LastCheck: time.Now()}
	if err != nil {
		next.LastError = err.Error()
		next.Failures = prev.Failures + 1
	}
	m.status[name] = next
	m.mu.Unlock()

	switch {
	case next.Ready && !prev.Ready && prev.LastCheck.IsZero():
		m.logger.Info("service connected", "service", name)
	case next.Ready && !prev.Ready:
		m.logger.Info("service recovered", "service", name, "failed_probes", prev.Failures)
	case !next.Ready && (prev.Ready || prev.LastCheck.IsZero()):
		m.logger.Warn("service unreachable", "service", name, "error", err)
	case !next.Ready:
		m.logger.Debug("service still unreachable", "service", name, "failures", next.Failures, "error", err)
	}
}
