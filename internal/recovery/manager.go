// Package recovery tracks the health of each upstream connection,
// trips a circuit breaker after repeated failures, and drives a
// bounded, jittered-backoff reconnection sequence. It never talks to a
// transport directly: the connection layer supplies a reconnect hook
// and subscribes to lifecycle events on the bus.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/linkrelay/linkrelay/internal/events"
)

// attemptLogSize bounds the append-only recovery attempt log.
const attemptLogSize = 10

// ReconnectFunc is the externally supplied reconnection hook, invoked
// once per retry attempt. A nil error means the service reconnected.
// The manager enforces its own timeout around the call, so a hook that
// ignores ctx still cannot stall a recovery run.
type ReconnectFunc func(ctx context.Context, service string) error

// Config holds configuration for the Manager. Zero values take the
// documented defaults.
type Config struct {
	// MaxRetries is the number of reconnection attempts per recovery
	// run. Default: 10.
	MaxRetries int

	// BaseDelay is the first attempt's backoff delay; each subsequent
	// attempt doubles it. Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps the pre-jitter backoff delay. Default: 60s.
	MaxDelay time.Duration

	// Jitter is the symmetric randomization fraction applied to each
	// delay (delay ± Jitter*delay, never negative). Default: 0.25.
	Jitter float64

	// BreakerThreshold is the consecutive-failure count that opens a
	// service's circuit breaker. Default: 5.
	BreakerThreshold int

	// BreakerTimeout is how long an open breaker blocks the service
	// before it is lazily cleared on query. Default: 5m.
	BreakerTimeout time.Duration

	// HealthCheckInterval is the periodic health snapshot cadence.
	// Default: 30s.
	HealthCheckInterval time.Duration

	// ReconnectTimeout bounds each reconnect hook invocation; an
	// unanswered hook counts as a failed attempt. Default: 30s.
	ReconnectTimeout time.Duration

	// Bus receives lifecycle events.
	Bus *events.Bus

	// Reconnect is the connection layer's reconnection hook.
	Reconnect ReconnectFunc

	// Logger reports recovery progress.
	Logger zerolog.Logger
}

// Manager owns the health and breaker maps exclusively; callers
// observe them only through HealthStatus and Statistics. All methods
// are safe for concurrent use.
type Manager struct {
	cfg Config
	log zerolog.Logger
	bus *events.Bus

	mu               sync.Mutex
	services         map[string]*Health
	breakers         map[string]time.Time
	attempts         []Attempt
	attemptSuccesses int
	attemptFailures  int
	recovering       bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a Manager and starts its periodic health check.
func NewManager(cfg Config) *Manager {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 10
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.Jitter == 0 {
		cfg.Jitter = 0.25
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 5 * time.Minute
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.ReconnectTimeout == 0 {
		cfg.ReconnectTimeout = 30 * time.Second
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus()
	}

	m := &Manager{
		cfg:      cfg,
		log:      cfg.Logger,
		bus:      cfg.Bus,
		services: make(map[string]*Health),
		breakers: make(map[string]time.Time),
		done:     make(chan struct{}),
	}

	go m.healthLoop()

	return m
}

// RecordSuccess marks the service healthy, resets its failure counter,
// and clears any open breaker.
func (m *Manager) RecordSuccess(service string) {
	m.mu.Lock()
	h := m.ensure(service)
	h.Healthy = true
	h.ConsecutiveFailures = 0
	h.LastSuccessful = time.Now()
	h.LastError = ""
	_, hadBreaker := m.breakers[service]
	delete(m.breakers, service)
	snapshot := *h
	m.mu.Unlock()

	if hadBreaker {
		m.bus.Emit(events.Event{Name: EventCircuitReset, Service: service})
	}
	m.bus.Emit(events.Event{Name: EventServiceHealthy, Service: service, Payload: snapshot})
}

// RecordFailure increments the service's failure counters, opens the
// breaker at the threshold, and triggers a recovery run unless one is
// already in flight or the breaker is open. Failures recorded during
// an active run still update health, but never spawn a second run.
func (m *Manager) RecordFailure(service string, err error) {
	m.mu.Lock()
	h := m.ensure(service)
	h.ConsecutiveFailures++
	h.TotalFailures++
	if err != nil {
		h.LastError = err.Error()
	}

	tripped := false
	if h.ConsecutiveFailures >= m.cfg.BreakerThreshold {
		h.Healthy = false
		if _, open := m.breakers[service]; !open {
			m.breakers[service] = time.Now()
			tripped = true
		}
	}

	_, breakerOpen := m.breakers[service]
	start := false
	if !m.recovering && !breakerOpen {
		m.recovering = true
		start = true
	}
	snapshot := *h
	m.mu.Unlock()

	if tripped {
		m.log.Warn().
			Str("service", service).
			Int("consecutive_failures", snapshot.ConsecutiveFailures).
			Msg("circuit breaker tripped")
		m.bus.Emit(events.Event{Name: EventCircuitTripped, Service: service, Payload: snapshot})
	}
	m.bus.Emit(events.Event{Name: EventServiceUnhealthy, Service: service, Payload: snapshot})

	if start {
		reason := "failure"
		if err != nil {
			reason = "failure: " + err.Error()
		}
		go func() {
			_ = m.run(service, reason)
		}()
	}
}

// IsServiceAvailable reports whether the service may be used. An open
// breaker blocks the service until BreakerTimeout elapses; crossing
// the timeout lazily clears the breaker as a side effect.
func (m *Manager) IsServiceAvailable(service string) bool {
	m.mu.Lock()
	trip, open := m.breakers[service]
	if !open {
		m.mu.Unlock()
		return true
	}
	if time.Since(trip) > m.cfg.BreakerTimeout {
		delete(m.breakers, service)
		m.mu.Unlock()
		m.bus.Emit(events.Event{Name: EventCircuitReset, Service: service})
		return true
	}
	m.mu.Unlock()
	return false
}

// ForceRecovery starts a manual recovery run for the service. Returns
// ErrRecoveryActive if a run is already in flight.
func (m *Manager) ForceRecovery(service string) error {
	m.mu.Lock()
	if m.recovering {
		m.mu.Unlock()
		return ErrRecoveryActive
	}
	m.recovering = true
	m.mu.Unlock()

	go func() {
		_ = m.run(service, "manual")
	}()
	return nil
}

// ResetCircuitBreaker clears the service's breaker and failure count.
// Manual override for operators.
func (m *Manager) ResetCircuitBreaker(service string) {
	m.mu.Lock()
	h := m.ensure(service)
	h.ConsecutiveFailures = 0
	_, hadBreaker := m.breakers[service]
	delete(m.breakers, service)
	m.mu.Unlock()

	if hadBreaker {
		m.bus.Emit(events.Event{Name: EventCircuitReset, Service: service})
	}
	m.log.Info().Str("service", service).Msg("circuit breaker reset by operator")
}

// HealthStatus returns a point-in-time snapshot of all tracked
// services and open breakers.
func (m *Manager) HealthStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := Status{
		Services:     make(map[string]Health, len(m.services)),
		OpenBreakers: make(map[string]time.Time, len(m.breakers)),
		Recovering:   m.recovering,
	}
	for name, h := range m.services {
		status.Services[name] = *h
	}
	for name, trip := range m.breakers {
		status.OpenBreakers[name] = trip
	}
	return status
}

// Statistics returns attempt counts, the mean delay of successful
// attempts, and the recent attempt log.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Statistics{
		AttemptSuccesses: m.attemptSuccesses,
		AttemptFailures:  m.attemptFailures,
		RecentAttempts:   append([]Attempt(nil), m.attempts...),
		Recovering:       m.recovering,
	}

	var total time.Duration
	count := 0
	for _, a := range m.attempts {
		if a.Success {
			total += a.Delay
			count++
		}
	}
	if count > 0 {
		stats.MeanSuccessDelay = total / time.Duration(count)
	}
	return stats
}

// Close stops the health-check ticker. An in-flight recovery run exits
// at its next sleep.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

// ensure is called with the mutex held. New services start healthy.
func (m *Manager) ensure(service string) *Health {
	h, ok := m.services[service]
	if !ok {
		h = &Health{Healthy: true}
		m.services[service] = h
	}
	return h
}

// newBackOff builds the attempt-delay schedule: BaseDelay doubling per
// attempt, capped at MaxDelay, with symmetric Jitter randomization.
func newBackOff(cfg Config) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxInterval = cfg.MaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// run executes one recovery sequence. Exactly one run exists
// process-wide; callers set the recovering flag before starting it.
func (m *Manager) run(service, reason string) error {
	m.log.Info().
		Str("service", service).
		Str("reason", reason).
		Int("max_retries", m.cfg.MaxRetries).
		Msg("recovery started")
	m.bus.Emit(events.Event{Name: EventRecoveryStarted, Service: service, Payload: reason})

	bo := newBackOff(m.cfg)

	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		delay := bo.NextBackOff()

		select {
		case <-time.After(delay):
		case <-m.done:
			m.setRecovering(false)
			return nil
		}

		err := m.reconnect(service)
		m.recordAttempt(Attempt{
			Attempt: attempt,
			Time:    time.Now(),
			Delay:   delay,
			Reason:  reason,
			Success: err == nil,
			Error:   errString(err),
		})

		if err == nil {
			m.setRecovering(false)
			m.RecordSuccess(service)
			m.log.Info().
				Str("service", service).
				Int("attempt", attempt).
				Msg("recovery succeeded")
			m.bus.Emit(events.Event{Name: EventRecoverySucceeded, Service: service, Payload: attempt})
			return nil
		}

		m.log.Warn().
			Err(err).
			Str("service", service).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("recovery attempt failed")
	}

	m.setRecovering(false)
	m.log.Error().
		Str("service", service).
		Int("attempts", m.cfg.MaxRetries).
		Msg("recovery exhausted")
	m.bus.Emit(events.Event{
		Name:    EventRecoveryFailed,
		Service: service,
		Payload: ErrRecoveryExhausted.Error(),
	})
	return ErrRecoveryExhausted
}

// reconnect invokes the hook under the configured timeout. The hook
// runs on its own goroutine so an unresponsive implementation cannot
// outlive the deadline.
func (m *Manager) reconnect(service string) error {
	if m.cfg.Reconnect == nil {
		return errors.New("no reconnect hook registered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ReconnectTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- m.cfg.Reconnect(ctx, service)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("reconnect unanswered after %s", m.cfg.ReconnectTimeout)
	}
}

func (m *Manager) recordAttempt(a Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts = append(m.attempts, a)
	if len(m.attempts) > attemptLogSize {
		m.attempts = m.attempts[len(m.attempts)-attemptLogSize:]
	}
	if a.Success {
		m.attemptSuccesses++
	} else {
		m.attemptFailures++
	}
}

func (m *Manager) setRecovering(v bool) {
	m.mu.Lock()
	m.recovering = v
	m.mu.Unlock()
}

func (m *Manager) healthLoop() {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.healthCheck()
		}
	}
}

// healthCheck emits a status snapshot and flags healthy services that
// have gone silent. It never mutates health state itself.
func (m *Manager) healthCheck() {
	status := m.HealthStatus()
	m.bus.Emit(events.Event{Name: EventHealthCheck, Payload: status})

	silentAfter := 3 * m.cfg.HealthCheckInterval
	for service, h := range status.Services {
		if h.Healthy && !h.LastSuccessful.IsZero() && time.Since(h.LastSuccessful) > silentAfter {
			m.log.Warn().
				Str("service", service).
				Time("last_successful", h.LastSuccessful).
				Msg("healthy service has gone silent")
			m.bus.Emit(events.Event{Name: EventServiceSilent, Service: service, Payload: h})
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
