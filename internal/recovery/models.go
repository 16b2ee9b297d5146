package recovery

import (
	"errors"
	"time"
)

// Event names emitted on the bus.
const (
	// EventServiceHealthy fires when a service records a success.
	EventServiceHealthy = "service.healthy"

	// EventServiceUnhealthy fires on every recorded failure.
	EventServiceUnhealthy = "service.unhealthy"

	// EventCircuitTripped fires when consecutive failures reach the
	// breaker threshold.
	EventCircuitTripped = "circuit.tripped"

	// EventCircuitReset fires when a breaker is cleared, whether by
	// timeout expiry, success, or manual reset.
	EventCircuitReset = "circuit.reset"

	// EventServiceSilent fires when a nominally healthy service has not
	// succeeded within three health-check intervals.
	EventServiceSilent = "service.silent"

	// EventRecoveryStarted fires when a recovery run begins.
	EventRecoveryStarted = "recovery.started"

	// EventRecoverySucceeded fires when a recovery attempt reconnects.
	EventRecoverySucceeded = "recovery.succeeded"

	// EventRecoveryFailed fires after the final attempt fails.
	EventRecoveryFailed = "recovery.failed"

	// EventHealthCheck fires on every health-check tick with a Status
	// snapshot payload.
	EventHealthCheck = "health.check"
)

// Predefined recovery errors.
var (
	// ErrRecoveryActive is returned when a recovery run is already in
	// flight; only one runs process-wide.
	ErrRecoveryActive = errors.New("recovery already in progress")

	// ErrRecoveryExhausted is the terminal error after MaxRetries
	// failed attempts. The connection layer decides what happens next.
	ErrRecoveryExhausted = errors.New("recovery attempts exhausted")
)

// Health is the tracked state of one upstream service. Mutated only by
// RecordSuccess and RecordFailure.
type Health struct {
	Healthy             bool      `json:"healthy"`
	LastSuccessful      time.Time `json:"last_successful"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalFailures       int       `json:"total_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Attempt is one entry in the append-only recovery log. Entries are
// never mutated after append; the log keeps the most recent
// attemptLogSize entries.
type Attempt struct {
	Attempt int           `json:"attempt"`
	Time    time.Time     `json:"time"`
	Delay   time.Duration `json:"delay"`
	Reason  string        `json:"reason"`
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
}

// Status is a read-only snapshot of health and breaker state.
type Status struct {
	Services     map[string]Health    `json:"services"`
	OpenBreakers map[string]time.Time `json:"open_breakers"`
	Recovering   bool                 `json:"recovering"`
}

// Statistics summarizes recovery activity.
type Statistics struct {
	AttemptSuccesses int           `json:"attempt_successes"`
	AttemptFailures  int           `json:"attempt_failures"`
	MeanSuccessDelay time.Duration `json:"mean_success_delay"`
	RecentAttempts   []Attempt     `json:"recent_attempts"`
	Recovering       bool          `json:"recovering"`
}
