package guard

import "time"

// HealthStatus represents the health status of a circuit breaker.
// It provides a strongly-typed alternative to map[string]interface{} for health checks.
type HealthStatus struct {
	// Name is the protected operation name.
	Name string `json:"name"`

	// Healthy indicates whether the circuit breaker is in a healthy state.
	// True for closed and half-open states, false for open state.
	Healthy bool `json:"healthy"`

	// Status is a short string description of the state ("closed", "half-open", "open", "unknown").
	Status string `json:"status"`

	// FailureCount is the number of failures counted in the current state.
	FailureCount int `json:"failure_count"`

	// LastFailureAt is the time of the most recent failure, if any.
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
}

// NewHealthStatus builds the health view of a circuit snapshot.
func NewHealthStatus(name string, snapshot CircuitSnapshot) HealthStatus {
	status := HealthStatus{
		Name:         name,
		Status:       snapshot.State.String(),
		FailureCount: snapshot.FailureCount,
	}

	switch snapshot.State {
	case StateClosed, StateHalfOpen:
		status.Healthy = true // half-open is degraded but operational
	default:
		status.Healthy = false
	}

	if !snapshot.LastFailureAt.IsZero() {
		last := snapshot.LastFailureAt
		status.LastFailureAt = &last
	}

	return status
}
