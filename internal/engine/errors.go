package engine

import (
	"fmt"

	"assetmigrate/internal/provider"
	"assetmigrate/internal/runstate"
)

// CircuitBreakerError aborts a run after repeated identical failures,
// independent of the cumulative thresholds. It guards against infinite
// retry loops on a systemic failure such as revoked credentials.
type CircuitBreakerError struct {
	Repeats int
	Message string
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker tripped after %d identical errors: %s", e.Repeats, e.Message)
}

// ResumeInconsistencyError rejects a resume whose checkpoint belongs to a
// run that already finished. The caller must start fresh.
type ResumeInconsistencyError struct {
	RunID  string
	Status runstate.Status
}

func (e *ResumeInconsistencyError) Error() string {
	return fmt.Sprintf("cannot resume run %s: run is already %s", e.RunID, e.Status)
}

// ThresholdError aborts a run when an error budget is spent.
type ThresholdError struct {
	Kind  string // "error" or "critical error"
	Count int
	Limit int
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("%s threshold exceeded: %d failures (limit %d)", e.Kind, e.Count, e.Limit)
}

// errorPolicy tracks per-run failure counts and decides when to abort.
// Individual item failures below every threshold are retried and then
// skipped; the policy only unwinds the batch loop once a budget is spent.
type errorPolicy struct {
	errorThreshold         int
	criticalErrorThreshold int
	maxRepeatedErrors      int

	errors         int
	criticalErrors int
	lastMessage    string
	repeats        int
}

// record counts a permanent item failure. It returns a non-nil abort error
// once a threshold is exceeded or the circuit breaker trips.
func (p *errorPolicy) record(err error) error {
	msg := err.Error()
	if msg == p.lastMessage {
		p.repeats++
	} else {
		p.lastMessage = msg
		p.repeats = 1
	}
	if p.maxRepeatedErrors > 0 && p.repeats >= p.maxRepeatedErrors {
		return &CircuitBreakerError{Repeats: p.repeats, Message: msg}
	}

	if provider.IsCritical(err) {
		p.criticalErrors++
		if p.criticalErrorThreshold > 0 && p.criticalErrors > p.criticalErrorThreshold {
			return &ThresholdError{Kind: "critical error", Count: p.criticalErrors, Limit: p.criticalErrorThreshold}
		}
		return nil
	}

	p.errors++
	if p.errorThreshold > 0 && p.errors > p.errorThreshold {
		return &ThresholdError{Kind: "error", Count: p.errors, Limit: p.errorThreshold}
	}
	return nil
}
