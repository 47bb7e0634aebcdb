// ABOUTME: Routing policy for failed stage attempts: decides between terminal failure and a self-heal pass.
// ABOUTME: Only retryable stages enter the loop, guardrail violations never do, and the cap is a hard bound.
package pipeline

import "errors"

// RetryDecision is the routing outcome for one failed stage attempt.
type RetryDecision int

const (
	// DecisionFail terminates the run with the routed error.
	DecisionFail RetryDecision = iota
	// DecisionSelfHeal sends the run through one self-heal pass and back to
	// the failed stage.
	DecisionSelfHeal
)

// RetryManager decides whether a failed stage attempt gets a self-heal pass.
// The max retry count is fixed per run at creation time, so a mid-run
// guardrail change can never extend an in-flight loop.
type RetryManager struct {
	maxRetries int
}

// NewRetryManager creates a retry manager with the given hard cap.
// A cap of zero disables self-healing entirely.
func NewRetryManager(maxRetries int) *RetryManager {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryManager{maxRetries: maxRetries}
}

// MaxRetries returns the hard cap.
func (m *RetryManager) MaxRetries() int { return m.maxRetries }

// Route classifies a failed attempt of the given stage. retryCount is the
// number of self-heal passes already consumed by this run.
//
// The returned error is what the run should fail with when the decision is
// DecisionFail; it wraps the attempt error in RetryCapExceeded when the cap
// is what stopped the loop.
func (m *RetryManager) Route(desc StageDescriptor, retryCount int, attemptErr error) (RetryDecision, error) {
	if !desc.Retryable {
		return DecisionFail, attemptErr
	}

	// A guardrail violation raised inside the loop is a hard failure, never
	// another self-heal pass.
	var gv *GuardrailViolation
	if errors.As(attemptErr, &gv) {
		return DecisionFail, attemptErr
	}

	if retryCount >= m.maxRetries {
		if m.maxRetries == 0 {
			// Self-healing disabled: the first failure is final and is not
			// dressed up as a cap exhaustion.
			return DecisionFail, attemptErr
		}
		return DecisionFail, &RetryCapExceeded{Retries: retryCount, Last: attemptErr}
	}
	return DecisionSelfHeal, nil
}
