// ABOUTME: Tests for retry routing: retryable stages, guardrail short-circuit, and the hard cap.
package pipeline

import (
	"errors"
	"fmt"
	"testing"
)

func verifyDesc() StageDescriptor {
	return StageDescriptor{ID: StageVerify, Retryable: true}
}

func TestRouteNonRetryableStageFails(t *testing.T) {
	m := NewRetryManager(2)
	attemptErr := fmt.Errorf("boom")

	decision, err := m.Route(StageDescriptor{ID: StageImplement}, 0, attemptErr)
	if decision != DecisionFail {
		t.Fatal("non-retryable stage must fail")
	}
	if err != attemptErr {
		t.Errorf("expected attempt error passed through, got %v", err)
	}
}

func TestRouteRetryableUnderCap(t *testing.T) {
	m := NewRetryManager(2)

	decision, err := m.Route(verifyDesc(), 0, fmt.Errorf("tests failed"))
	if decision != DecisionSelfHeal {
		t.Fatal("expected self-heal under the cap")
	}
	if err != nil {
		t.Errorf("self-heal decision should carry no error, got %v", err)
	}

	if decision, _ = m.Route(verifyDesc(), 1, fmt.Errorf("still failing")); decision != DecisionSelfHeal {
		t.Error("retry 1 of 2 should still self-heal")
	}
}

func TestRouteCapExhausted(t *testing.T) {
	m := NewRetryManager(2)
	last := fmt.Errorf("tests failed again")

	decision, err := m.Route(verifyDesc(), 2, last)
	if decision != DecisionFail {
		t.Fatal("cap reached must fail")
	}

	var capErr *RetryCapExceeded
	if !errors.As(err, &capErr) {
		t.Fatalf("expected RetryCapExceeded, got %T", err)
	}
	if capErr.Retries != 2 {
		t.Errorf("Retries = %d, want 2", capErr.Retries)
	}
	if !errors.Is(err, last) {
		t.Error("cap error should wrap the last attempt error")
	}
}

func TestRouteZeroCapDisablesLoop(t *testing.T) {
	m := NewRetryManager(0)
	attemptErr := fmt.Errorf("tests failed")

	decision, err := m.Route(verifyDesc(), 0, attemptErr)
	if decision != DecisionFail {
		t.Fatal("max_retries=0 must disable self-heal")
	}

	// The first failure is final, not a cap exhaustion.
	var capErr *RetryCapExceeded
	if errors.As(err, &capErr) {
		t.Errorf("zero cap should not report RetryCapExceeded, got %v", err)
	}
}

func TestRouteGuardrailViolationNeverRetried(t *testing.T) {
	m := NewRetryManager(5)
	violation := &GuardrailViolation{Paths: []string{"infra/main.tf"}}

	decision, err := m.Route(verifyDesc(), 0, violation)
	if decision != DecisionFail {
		t.Fatal("guardrail violation must hard-fail even on a retryable stage")
	}
	if !errors.Is(err, violation) && err != error(violation) {
		var gv *GuardrailViolation
		if !errors.As(err, &gv) {
			t.Errorf("expected the violation passed through, got %v", err)
		}
	}
}

func TestNegativeCapClampedToZero(t *testing.T) {
	m := NewRetryManager(-3)
	if m.MaxRetries() != 0 {
		t.Errorf("MaxRetries = %d, want 0", m.MaxRetries())
	}
}
