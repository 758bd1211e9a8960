package apperr

import (
	"errors"
	"testing"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient network", TransientNetwork("dial failed", nil), true},
		{"timeout", Timeout("deadline exceeded", nil), true},
		{"resource exhausted", ResourceExhausted("too many runs"), true},
		{"not found", NotFound("task", "t1"), false},
		{"conflict", Conflict("already running"), false},
		{"validation failure", ValidationFailure("name", "required"), false},
		{"fatal", Fatal("panic recovered", nil), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWrapPreservesKind(t *testing.T) {
	base := NotFound("run", "r1")
	wrapped := Wrap(base, "loading run")

	if !Is(wrapped, KindNotFound) {
		t.Errorf("expected wrapped error to keep KindNotFound, got %v", wrapped.Kind)
	}
	if !errors.Is(wrapped, wrapped) {
		t.Errorf("expected errors.Is to match itself")
	}
	if errors.Unwrap(wrapped) != base {
		t.Errorf("expected Unwrap to return the original error")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "anything") != nil {
		t.Errorf("Wrap(nil, ...) should return nil")
	}
}

func TestIsOnPlainError(t *testing.T) {
	if Is(errors.New("boom"), KindFatal) {
		t.Errorf("plain error should not match any Kind")
	}
}
