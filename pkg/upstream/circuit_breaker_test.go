package upstream

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, 2, 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		_ = cb.Call(func() error { return errors.New("boom") })
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", cb.GetState())
	}

	if err := cb.Call(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Call() while open = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, 10*time.Millisecond)

	_ = cb.Call(func() error { return errors.New("boom") })
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v, want open", cb.GetState())
	}

	time.Sleep(15 * time.Millisecond)

	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("Call() during half-open probe = %v", err)
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after one probe success", cb.GetState())
	}

	_ = cb.Call(func() error { return nil })
	if cb.GetState() != StateClosed {
		t.Fatalf("state = %v, want closed after success threshold met", cb.GetState())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, 10*time.Millisecond)
	_ = cb.Call(func() error { return errors.New("boom") })
	time.Sleep(15 * time.Millisecond)

	_ = cb.Call(func() error { return errors.New("still failing") })

	if cb.GetState() != StateOpen {
		t.Errorf("state = %v, want open again after half-open failure", cb.GetState())
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, time.Minute)
	_ = cb.Call(func() error { return errors.New("boom") })
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v, want open", cb.GetState())
	}

	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Errorf("state after Reset() = %v, want closed", cb.GetState())
	}
}

func TestCircuitBreakerNotifiesOnTripTransitions(t *testing.T) {
	var transitions []bool
	cb := NewCircuitBreaker(1, 1, 10*time.Millisecond)
	cb.onTrip = func(open bool) { transitions = append(transitions, open) }

	_ = cb.Call(func() error { return errors.New("boom") })
	time.Sleep(15 * time.Millisecond)
	_ = cb.Call(func() error { return nil })

	if len(transitions) != 2 {
		t.Fatalf("transitions = %v, want [open, closed]", transitions)
	}
	if transitions[0] != true || transitions[1] != false {
		t.Errorf("transitions = %v, want [true, false]", transitions)
	}
}
