package breaker

import (
	"testing"

	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
)

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb := New("smtp")
	boom := errs.E(errs.DependencyUnavailable, "smtp down")

	for i := 0; i < 5; i++ {
		if err := Do(cb, func() error { return boom }); err != boom {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	// circuit is open now; the function must not run
	ran := false
	err := Do(cb, func() error { ran = true; return nil })
	if !errs.Is(err, errs.DependencyUnavailable) {
		t.Fatalf("err = %v, want DependencyUnavailable", err)
	}
	if ran {
		t.Fatalf("function ran through an open circuit")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := New("sms")
	boom := errs.E(errs.DependencyUnavailable, "sms down")
	for i := 0; i < 4; i++ {
		_ = Do(cb, func() error { return boom })
	}
	if err := Do(cb, func() error { return nil }); err != nil {
		t.Fatalf("success call: %v", err)
	}
	// the consecutive counter restarted; four more failures stay closed
	for i := 0; i < 4; i++ {
		if err := Do(cb, func() error { return boom }); err != boom {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
}
