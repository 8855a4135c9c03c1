package backoff_test

import (
	"testing"
	"time"

	"github.com/snehjoshi/levelq/internal/backoff"
)

func TestExponential_DoublesEachAttempt(t *testing.T) {
	e := backoff.NewExponential(time.Second, time.Hour)

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempts); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestExponential_CapsAtCap(t *testing.T) {
	e := backoff.NewExponential(time.Second, 10*time.Second)

	for _, n := range []int{4, 10, 64, 1000} {
		if got := e.Delay(n); got != 10*time.Second {
			t.Errorf("Delay(%d) = %v, want %v (capped)", n, got, 10*time.Second)
		}
	}
}

func TestExponential_MonotoneAndAtLeastBase(t *testing.T) {
	base := 250 * time.Millisecond
	e := backoff.NewExponential(base, 2*time.Minute)

	prev := time.Duration(0)
	for n := 0; n < 200; n++ {
		d := e.Delay(n)
		if d < base {
			t.Fatalf("Delay(%d) = %v, want >= base %v", n, d, base)
		}
		if d < prev {
			t.Fatalf("Delay(%d) = %v < Delay(%d) = %v", n, d, n-1, prev)
		}
		prev = d
	}
}

func TestExponential_NoCapDoesNotOverflow(t *testing.T) {
	e := backoff.NewExponential(time.Second, 0)
	if got := e.Delay(500); got <= 0 {
		t.Fatalf("Delay(500) without cap = %v, want positive", got)
	}
}

func TestJitter_StaysWithinBounds(t *testing.T) {
	inner := backoff.NewExponential(time.Second, time.Minute)
	j := backoff.NewJitter(inner, 0.5, time.Minute)

	for n := 0; n < 10; n++ {
		lo := inner.Delay(n)
		hi := lo + lo/2
		if hi > time.Minute {
			hi = time.Minute
		}
		for i := 0; i < 50; i++ {
			d := j.Delay(n)
			if d < lo || d > hi {
				t.Fatalf("Delay(%d) = %v, want in [%v, %v]", n, d, lo, hi)
			}
		}
	}
}

func TestJitter_ZeroFractionIsExact(t *testing.T) {
	inner := backoff.NewExponential(time.Second, time.Minute)
	j := backoff.NewJitter(inner, 0, time.Minute)
	for n := 0; n < 8; n++ {
		if j.Delay(n) != inner.Delay(n) {
			t.Errorf("Delay(%d) = %v, want %v", n, j.Delay(n), inner.Delay(n))
		}
	}
}

func TestDefaultStrategy(t *testing.T) {
	s := backoff.DefaultStrategy()
	if d := s.Delay(0); d < time.Second {
		t.Errorf("default Delay(0) = %v, want >= 1s", d)
	}
}
