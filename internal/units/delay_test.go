package units

import (
	"errors"
	"math"
	"testing"
)

func TestDelayToPosition(t *testing.T) {
	tests := []struct {
		name       string
		delay      float64
		zeroOffset float64
		passes     float64
		reverse    bool
		expected   float64
	}{
		{"zero delay sits at offset", 0, 12.5, 2, false, 12.5},
		{"double pass halves travel", 10, 0, 2, false, 1.5},
		{"single pass", 10, 0, 1, false, 3.0},
		{"reverse flips travel", 10, 100, 2, true, 98.5},
		{"negative delay", -4, 1, 4, false, 0.7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DelayToPosition(tt.delay, tt.zeroOffset, tt.passes, tt.reverse)
			if math.Abs(got-tt.expected) > 1e-12 {
				t.Errorf("DelayToPosition(%g, %g, %g, %v) = %g, want %g",
					tt.delay, tt.zeroOffset, tt.passes, tt.reverse, got, tt.expected)
			}
		})
	}
}

func TestPositionDelayRoundTrip(t *testing.T) {
	delays := []float64{-250, -1.234, 0, 1e-6, 0.01, 3.3333, 42, 1234.5}
	offsets := []float64{-50, 0, 17.25}
	passes := []float64{0.5, 1, 2, 3, 4}

	for _, reverse := range []bool{false, true} {
		for _, off := range offsets {
			for _, p := range passes {
				for _, d := range delays {
					pos := DelayToPosition(d, off, p, reverse)
					back := PositionToDelay(pos, off, p, reverse)
					if math.Abs(back-d) > 1e-9 {
						t.Errorf("round trip d=%g off=%g passes=%g reverse=%v: got %g", d, off, p, reverse, back)
					}
				}
			}
		}
	}
}

func TestDelayToPositionMonotonic(t *testing.T) {
	for _, reverse := range []bool{false, true} {
		prev := DelayToPosition(-10, 5, 2, reverse)
		for d := -9.99; d <= 10; d += 0.01 {
			cur := DelayToPosition(d, 5, 2, reverse)
			if !reverse && !(cur > prev) {
				t.Fatalf("forward conversion not increasing at %g: %g <= %g", d, cur, prev)
			}
			if reverse && !(cur < prev) {
				t.Fatalf("reverse conversion not decreasing at %g: %g >= %g", d, cur, prev)
			}
			prev = cur
		}
	}
}

func TestStepDistance(t *testing.T) {
	if got := StepDistance(0.01, 2); math.Abs(got-0.0015) > 1e-15 {
		t.Errorf("StepDistance(0.01, 2) = %g, want 0.0015", got)
	}
	if got := StepDistance(-0.01, 2); math.Abs(got-0.0015) > 1e-15 {
		t.Errorf("StepDistance(-0.01, 2) = %g, want 0.0015", got)
	}
}

func TestRequiredSweepVelocity(t *testing.T) {
	// 15 THz -> 1/30 ps sampling period; tc*mult = 0.4 s -> 1/12 ps/s.
	// Double pass: 1/12 * 0.3 / 2 = 0.0125 mm/s.
	got, err := RequiredSweepVelocity(15, 0.1, 4, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(got-0.0125) > 1e-12 {
		t.Errorf("RequiredSweepVelocity(15, 0.1, 4, 2) = %g, want 0.0125", got)
	}
}

func TestRequiredSweepVelocityInvalid(t *testing.T) {
	tests := []struct {
		name                 string
		bw, tc, mult, passes float64
	}{
		{"zero bandwidth", 0, 0.1, 4, 2},
		{"negative bandwidth", -1, 0.1, 4, 2},
		{"NaN bandwidth", math.NaN(), 0.1, 4, 2},
		{"zero time constant", 15, 0, 4, 2},
		{"zero multiplier", 15, 0.1, 0, 2},
		{"zero passes", 15, 0.1, 4, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RequiredSweepVelocity(tt.bw, tt.tc, tt.mult, tt.passes)
			if !errors.Is(err, ErrInvalidConfiguration) {
				t.Errorf("expected ErrInvalidConfiguration, got %v", err)
			}
		})
	}
}
