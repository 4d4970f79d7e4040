package units

import (
	"errors"
	"fmt"
	"math"
)

// SpeedOfLight in stage position units per delay unit (mm/ps).
const SpeedOfLight = 0.3

// ErrInvalidConfiguration is returned when conversion inputs cannot describe
// a physical scan (zero bandwidth, non-positive passes, ...).
var ErrInvalidConfiguration = errors.New("invalid configuration")

func direction(reverse bool) float64 {
	if reverse {
		return -1
	}
	return 1
}

// DelayToPosition converts a time delay (ps) into a stage position (mm).
func DelayToPosition(delay, zeroOffset, passes float64, reverse bool) float64 {
	return direction(reverse)*SpeedOfLight*delay/passes + zeroOffset
}

// PositionToDelay is the exact inverse of DelayToPosition.
func PositionToDelay(position, zeroOffset, passes float64, reverse bool) float64 {
	return direction(reverse) * (position - zeroOffset) * passes / SpeedOfLight
}

// StepDistance returns the stage travel (mm) for one delay step, ignoring
// offset and direction.
func StepDistance(step, passes float64) float64 {
	return math.Abs(SpeedOfLight * step / passes)
}

// RequiredSweepVelocity returns the constant stage velocity (mm/s) that keeps
// the delay sampling period within the Nyquist limit of bandwidth (THz) while
// leaving timeConstant*settleMultiplier seconds of detector settling per
// sample.
func RequiredSweepVelocity(bandwidth, timeConstant, settleMultiplier, passes float64) (float64, error) {
	switch {
	case !(bandwidth > 0):
		return 0, fmt.Errorf("%w: bandwidth must be positive, got %g", ErrInvalidConfiguration, bandwidth)
	case !(timeConstant > 0):
		return 0, fmt.Errorf("%w: time constant must be positive, got %g", ErrInvalidConfiguration, timeConstant)
	case !(settleMultiplier > 0):
		return 0, fmt.Errorf("%w: settle multiplier must be positive, got %g", ErrInvalidConfiguration, settleMultiplier)
	case !(passes > 0):
		return 0, fmt.Errorf("%w: passes must be positive, got %g", ErrInvalidConfiguration, passes)
	}

	minSamplingPeriod := 1 / (bandwidth * 2)                              // ps
	maxDelayRate := minSamplingPeriod / (timeConstant * settleMultiplier) // ps/s
	return maxDelayRate * SpeedOfLight / passes, nil
}
