package scan

import (
	"math"
	"time"

	"github.com/banshee-data/thz.scan/internal/units"
)

// axisEpsilon absorbs floating point error in (stop-start)/step so that,
// for example, 0 to 10 in steps of 0.01 has exactly 1000 points.
const axisEpsilon = 1e-9

func axisSpan(start, step, stop float64) (float64, bool) {
	if step == 0 || math.IsNaN(step) || math.IsInf(step, 0) {
		return 0, false
	}
	span := (stop - start) / step
	if math.IsNaN(span) || math.IsInf(span, 0) || span < 0 {
		return 0, false
	}
	return span, true
}

// StepAxis returns the delays visited by a step scan: start, start+step, ...
// up to but excluding stop. A step whose sign disagrees with stop-start gives
// an empty axis.
func StepAxis(start, step, stop float64) []float64 {
	span, ok := axisSpan(start, step, stop)
	if !ok {
		return nil
	}
	n := int(math.Ceil(span - axisEpsilon))
	if n <= 0 {
		return nil
	}
	axis := make([]float64, n)
	for i := range axis {
		axis[i] = start + float64(i)*step
	}
	return axis
}

// GatherGrid returns the uniform grid a gathering scan is resampled onto,
// including stop when it lies on the grid.
func GatherGrid(start, step, stop float64) []float64 {
	span, ok := axisSpan(start, step, stop)
	if !ok {
		return nil
	}
	n := int(math.Floor(span+axisEpsilon)) + 1
	grid := make([]float64, n)
	for i := range grid {
		grid[i] = start + float64(i)*step
	}
	return grid
}

// GatherPoints is the number of samples the controller is asked to capture:
// one more than the grid so the final grid point is bracketed.
func GatherPoints(start, step, stop float64) int {
	span, ok := axisSpan(start, step, stop)
	if !ok {
		return 0
	}
	return int(math.Floor(span+axisEpsilon)) + 2
}

// ServoTicksPerSecond is the controller's gathering clock.
const ServoTicksPerSecond = 10000

// GatherDivisor converts the time between grid points at the sweep velocity
// into controller clock ticks.
func GatherDivisor(step, passes, velocity float64) int {
	if velocity <= 0 {
		return 0
	}
	period := units.StepDistance(step, passes) / velocity
	return int(math.Floor(period * ServoTicksPerSecond))
}

// EstimateDuration predicts how long a step scan will take with the given
// detector settle time: the number of steps times two time constants. Other
// modes have no useful estimate and return zero.
func EstimateDuration(cfg Configuration, settle time.Duration) time.Duration {
	if cfg.Mode != StepScan || cfg.DelayStep == 0 {
		return 0
	}
	steps := (cfg.DelayStop - cfg.DelayStart) / cfg.DelayStep
	if steps <= 0 || math.IsNaN(steps) || math.IsInf(steps, 0) {
		return 0
	}
	return time.Duration(steps * float64(2*settle))
}
