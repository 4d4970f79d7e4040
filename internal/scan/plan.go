package scan

import (
	"math"
	"time"

	"github.com/banshee-data/thz.scan/internal/units"
)

// Validate checks the parts of the configuration that do not depend on the
// attached instruments.
func (c Configuration) Validate() error {
	c = c.WithDefaults()
	if !c.Mode.Valid() {
		return invalid("unknown mode %q", c.Mode)
	}
	if c.Mode.usesStage() {
		if c.Stage == "" {
			return invalid("stage name is required")
		}
		if !(c.Passes > 0) || math.IsInf(c.Passes, 0) {
			return invalid("passes must be positive, got %v", c.Passes)
		}
		if math.IsNaN(c.ZeroOffset) || math.IsInf(c.ZeroOffset, 0) {
			return invalid("zero offset must be finite")
		}
	}

	switch c.Mode {
	case GotoDelay:
		if math.IsNaN(c.GotoDelay) || math.IsInf(c.GotoDelay, 0) {
			return invalid("goto delay must be finite")
		}
	case StepScan, Gathering:
		if c.DelayStep == 0 || math.IsNaN(c.DelayStep) {
			return invalid("delay step must be non-zero")
		}
		if c.Mode == StepScan && len(StepAxis(c.DelayStart, c.DelayStep, c.DelayStop)) == 0 {
			return invalid("delay axis from %v to %v (exclusive) in steps of %v is empty", c.DelayStart, c.DelayStop, c.DelayStep)
		}
		// the stage must move for the motion-start trigger to fire
		if c.Mode == Gathering && len(GatherGrid(c.DelayStart, c.DelayStep, c.DelayStop)) < 2 {
			return invalid("gathering range from %v to %v in steps of %v has fewer than two points", c.DelayStart, c.DelayStop, c.DelayStep)
		}
	}

	if c.Mode == Gathering {
		if !(c.TargetBandwidth > 0) {
			return invalid("target bandwidth must be positive, got %v", c.TargetBandwidth)
		}
		if !(c.SettleMultiplier > 0) {
			return invalid("settle multiplier must be positive, got %v", c.SettleMultiplier)
		}
		if !(c.Sensitivity > 0) {
			return invalid("sensitivity must be positive, got %v", c.Sensitivity)
		}
		if c.SettleTimeConstant < 0 {
			return invalid("settle time constant must not be negative")
		}
	}
	return nil
}

// plan is a validated configuration with everything derived up front so
// that no hardware command is issued for a scan that cannot run.
type plan struct {
	cfg    Configuration
	settle time.Duration

	axis []float64 // step scan delays
	grid []float64 // gathering resample grid

	points   int
	divisor  int
	velocity float64 // mm/s
}

func (e *Engine) plan(cfg Configuration, conn MotionAndTrigger, source AcquisitionSource) (plan, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return plan{}, err
	}
	if cfg.Mode.usesStage() && conn == nil {
		return plan{}, invalid("%s needs a stage controller connection", cfg.Mode)
	}
	if cfg.Mode.usesSource() && source == nil {
		return plan{}, invalid("%s needs an acquisition source", cfg.Mode)
	}

	p := plan{cfg: cfg}
	if source != nil {
		p.settle = source.SettleTime()
	}
	if p.settle <= 0 {
		p.settle = cfg.SettleTimeConstant
	}

	switch cfg.Mode {
	case StepScan:
		p.axis = StepAxis(cfg.DelayStart, cfg.DelayStep, cfg.DelayStop)
	case ContinuousRead:
		if p.settle <= 0 {
			return plan{}, invalid("continuous read needs a positive detector time constant")
		}
	case Gathering:
		tc := cfg.SettleTimeConstant
		if tc <= 0 {
			tc = p.settle
		}
		if tc <= 0 {
			return plan{}, invalid("gathering needs a detector time constant")
		}
		p.settle = tc

		v, err := units.RequiredSweepVelocity(cfg.TargetBandwidth, tc.Seconds(), cfg.SettleMultiplier, cfg.Passes)
		if err != nil {
			return plan{}, err
		}
		p.velocity = v
		p.grid = GatherGrid(cfg.DelayStart, cfg.DelayStep, cfg.DelayStop)
		p.points = GatherPoints(cfg.DelayStart, cfg.DelayStep, cfg.DelayStop)
		p.divisor = GatherDivisor(cfg.DelayStep, cfg.Passes, v)
		if p.divisor < 1 {
			return plan{}, invalid("sample period at %.6g mm/s is below one controller tick; widen the delay step or lower the bandwidth", v)
		}
	}
	return p, nil
}

func (p plan) position(delay float64) float64 {
	return units.DelayToPosition(delay, p.cfg.ZeroOffset, p.cfg.Passes, p.cfg.Reverse)
}
