package lockin

import (
	"context"
	"math"
	"time"

	"github.com/banshee-data/thz.scan/internal/device"
)

// Pulse describes a single-cycle THz transient: the first derivative of a
// Gaussian centred on Centre (ps) with width Width (ps) and peak Amplitude (mV).
type Pulse struct {
	Centre    float64
	Width     float64
	Amplitude float64
}

// DefaultPulse is a 1 ps transient centred at 5 ps.
var DefaultPulse = Pulse{Centre: 5, Width: 0.25, Amplitude: 100}

// At evaluates the pulse at delay t (ps).
func (p Pulse) At(t float64) float64 {
	if p.Width <= 0 {
		return 0
	}
	u := (t - p.Centre) / p.Width
	// -u·exp(-u²/2) peaks at ±exp(-1/2) for u = ∓1.
	return -p.Amplitude * u * math.Exp(0.5-u*u/2)
}

// Simulated is a deterministic detector for dev mode. X follows the pulse at
// the current delay and Y is a fixed fraction of X.
type Simulated struct {
	Pulse        Pulse
	TimeConstant time.Duration
	// Delay reports the delay the stage currently sits at.
	Delay func() float64
}

// SettleTime returns the simulated time constant.
func (s *Simulated) SettleTime() time.Duration { return s.TimeConstant }

// ReadChannels never fails.
func (s *Simulated) ReadChannels(context.Context) (device.Reading, error) {
	var t float64
	if s.Delay != nil {
		t = s.Delay()
	}
	x := s.Pulse.At(t)
	return device.Reading{X: x, Y: 0.1 * x}, nil
}
