// Package spectral turns hardware-gathered samples into a trace on a uniform
// delay grid and computes the amplitude spectrum of a trace.
package spectral

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"

	"github.com/banshee-data/thz.scan/internal/device"
	"github.com/banshee-data/thz.scan/internal/units"
)

// ChannelGain converts a gathered ADC reading to a fraction of the lock-in's
// full scale (10 V output per unit sensitivity).
const ChannelGain = 0.1

// delayTolerance is the spacing (ps) below which two decoded delays are
// treated as the same point.
const delayTolerance = 1e-9

var (
	// ErrNonMonotonic means the decoded delays change direction. The capture
	// is treated as a data fault rather than interpolated.
	ErrNonMonotonic = errors.New("gathered delays are not monotonic")
	// ErrTooFewSamples means fewer than two distinct delays were captured.
	ErrTooFewSamples = errors.New("too few gathered samples to interpolate")
)

// Decode holds what is needed to convert raw capture records.
type Decode struct {
	ZeroOffset  float64 // mm
	Passes      float64
	Reverse     bool
	Sensitivity float64 // mV full scale
}

// Trace is a delay series with both lock-in channels.
type Trace struct {
	Delay []float64 // ps
	X     []float64 // mV
	Y     []float64 // mV
}

// Len returns the number of points.
func (t Trace) Len() int { return len(t.Delay) }

// Point is one spectrum bin.
type Point struct {
	Frequency float64 `json:"frequency"` // THz
	Amplitude float64 `json:"amplitude"`
}

// DecodeGathering converts positions to delays and ADC readings to mV, in
// capture order.
func DecodeGathering(raw []device.RawSample, d Decode) Trace {
	t := Trace{
		Delay: make([]float64, len(raw)),
		X:     make([]float64, len(raw)),
		Y:     make([]float64, len(raw)),
	}
	for i, s := range raw {
		t.Delay[i] = units.PositionToDelay(s.Position, d.ZeroOffset, d.Passes, d.Reverse)
		t.X[i] = s.ChannelA * d.Sensitivity * ChannelGain
		t.Y[i] = s.ChannelB * d.Sensitivity * ChannelGain
	}
	return t
}

// Normalise returns the trace in strictly ascending delay order. A descending
// capture is reversed and runs of equal delays are averaged into one point.
// A trace that changes direction is rejected with ErrNonMonotonic.
func Normalise(t Trace) (Trace, error) {
	n := t.Len()
	if len(t.X) != n || len(t.Y) != n {
		return Trace{}, fmt.Errorf("trace columns differ in length: %d, %d, %d", n, len(t.X), len(t.Y))
	}

	dir := 0
	for i := 1; i < n; i++ {
		d := t.Delay[i] - t.Delay[i-1]
		if math.Abs(d) <= delayTolerance {
			continue
		}
		step := 1
		if d < 0 {
			step = -1
		}
		if dir == 0 {
			dir = step
		} else if step != dir {
			return Trace{}, fmt.Errorf("%w: direction changes at sample %d (%.6g ps after %.6g ps)",
				ErrNonMonotonic, i, t.Delay[i], t.Delay[i-1])
		}
	}

	order := make([]int, n)
	for i := range order {
		if dir < 0 {
			order[i] = n - 1 - i
		} else {
			order[i] = i
		}
	}

	out := Trace{}
	for i := 0; i < n; {
		j := i
		var sumD, sumX, sumY float64
		for j < n && math.Abs(t.Delay[order[j]]-t.Delay[order[i]]) <= delayTolerance {
			k := order[j]
			sumD += t.Delay[k]
			sumX += t.X[k]
			sumY += t.Y[k]
			j++
		}
		c := float64(j - i)
		out.Delay = append(out.Delay, sumD/c)
		out.X = append(out.X, sumX/c)
		out.Y = append(out.Y, sumY/c)
		i = j
	}
	return out, nil
}

// Interpolate evaluates the piecewise-linear curve through (xs, ys) at each
// grid point. xs must be strictly ascending; outside its range the end values
// are held.
func Interpolate(xs, ys, grid []float64) ([]float64, error) {
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("interpolate: %d abscissae for %d values", len(xs), len(ys))
	}
	if len(xs) < 2 {
		return nil, ErrTooFewSamples
	}
	for i := 1; i < len(xs); i++ {
		if !(xs[i] > xs[i-1]) {
			return nil, fmt.Errorf("%w: abscissa %d not above its predecessor", ErrNonMonotonic, i)
		}
	}

	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		return nil, err
	}
	out := make([]float64, len(grid))
	for i, g := range grid {
		out[i] = pl.Predict(g)
	}
	return out, nil
}

// Resample decodes a gathered buffer and interpolates both channels onto grid.
func Resample(raw []device.RawSample, d Decode, grid []float64) (Trace, error) {
	if len(raw) == 0 {
		return Trace{}, ErrTooFewSamples
	}
	norm, err := Normalise(DecodeGathering(raw, d))
	if err != nil {
		return Trace{}, err
	}
	x, err := Interpolate(norm.Delay, norm.X, grid)
	if err != nil {
		return Trace{}, err
	}
	y, err := Interpolate(norm.Delay, norm.Y, grid)
	if err != nil {
		return Trace{}, err
	}
	return Trace{Delay: append([]float64(nil), grid...), X: x, Y: y}, nil
}

// Spectrum computes the full discrete Fourier transform of xs sampled at the
// uniform delays (ps). Bin k has frequency k/(NΔ) THz and amplitude
// (2/N)|X_k|. Fewer than two points give no spectrum.
func Spectrum(delays, xs []float64) []Point {
	n := len(xs)
	if n < 2 || len(delays) != n {
		return nil
	}
	spacing := (delays[n-1] - delays[0]) / float64(n-1)
	if spacing == 0 || math.IsNaN(spacing) {
		return nil
	}
	spacing = math.Abs(spacing)

	seq := make([]complex128, n)
	for i, v := range xs {
		seq[i] = complex(v, 0)
	}
	coeff := fourier.NewCmplxFFT(n).Coefficients(nil, seq)

	out := make([]Point, n)
	for k, c := range coeff {
		out[k] = Point{
			Frequency: float64(k) / (float64(n) * spacing),
			Amplitude: 2 / float64(n) * cmplx.Abs(c),
		}
	}
	return out
}

// Summary describes a trace and its spectrum for listings.
type Summary struct {
	PeakToPeak    float64 // mV, X channel
	PeakDelay     float64 // ps at max |X|
	PeakFrequency float64 // THz at the largest non-DC bin below Nyquist
}

// Summarise computes a Summary; zero values for empty inputs.
func Summarise(t Trace, spectrum []Point) Summary {
	var s Summary
	if t.Len() > 0 && len(t.X) == t.Len() {
		s.PeakToPeak = floats.Max(t.X) - floats.Min(t.X)
		abs := make([]float64, len(t.X))
		for i, v := range t.X {
			abs[i] = math.Abs(v)
		}
		s.PeakDelay = t.Delay[floats.MaxIdx(abs)]
	}
	if half := len(spectrum) / 2; half > 1 {
		amps := make([]float64, half-1)
		for i := range amps {
			amps[i] = spectrum[i+1].Amplitude
		}
		s.PeakFrequency = spectrum[floats.MaxIdx(amps)+1].Frequency
	}
	return s
}
