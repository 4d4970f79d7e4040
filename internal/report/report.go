// Package report draws a finished scan: a PNG figure for the data directory
// and an interactive HTML page for the API.
package report

import (
	"fmt"
	"math"

	"github.com/banshee-data/thz.scan/internal/scan"
	"github.com/banshee-data/thz.scan/internal/spectral"
)

// axisLabel names the sample axis: continuous reads are timed, everything
// else is in delay.
func axisLabel(mode scan.Mode) string {
	if mode == scan.ContinuousRead {
		return "Time (s)"
	}
	return "Delay (ps)"
}

// oneSided returns the bins from DC up to Nyquist.
func oneSided(spectrum []scan.SpectrumPoint) []scan.SpectrumPoint {
	if len(spectrum) < 2 {
		return spectrum
	}
	return spectrum[:len(spectrum)/2+1]
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func title(res scan.Result) string {
	return fmt.Sprintf("%s scan %s", res.Config.Mode, res.ID)
}

func subtitle(res scan.Result) string {
	sum := spectral.Summarise(res.Trace(), res.Spectrum)
	s := fmt.Sprintf("%s, %d samples, peak-to-peak %.4g mV", res.Outcome, len(res.Samples), sum.PeakToPeak)
	if sum.PeakFrequency > 0 {
		s += fmt.Sprintf(", spectral peak %.3g THz", sum.PeakFrequency)
	}
	return s
}
