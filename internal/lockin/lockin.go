// Package lockin adapts phase-sensitive detectors to the scan engine's
// acquisition port. Every backend reports its settle time (the detector's
// time constant) and one pair of channels scaled to millivolts.
package lockin

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/thz.scan/internal/monitoring"
)

var logf = monitoring.Component("lockin")

// FullScaleVolts is the analog output swing that corresponds to the lock-in's
// configured sensitivity.
const FullScaleVolts = 10.0

// ScaleVolts converts a lock-in analog output voltage to millivolts of signal
// for the given sensitivity (mV full scale).
func ScaleVolts(volts, sensitivity float64) float64 {
	return sensitivity * volts / FullScaleVolts
}

func secondsToDuration(s float64) (time.Duration, error) {
	if math.IsNaN(s) || math.IsInf(s, 0) || s <= 0 {
		return 0, fmt.Errorf("invalid time constant %v s", s)
	}
	return time.Duration(s*float64(time.Second) + 0.5), nil
}
