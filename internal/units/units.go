// Package units provides the delay/position conversions and unit labels
// shared by the scan engine, the stage adapter and the exporters.
package units

// Unit labels used in the second header row of exported traces.
const (
	Picoseconds = "ps"
	Millivolts  = "mV"
	Terahertz   = "THz"
	Amplitude   = "amp"
	Volts       = "V"
	Millimetres = "mm"
)

// ExportUnits returns the unit row matching the exported column order
// Delay, X, Y, FFT Freq, FFT, SigMon.
func ExportUnits() []string {
	return []string{Picoseconds, Millivolts, Millivolts, Terahertz, Amplitude, Volts}
}
