// Package scan runs delay-line scans: it converts the requested delay axis to
// stage positions, drives the stage and detector through one of four modes
// and reports samples, progress and a single terminal outcome.
package scan

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/thz.scan/internal/spectral"
)

// Mode selects the acquisition strategy.
type Mode string

const (
	// StepScan moves, settles and samples at each delay (software paced).
	StepScan Mode = "step_scan"
	// Gathering sweeps the stage at constant velocity while the controller
	// captures position and both analog inputs (hardware paced).
	Gathering Mode = "gathering"
	// GotoDelay moves the stage to one delay and stops.
	GotoDelay Mode = "goto_delay"
	// ContinuousRead samples the detector at a fixed cadence until stopped.
	ContinuousRead Mode = "continuous_read"
)

var modeAliases = map[string]Mode{
	"step_scan": StepScan, "step scan": StepScan, "step": StepScan,
	"gathering": Gathering, "gather": Gathering,
	"goto_delay": GotoDelay, "goto delay": GotoDelay, "goto": GotoDelay,
	"continuous_read": ContinuousRead, "continuous read": ContinuousRead,
	"read_dac": ContinuousRead, "read dac": ContinuousRead,
}

// ParseMode accepts the canonical names and the front-panel labels
// ("Step Scan", "Read DAC", ...), case-insensitively.
func ParseMode(s string) (Mode, error) {
	if m, ok := modeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown scan mode %q", ErrInvalidConfiguration, s)
}

// Valid reports whether m is one of the four modes.
func (m Mode) Valid() bool {
	switch m {
	case StepScan, Gathering, GotoDelay, ContinuousRead:
		return true
	}
	return false
}

// usesStage reports whether the mode commands the delay stage.
func (m Mode) usesStage() bool { return m != ContinuousRead }

// usesSource reports whether the mode reads the detector directly.
func (m Mode) usesSource() bool { return m == StepScan || m == ContinuousRead }

// DefaultSettleMultiplier is the number of time constants a gathering sweep
// allows per Nyquist sample.
const DefaultSettleMultiplier = 4

// Configuration is the immutable input of one scan. Delays are in ps,
// positions in mm.
type Configuration struct {
	Mode  Mode   `json:"mode"`
	Stage string `json:"stage"`

	DelayStart float64 `json:"delay_start"`
	DelayStep  float64 `json:"delay_step"`
	DelayStop  float64 `json:"delay_stop"`
	GotoDelay  float64 `json:"goto_delay"`

	ZeroOffset float64 `json:"zero_offset"`
	Passes     float64 `json:"passes"`
	Reverse    bool    `json:"reverse"`

	TargetBandwidth float64 `json:"target_bandwidth"` // THz, gathering only
	// SettleTimeConstant is the detector time constant used to size a
	// gathering sweep. Zero means ask the acquisition source.
	SettleTimeConstant time.Duration `json:"settle_time_constant"`
	SettleMultiplier   float64       `json:"settle_multiplier"`
	Sensitivity        float64       `json:"sensitivity"` // mV full scale
}

// WithDefaults fills unset optional fields.
func (c Configuration) WithDefaults() Configuration {
	if c.SettleMultiplier == 0 {
		c.SettleMultiplier = DefaultSettleMultiplier
	}
	return c
}

// State is the engine's position in the scan state machine.
type State string

const (
	StateIdle           State = "idle"
	StatePositioning    State = "positioning"
	StateAcquiring      State = "acquiring"
	StatePostProcessing State = "post_processing"
	StateCompleted      State = "completed"
	StateAborted        State = "aborted"
	StateFailed         State = "failed"
)

// Terminal reports whether s is an outcome state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

// OutcomeKind is the terminal classification of a scan.
type OutcomeKind int

const (
	Pending OutcomeKind = iota
	Completed
	Aborted
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	}
	return "pending"
}

func (k OutcomeKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *OutcomeKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "pending":
		*k = Pending
	case "completed":
		*k = Completed
	case "aborted":
		*k = Aborted
	case "failed":
		*k = Failed
	default:
		return fmt.Errorf("unknown outcome %q", s)
	}
	return nil
}

// Outcome is the terminal state of a scan. Reason is set for Failed.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Reason string      `json:"reason,omitempty"`
}

func (o Outcome) String() string {
	if o.Reason == "" {
		return o.Kind.String()
	}
	return o.Kind.String() + ": " + o.Reason
}

// Sample is one emitted acquisition point. Delay is in ps for delay-domain
// modes and elapsed seconds for ContinuousRead.
type Sample struct {
	Index  int      `json:"index"`
	Delay  float64  `json:"delay"`
	X      float64  `json:"x"`
	Y      float64  `json:"y"`
	SigMon *float64 `json:"sig_mon,omitempty"`
}

// SpectrumPoint is one bin of the amplitude spectrum.
type SpectrumPoint = spectral.Point

// Result is everything a finished scan produced.
type Result struct {
	ID         string          `json:"id"`
	Config     Configuration   `json:"config"`
	Samples    []Sample        `json:"samples"`
	Spectrum   []SpectrumPoint `json:"spectrum"`
	Outcome    Outcome         `json:"outcome"`
	Warnings   []string        `json:"warnings,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`

	// Err carries the typed cause of a Failed outcome.
	Err error `json:"-"`
}

// Trace returns the samples as columns.
func (r Result) Trace() spectral.Trace {
	t := spectral.Trace{
		Delay: make([]float64, len(r.Samples)),
		X:     make([]float64, len(r.Samples)),
		Y:     make([]float64, len(r.Samples)),
	}
	for i, s := range r.Samples {
		t.Delay[i] = s.Delay
		t.X[i] = s.X
		t.Y[i] = s.Y
	}
	return t
}
