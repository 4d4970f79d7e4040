package xps

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/thz.scan/internal/device"
)

// Simulator is an in-process controller for dev mode and tests. Moves are
// instantaneous; an armed capture is filled by the next move.
type Simulator struct {
	mu sync.Mutex

	// Max is returned by MaxProfile.
	Max device.Profile
	// Signal gives the analog inputs at a stage position. Nil reads zero.
	Signal func(position float64) (a, b float64)
	// Fail makes the named operation return the status instead of running.
	Fail map[string]device.Status
	// BeforeCall, if set, runs before every operation with its name.
	BeforeCall func(op string)

	positions map[string]float64
	lastMoved string
	profile   map[string]device.Profile
	calls     []string

	armed      bool
	armStage   string
	armPoints  int
	capture    []device.RawSample
	saved      []device.RawSample
	haveBuffer bool
}

// Operation names reported by Calls and matched by Fail.
const (
	OpMoveAbsolute        = "MoveAbsolute"
	OpMaxProfile          = "MaxProfile"
	OpSetMotionProfile    = "SetMotionProfile"
	OpArmGatheringCapture = "ArmGatheringCapture"
	OpStopAndFlush        = "StopAndFlushCapture"
	OpFetchCaptureBuffer  = "FetchCaptureBuffer"
	OpReadVolts           = "ReadVolts"
)

// NewSimulator returns a simulator with a typical linear stage maximum
// profile.
func NewSimulator() *Simulator {
	return &Simulator{
		Max:       device.Profile{Velocity: 20, Acceleration: 80}.WithDefaultJerk(),
		positions: make(map[string]float64),
		profile:   make(map[string]device.Profile),
	}
}

func (s *Simulator) begin(op string) device.Status {
	if s.BeforeCall != nil {
		s.BeforeCall(op)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, op)
	if st, ok := s.Fail[op]; ok {
		return st
	}
	return device.Success()
}

// Calls returns the operations issued so far, in order.
func (s *Simulator) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Position returns the stage's current position.
func (s *Simulator) Position(stage string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[stage]
}

// Profile returns the last profile applied to the stage.
func (s *Simulator) Profile(stage string) device.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile[stage]
}

func (s *Simulator) MoveAbsolute(_ context.Context, stage string, position float64) device.Status {
	if st := s.begin(OpMoveAbsolute); !st.OK() {
		return st
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.positions[stage]
	s.positions[stage] = position
	s.lastMoved = stage
	if s.armed && stage == s.armStage {
		s.capture = s.sweep(from, position, s.armPoints)
		s.armed = false
	}
	return device.Success()
}

// sweep samples n evenly spaced positions between from and to.
func (s *Simulator) sweep(from, to float64, n int) []device.RawSample {
	out := make([]device.RawSample, 0, n)
	for i := 0; i < n; i++ {
		p := from
		if n > 1 {
			p = from + (to-from)*float64(i)/float64(n-1)
		}
		var a, b float64
		if s.Signal != nil {
			a, b = s.Signal(p)
		}
		out = append(out, device.RawSample{Position: p, ChannelA: a, ChannelB: b})
	}
	return out
}

func (s *Simulator) MaxProfile(_ context.Context, stage string) (device.Profile, device.Status) {
	if st := s.begin(OpMaxProfile); !st.OK() {
		return device.Profile{}, st
	}
	return s.Max, device.Success()
}

func (s *Simulator) SetMotionProfile(_ context.Context, stage string, velocity, acceleration float64) device.Status {
	if st := s.begin(OpSetMotionProfile); !st.OK() {
		return st
	}
	if velocity <= 0 || velocity > s.Max.Velocity || math.IsNaN(velocity) {
		return device.Status{Code: -17, Message: "PositionerSGammaParametersSet"}
	}
	s.mu.Lock()
	s.profile[stage] = device.Profile{Velocity: velocity, Acceleration: acceleration}.WithDefaultJerk()
	s.mu.Unlock()
	return device.Success()
}

func (s *Simulator) ArmGatheringCapture(_ context.Context, stage string, points, divisor int) device.Status {
	if st := s.begin(OpArmGatheringCapture); !st.OK() {
		return st
	}
	if points < 1 || divisor < 1 {
		return device.Status{Code: -17, Message: "EventExtendedConfigurationActionSet"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
	s.armStage = stage
	s.armPoints = points
	s.capture = nil
	s.haveBuffer = false
	return device.Success()
}

func (s *Simulator) StopAndFlushCapture(_ context.Context, stage string) device.Status {
	if st := s.begin(OpStopAndFlush); !st.OK() {
		return st
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = false
	s.saved = s.capture
	s.haveBuffer = true
	return device.Success()
}

func (s *Simulator) FetchCaptureBuffer(context.Context) ([]device.RawSample, device.Status) {
	if st := s.begin(OpFetchCaptureBuffer); !st.OK() {
		return nil, st
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveBuffer {
		return nil, device.Status{Code: device.CodeCaptureDownload, Message: "no saved gathering file"}
	}
	return append([]device.RawSample(nil), s.saved...), device.Success()
}

// ReadVolts returns Signal at the last moved stage's position: channel 0 is
// the first value, channel 1 the second, and the other inputs read zero.
func (s *Simulator) ReadVolts(_ context.Context, channel int) (float64, error) {
	if st := s.begin(OpReadVolts); !st.OK() {
		return 0, fmt.Errorf("read analog input %d: %s", channel, st)
	}
	if channel < 0 || channel >= AnalogInputs {
		return 0, fmt.Errorf("no analog input %d on the controller", channel)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Signal == nil || channel > 1 {
		return 0, nil
	}
	a, b := s.Signal(s.positions[s.lastMoved])
	if channel == 0 {
		return a, nil
	}
	return b, nil
}

// TranslateErrorCode uses the built-in table.
func (s *Simulator) TranslateErrorCode(_ context.Context, code int) string {
	return FallbackErrorString(code)
}
