package xps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/thz.scan/internal/device"
)

// Caller issues one controller API call. *Client implements it.
type Caller interface {
	Call(ctx context.Context, function string, args ...string) (Reply, error)
}

// Stage adapts a controller connection to the scan engine's motion and
// trigger port. It does not own the connection.
type Stage struct {
	client  Caller
	fetcher Fetcher
	// LocalGathering is where the downloaded buffer is stored.
	LocalGathering string
}

// NewStage wraps a connection and the buffer fetcher. localGathering defaults
// to Gathering.dat in the system temp directory.
func NewStage(client Caller, fetcher Fetcher, localGathering string) *Stage {
	if localGathering == "" {
		localGathering = filepath.Join(os.TempDir(), "Gathering.dat")
	}
	return &Stage{client: client, fetcher: fetcher, LocalGathering: localGathering}
}

func (s *Stage) call(ctx context.Context, function string, args ...string) (Reply, device.Status) {
	if s.client == nil {
		return Reply{}, device.Status{Code: device.CodeNotConnected, Message: "no controller connection"}
	}
	reply, err := s.client.Call(ctx, function, args...)
	if err != nil {
		st := linkStatus(err)
		logf("%s: link failure: %s", function, st)
		return Reply{}, st
	}
	if reply.Code != 0 {
		return reply, device.Status{Code: reply.Code, Message: function}
	}
	return reply, device.Success()
}

// MoveAbsolute moves the stage and blocks until the motion ends.
func (s *Stage) MoveAbsolute(ctx context.Context, stage string, position float64) device.Status {
	_, st := s.call(ctx, "GroupMoveAbsolute", stage, formatFloat(position))
	return st
}

// MaxProfile reads the stage's maximum velocity and acceleration.
func (s *Stage) MaxProfile(ctx context.Context, stage string) (device.Profile, device.Status) {
	reply, st := s.call(ctx, "PositionerMaximumVelocityAndAccelerationGet", stage, "double *", "double *")
	if !st.OK() {
		return device.Profile{}, st
	}
	if len(reply.Values) < 2 {
		return device.Profile{}, device.Status{Code: device.CodeMalformedReply, Message: "expected velocity and acceleration"}
	}
	vel, err1 := strconv.ParseFloat(reply.Values[0], 64)
	acc, err2 := strconv.ParseFloat(reply.Values[1], 64)
	if err := errors.Join(err1, err2); err != nil {
		return device.Profile{}, device.LinkFailure(device.CodeMalformedReply, err)
	}
	return device.Profile{Velocity: vel, Acceleration: acc}.WithDefaultJerk(), st
}

// SetMotionProfile applies an S-gamma profile with the default jerk times.
func (s *Stage) SetMotionProfile(ctx context.Context, stage string, velocity, acceleration float64) device.Status {
	p := device.Profile{Velocity: velocity, Acceleration: acceleration}.WithDefaultJerk()
	_, st := s.call(ctx, "PositionerSGammaParametersSet", stage,
		formatFloat(p.Velocity), formatFloat(p.Acceleration),
		formatFloat(p.MinJerkTime), formatFloat(p.MaxJerkTime))
	return st
}

// ArmGatheringCapture resets the buffer, selects the position and both
// analog inputs, and arms a GatheringRun of points samples every divisor
// servo ticks on the stage's next motion start. The first failing call ends
// the sequence.
func (s *Stage) ArmGatheringCapture(ctx context.Context, stage string, points, divisor int) device.Status {
	steps := []struct {
		function string
		args     []string
	}{
		{"GatheringReset", nil},
		{"GatheringConfigurationSet", []string{stage + ".CurrentPosition", "GPIO4.ADC1", "GPIO4.ADC2"}},
		{"EventExtendedConfigurationTriggerSet", []string{stage + ".SGamma.MotionStart", "0", "0", "0", "0"}},
		{"EventExtendedConfigurationActionSet", []string{"GatheringRun", strconv.Itoa(points), strconv.Itoa(divisor), "0", "0"}},
		{"EventExtendedStart", []string{"int *"}},
	}
	for _, step := range steps {
		if _, st := s.call(ctx, step.function, step.args...); !st.OK() {
			return st
		}
	}
	return device.Success()
}

// StopAndFlushCapture ends the capture and saves the buffer on the
// controller.
func (s *Stage) StopAndFlushCapture(ctx context.Context, stage string) device.Status {
	_, st := s.call(ctx, "GatheringStopAndSave")
	return st
}

// FetchCaptureBuffer deletes any stale local copy, downloads the saved buffer
// and parses it.
func (s *Stage) FetchCaptureBuffer(ctx context.Context) ([]device.RawSample, device.Status) {
	if s.fetcher == nil {
		return nil, device.Status{Code: device.CodeCaptureDownload, Message: "no gathering fetcher configured"}
	}
	if err := os.Remove(s.LocalGathering); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, device.LinkFailure(device.CodeCaptureDownload, fmt.Errorf("remove stale gathering file: %w", err))
	}
	if err := s.fetcher.Fetch(ctx, GatheringRemotePath, s.LocalGathering); err != nil {
		return nil, device.LinkFailure(device.CodeCaptureDownload, err)
	}

	f, err := os.Open(s.LocalGathering)
	if err != nil {
		return nil, device.LinkFailure(device.CodeCaptureDownload, err)
	}
	defer f.Close()

	samples, err := ParseGathering(f, GatheringHeaderLines)
	if err != nil {
		return nil, device.LinkFailure(device.CodeCaptureDownload, err)
	}
	logf("fetched %d gathered samples", len(samples))
	return samples, device.Success()
}

// AnalogInputs is the number of GPIO4 analog inputs. Channel 0 is ADC1, the
// input a gathering records as channel A.
const AnalogInputs = 4

func analogInput(channel int) string {
	return "GPIO4.ADC" + strconv.Itoa(channel+1)
}

// ReadVolts samples one of the controller's analog inputs, so a lock-in whose
// X/Y outputs are cabled for gathering can also serve a step scan.
func (s *Stage) ReadVolts(ctx context.Context, channel int) (float64, error) {
	if channel < 0 || channel >= AnalogInputs {
		return 0, fmt.Errorf("no analog input %d on the controller", channel)
	}
	input := analogInput(channel)
	reply, st := s.call(ctx, "GPIOAnalogGet", input, "double *")
	if !st.OK() {
		return 0, fmt.Errorf("read %s: %s (%s)", input, st, s.TranslateErrorCode(ctx, st.Code))
	}
	if len(reply.Values) == 0 {
		return 0, fmt.Errorf("read %s: %w", input, ErrMalformedReply)
	}
	v, err := strconv.ParseFloat(reply.Values[0], 64)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w: %q", input, ErrMalformedReply, reply.Values[0])
	}
	return v, nil
}

// TranslateErrorCode asks the controller for the description of code and
// falls back to the built-in table when it cannot.
func (s *Stage) TranslateErrorCode(ctx context.Context, code int) string {
	if code == 0 {
		return NoError
	}
	if code <= device.CodeNotConnected || code == device.CodeTimeout || code == device.CodeConnectionLost {
		return FallbackErrorString(code)
	}
	reply, st := s.call(ctx, "ErrorStringGet", strconv.Itoa(code), "char *")
	if !st.OK() || len(reply.Values) == 0 {
		return FallbackErrorString(code)
	}
	return strings.Join(reply.Values, ",")
}
