package scan

import (
	"context"
	"time"

	"github.com/banshee-data/thz.scan/internal/device"
	"github.com/banshee-data/thz.scan/internal/units"
)

// MotionAndTrigger is the stage controller as the engine sees it. Every
// call returns a status; the engine stops the current sequence at the first
// nonzero code.
type MotionAndTrigger interface {
	MoveAbsolute(ctx context.Context, stage string, position float64) device.Status
	MaxProfile(ctx context.Context, stage string) (device.Profile, device.Status)
	SetMotionProfile(ctx context.Context, stage string, velocity, acceleration float64) device.Status
	ArmGatheringCapture(ctx context.Context, stage string, points, divisor int) device.Status
	StopAndFlushCapture(ctx context.Context, stage string) device.Status
	FetchCaptureBuffer(ctx context.Context) ([]device.RawSample, device.Status)
	TranslateErrorCode(ctx context.Context, code int) string
}

// AcquisitionSource is a detector with a settle time and two scaled
// channels. The engine waits two settle times after every stage move.
type AcquisitionSource interface {
	ReadChannels(ctx context.Context) (device.Reading, error)
	SettleTime() time.Duration
}

// Auxiliary is an instrument configured once before positioning and never
// read back during the scan. A failing required auxiliary fails the scan;
// an optional one is logged and the scan continues without it.
type Auxiliary struct {
	Name     string
	Required bool
	Prepare  func(ctx context.Context) error
}

// SecondaryStage holds a second delay line at a fixed delay for the whole
// scan.
func SecondaryStage(conn MotionAndTrigger, stage string, delay, zeroOffset, passes float64, reverse bool) Auxiliary {
	return Auxiliary{
		Name:     "secondary stage " + stage,
		Required: true,
		Prepare: func(ctx context.Context) error {
			pos := units.DelayToPosition(delay, zeroOffset, passes, reverse)
			if st := conn.MoveAbsolute(ctx, stage, pos); !st.OK() {
				return &DeviceCommandError{
					Op:      "move " + stage,
					Code:    st.Code,
					Message: conn.TranslateErrorCode(ctx, st.Code),
				}
			}
			return nil
		},
	}
}
