package lockin

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/thz.scan/internal/device"
)

// ChannelReader samples one analog input in volts. DAQ drivers implement it.
type ChannelReader interface {
	ReadVolts(ctx context.Context, channel int) (float64, error)
}

// AnalogOptions configures an Analog source.
type AnalogOptions struct {
	XChannel     int
	YChannel     int
	SigMon       *int          // optional signal monitor channel
	Sensitivity  float64       // mV full scale
	TimeConstant time.Duration // set on the lock-in front panel
}

// Analog reads a lock-in's X/Y analog outputs through a DAQ. The time
// constant cannot be queried, so it is fixed at construction.
type Analog struct {
	reader ChannelReader
	opts   AnalogOptions
}

// NewAnalog validates the options and returns the source.
func NewAnalog(reader ChannelReader, opts AnalogOptions) (*Analog, error) {
	if reader == nil {
		return nil, fmt.Errorf("analog lock-in: nil channel reader")
	}
	if opts.TimeConstant <= 0 {
		return nil, fmt.Errorf("analog lock-in: time constant must be positive, got %s", opts.TimeConstant)
	}
	if opts.XChannel == opts.YChannel {
		return nil, fmt.Errorf("analog lock-in: X and Y share channel %d", opts.XChannel)
	}
	return &Analog{reader: reader, opts: opts}, nil
}

// SettleTime returns the configured time constant.
func (a *Analog) SettleTime() time.Duration { return a.opts.TimeConstant }

func (a *Analog) read(ctx context.Context, op string, channel int) (float64, error) {
	v, err := a.reader.ReadVolts(ctx, channel)
	if err != nil {
		return 0, &device.AcquisitionError{
			Source: "analog lock-in",
			Op:     fmt.Sprintf("%s (channel %d)", op, channel),
			Err:    err,
		}
	}
	return v, nil
}

// ReadChannels samples X and Y and converts them to mV of signal.
func (a *Analog) ReadChannels(ctx context.Context) (device.Reading, error) {
	x, err := a.read(ctx, "read X", a.opts.XChannel)
	if err != nil {
		return device.Reading{}, err
	}
	y, err := a.read(ctx, "read Y", a.opts.YChannel)
	if err != nil {
		return device.Reading{}, err
	}

	r := device.Reading{
		X: ScaleVolts(x, a.opts.Sensitivity),
		Y: ScaleVolts(y, a.opts.Sensitivity),
	}
	if a.opts.SigMon != nil {
		v, err := a.read(ctx, "read signal monitor", *a.opts.SigMon)
		if err != nil {
			return device.Reading{}, err
		}
		r.SigMon = &v
	}
	return r, nil
}
