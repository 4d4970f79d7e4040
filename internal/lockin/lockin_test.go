package lockin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/thz.scan/internal/device"
	"github.com/banshee-data/thz.scan/internal/serialmux"
)

type fakeLink struct {
	replies map[string]string
	errs    map[string]error
	queries []string
}

func (f *fakeLink) Query(_ context.Context, command string) (string, error) {
	f.queries = append(f.queries, command)
	if err := f.errs[command]; err != nil {
		return "", err
	}
	reply, ok := f.replies[command]
	if !ok {
		return "", fmt.Errorf("unexpected command %q", command)
	}
	return reply, nil
}

func TestSerial_RefreshAndRead(t *testing.T) {
	link := &fakeLink{replies: map[string]string{
		"TC.": "0.01\r",
		"X":   "5000",
		"Y":   "-2500",
	}}
	s := NewSerial(link, SerialOptions{Sensitivity: 500})

	assert.Zero(t, s.SettleTime())
	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, 10*time.Millisecond, s.SettleTime())

	r, err := s.ReadChannels(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 250.0, r.X, 1e-12)
	assert.InDelta(t, -125.0, r.Y, 1e-12)
	assert.Nil(t, r.SigMon)
	assert.Equal(t, []string{"TC.", "X", "Y"}, link.queries)
}

func TestSerial_SigMon(t *testing.T) {
	link := &fakeLink{replies: map[string]string{"X": "0", "Y": "0", "ADC1.": "1.25"}}
	s := NewSerial(link, SerialOptions{Sensitivity: 1, SigMon: true})

	r, err := s.ReadChannels(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r.SigMon)
	assert.Equal(t, 1.25, *r.SigMon)
}

func TestSerial_Errors(t *testing.T) {
	tests := []struct {
		name   string
		link   *fakeLink
		call   func(s *Serial) error
		wantOp string
	}{
		{
			name:   "time constant malformed",
			link:   &fakeLink{replies: map[string]string{"TC.": "fast"}},
			call:   func(s *Serial) error { return s.Refresh(context.Background()) },
			wantOp: "read time constant",
		},
		{
			name:   "time constant zero",
			link:   &fakeLink{replies: map[string]string{"TC.": "0"}},
			call:   func(s *Serial) error { return s.Refresh(context.Background()) },
			wantOp: "read time constant",
		},
		{
			name: "Y link failure",
			link: &fakeLink{
				replies: map[string]string{"X": "1"},
				errs:    map[string]error{"Y": serialmux.ErrNoReply},
			},
			call: func(s *Serial) error {
				_, err := s.ReadChannels(context.Background())
				return err
			},
			wantOp: "read Y",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call(NewSerial(tt.link, SerialOptions{Sensitivity: 1}))
			var acqErr *device.AcquisitionError
			require.ErrorAs(t, err, &acqErr)
			assert.Equal(t, tt.wantOp, acqErr.Op)
		})
	}
}

func TestSerial_OverSerialMux(t *testing.T) {
	mux := serialmux.NewMockSerialMux(func(cmd string) string {
		switch cmd {
		case "TC.":
			return "3.0E-01"
		case "X":
			return "10000"
		case "Y":
			return "-10000"
		}
		return ""
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mux.Monitor(ctx)
	}()
	defer func() {
		cancel()
		mux.Close()
		<-done
	}()

	s := NewSerial(mux, SerialOptions{Sensitivity: 20})
	require.NoError(t, s.Refresh(ctx))
	assert.Equal(t, 300*time.Millisecond, s.SettleTime())

	r, err := s.ReadChannels(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20.0, r.X)
	assert.Equal(t, -20.0, r.Y)
}

type fakeDAQ struct {
	volts map[int]float64
	err   error
}

func (f *fakeDAQ) ReadVolts(_ context.Context, channel int) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.volts[channel], nil
}

func TestAnalog(t *testing.T) {
	sig := 2
	daq := &fakeDAQ{volts: map[int]float64{0: 1.0, 1: -5.0, 2: 0.5}}
	a, err := NewAnalog(daq, AnalogOptions{
		XChannel: 0, YChannel: 1, SigMon: &sig,
		Sensitivity: 500, TimeConstant: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, a.SettleTime())

	r, err := a.ReadChannels(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 50.0, r.X, 1e-12)
	assert.InDelta(t, -250.0, r.Y, 1e-12)
	require.NotNil(t, r.SigMon)
	assert.Equal(t, 0.5, *r.SigMon)

	daq.err = errors.New("board 0 not found")
	_, err = a.ReadChannels(context.Background())
	var acqErr *device.AcquisitionError
	require.ErrorAs(t, err, &acqErr)
	assert.Equal(t, "analog lock-in", acqErr.Source)
}

func TestNewAnalog_Invalid(t *testing.T) {
	daq := &fakeDAQ{}
	_, err := NewAnalog(daq, AnalogOptions{XChannel: 0, YChannel: 1})
	assert.Error(t, err, "zero time constant")

	_, err = NewAnalog(daq, AnalogOptions{XChannel: 1, YChannel: 1, TimeConstant: time.Second})
	assert.Error(t, err, "shared channel")

	_, err = NewAnalog(nil, AnalogOptions{XChannel: 0, YChannel: 1, TimeConstant: time.Second})
	assert.Error(t, err, "nil reader")
}

func TestScaleVolts(t *testing.T) {
	assert.Equal(t, 500.0, ScaleVolts(10, 500))
	assert.Equal(t, -50.0, ScaleVolts(-1, 500))
}

func TestPulse(t *testing.T) {
	p := Pulse{Centre: 5, Width: 0.5, Amplitude: 100}
	assert.InDelta(t, 100.0, p.At(4.5), 1e-9)
	assert.InDelta(t, -100.0, p.At(5.5), 1e-9)
	assert.Zero(t, p.At(5))
	assert.Less(t, math.Abs(p.At(20)), 1e-6)
	assert.Zero(t, Pulse{}.At(1))
}

func TestSimulated(t *testing.T) {
	delay := 4.75
	s := &Simulated{Pulse: DefaultPulse, TimeConstant: time.Millisecond, Delay: func() float64 { return delay }}

	r, err := s.ReadChannels(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 100.0, r.X, 1e-9)
	assert.InDelta(t, 10.0, r.Y, 1e-9)
	assert.Equal(t, time.Millisecond, s.SettleTime())
}
