package scan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/thz.scan/internal/device"
	"github.com/banshee-data/thz.scan/internal/timeutil"
	"github.com/banshee-data/thz.scan/internal/units"
	"github.com/banshee-data/thz.scan/internal/xps"
)

const testStage = "Group1.Pos"

// fakeSource returns readings from read, keyed by call number.
type fakeSource struct {
	settle time.Duration
	read   func(call int) (device.Reading, error)
	calls  int
}

func (f *fakeSource) SettleTime() time.Duration { return f.settle }

func (f *fakeSource) ReadChannels(context.Context) (device.Reading, error) {
	call := f.calls
	f.calls++
	if f.read == nil {
		return device.Reading{X: float64(call), Y: -float64(call)}, nil
	}
	return f.read(call)
}

// recorder collects observer notifications.
type recorder struct {
	samples  []Sample
	progress []float64
	outcomes []Outcome
}

func (r *recorder) Sample(s Sample)    { r.samples = append(r.samples, s) }
func (r *recorder) Progress(p float64) { r.progress = append(r.progress, p) }
func (r *recorder) Outcome(o Outcome)  { r.outcomes = append(r.outcomes, o) }
func (r *recorder) delays() []float64 {
	out := make([]float64, len(r.samples))
	for i, s := range r.samples {
		out[i] = s.Delay
	}
	return out
}

func newTestEngine(source AcquisitionSource) (*Engine, *xps.Simulator, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	sim := xps.NewSimulator()
	e := NewEngine(clock)
	e.SetConnection(sim)
	if source != nil {
		e.SetSource(source)
	}
	return e, sim, clock
}

func stepConfig() Configuration {
	return Configuration{
		Mode: StepScan, Stage: testStage,
		DelayStart: 0, DelayStep: 0.01, DelayStop: 0.03,
		ZeroOffset: 50, Passes: 2,
	}
}

func gatherConfig() Configuration {
	return Configuration{
		Mode: Gathering, Stage: testStage,
		DelayStart: 0, DelayStep: 0.1, DelayStop: 2,
		ZeroOffset: 10, Passes: 2,
		TargetBandwidth:    1,
		SettleTimeConstant: 100 * time.Millisecond,
		Sensitivity:        500,
	}
}

func TestEngine_StepScanScenario(t *testing.T) {
	e, sim, clock := newTestEngine(&fakeSource{settle: 10 * time.Millisecond})
	rec := &recorder{}

	res := e.Run(context.Background(), stepConfig(), rec)

	require.Equal(t, Outcome{Kind: Completed}, res.Outcome, "err: %v", res.Err)
	assert.InDeltaSlice(t, []float64{0, 0.01, 0.02}, rec.delays(), 1e-12)
	assert.Equal(t, []time.Duration{20 * time.Millisecond, 20 * time.Millisecond, 20 * time.Millisecond}, clock.Sleeps())
	assert.InDeltaSlice(t, []float64{33.3, 66.7, 100.0}, rec.progress, 0.05)
	assert.Equal(t, []Outcome{{Kind: Completed}}, rec.outcomes)
	assert.Len(t, res.Samples, 3)
	assert.Len(t, res.Spectrum, 3)
	assert.Equal(t, 2, res.Samples[2].Index)

	wantCalls := []string{
		xps.OpMaxProfile, xps.OpSetMotionProfile, xps.OpMoveAbsolute,
		xps.OpMoveAbsolute, xps.OpMoveAbsolute, xps.OpMoveAbsolute,
	}
	if diff := cmp.Diff(wantCalls, sim.Calls()); diff != "" {
		t.Errorf("controller calls (-want +got):\n%s", diff)
	}
	assert.InDelta(t, units.DelayToPosition(0.02, 50, 2, false), sim.Position(testStage), 1e-12)

	st := e.State()
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, 3, st.Samples)
	assert.Equal(t, 100.0, st.Progress)
	assert.Equal(t, res.ID, st.ScanID)
	assert.False(t, e.Running())
}

func TestEngine_StepScanStopsAfterCurrentSample(t *testing.T) {
	e, sim, clock := newTestEngine(&fakeSource{settle: 10 * time.Millisecond})
	clock.OnSleep = func(time.Duration) {
		if len(clock.Sleeps()) == 2 {
			e.Stop()
		}
	}
	rec := &recorder{}

	res := e.Run(context.Background(), stepConfig(), rec)

	assert.Equal(t, Aborted, res.Outcome.Kind)
	assert.ErrorIs(t, res.Err, ErrAborted)
	assert.Len(t, rec.samples, 2, "the sample in progress is kept")
	assert.Len(t, res.Spectrum, 2)
	assert.Equal(t, []Outcome{{Kind: Aborted}}, rec.outcomes)
	// start move plus two point moves; nothing after the stop was seen
	assert.Equal(t, 3, countCalls(sim.Calls(), xps.OpMoveAbsolute))
}

func TestEngine_StepScanAcquisitionFailureKeepsSamples(t *testing.T) {
	src := &fakeSource{settle: time.Millisecond, read: func(call int) (device.Reading, error) {
		if call == 1 {
			return device.Reading{}, &device.AcquisitionError{Source: "fake", Op: "read X", Err: errors.New("no reply")}
		}
		return device.Reading{X: 1}, nil
	}}
	e, _, _ := newTestEngine(src)

	res := e.Run(context.Background(), stepConfig(), nil)

	assert.Equal(t, Failed, res.Outcome.Kind)
	var acqErr *AcquisitionError
	assert.ErrorAs(t, res.Err, &acqErr)
	assert.Len(t, res.Samples, 1)
	assert.Equal(t, StateFailed, e.State().State)
}

func TestEngine_StepScanMoveFailure(t *testing.T) {
	e, sim, _ := newTestEngine(&fakeSource{settle: time.Millisecond})
	sim.Fail = map[string]device.Status{xps.OpMoveAbsolute: {Code: -25}}

	res := e.Run(context.Background(), stepConfig(), nil)

	require.Equal(t, Failed, res.Outcome.Kind)
	assert.Contains(t, res.Outcome.Reason, "Following error")
	var devErr *DeviceCommandError
	require.ErrorAs(t, res.Err, &devErr)
	assert.Equal(t, -25, devErr.Code)
	assert.Equal(t, "move to start", devErr.Op)
	assert.Empty(t, res.Samples)
	assert.Equal(t, xps.OpMoveAbsolute, sim.Calls()[len(sim.Calls())-1])
}

func TestEngine_GotoDelay(t *testing.T) {
	e, sim, _ := newTestEngine(nil)
	cfg := Configuration{Mode: GotoDelay, Stage: testStage, GotoDelay: 12.5, ZeroOffset: 40, Passes: 2, Reverse: true}
	rec := &recorder{}

	res := e.Run(context.Background(), cfg, rec)

	assert.Equal(t, Completed, res.Outcome.Kind)
	assert.Equal(t, []string{xps.OpMoveAbsolute}, sim.Calls())
	assert.InDelta(t, units.DelayToPosition(12.5, 40, 2, true), sim.Position(testStage), 1e-12)
	assert.Empty(t, rec.samples)
	assert.Empty(t, res.Spectrum)

	sim.Fail = map[string]device.Status{xps.OpMoveAbsolute: {Code: -17}}
	res = e.Run(context.Background(), cfg, nil)
	assert.Equal(t, Failed, res.Outcome.Kind)
	assert.Contains(t, res.Outcome.Reason, "Parameter out of range")
}

func TestEngine_Gathering(t *testing.T) {
	e, sim, _ := newTestEngine(nil)
	// ADC1 proportional to travel from the zero offset, so the resampled X
	// is linear in delay and interpolation is exact.
	sim.Signal = func(p float64) (float64, float64) { return p - 10, 0.5 }
	rec := &recorder{}

	res := e.Run(context.Background(), gatherConfig(), rec)

	require.Equal(t, Completed, res.Outcome.Kind, "err: %v", res.Err)
	wantCalls := []string{
		xps.OpMaxProfile, xps.OpSetMotionProfile, xps.OpMoveAbsolute, xps.OpSetMotionProfile,
		xps.OpArmGatheringCapture, xps.OpMoveAbsolute, xps.OpStopAndFlush, xps.OpFetchCaptureBuffer,
	}
	if diff := cmp.Diff(wantCalls, sim.Calls()); diff != "" {
		t.Errorf("controller calls (-want +got):\n%s", diff)
	}

	// 1 THz, 0.1 s, x4, double pass: 0.1875 mm/s
	assert.InDelta(t, 0.1875, sim.Profile(testStage).Velocity, 1e-12)
	assert.Equal(t, []float64{5, 90, 95, 100}, rec.progress)

	require.Len(t, res.Samples, 21)
	for i, s := range res.Samples {
		d := float64(i) * 0.1
		assert.InDelta(t, d, s.Delay, 1e-9)
		// x = (0.15·d mm) · 500 mV · 0.1
		assert.InDelta(t, 7.5*d, s.X, 1e-6)
		assert.InDelta(t, 25.0, s.Y, 1e-9)
	}
	assert.Len(t, res.Spectrum, 21)
}

func TestEngine_GatheringArmFailureShortCircuits(t *testing.T) {
	e, sim, _ := newTestEngine(nil)
	sim.Fail = map[string]device.Status{xps.OpArmGatheringCapture: {Code: -8}}
	rec := &recorder{}

	res := e.Run(context.Background(), gatherConfig(), rec)

	assert.Equal(t, Failed, res.Outcome.Kind)
	calls := sim.Calls()
	assert.Equal(t, xps.OpArmGatheringCapture, calls[len(calls)-1])
	assert.Zero(t, countCalls(calls, xps.OpStopAndFlush))
	assert.Zero(t, countCalls(calls, xps.OpFetchCaptureBuffer))
	assert.Empty(t, rec.progress)
}

func TestEngine_GatheringStopDuringSweep(t *testing.T) {
	e, sim, _ := newTestEngine(nil)
	moves := 0
	sim.BeforeCall = func(op string) {
		if op == xps.OpMoveAbsolute {
			moves++
			if moves == 2 {
				e.Stop() // arrives while the sweep is in flight
			}
		}
	}
	rec := &recorder{}

	res := e.Run(context.Background(), gatherConfig(), rec)

	assert.Equal(t, Aborted, res.Outcome.Kind)
	calls := sim.Calls()
	assert.Equal(t, xps.OpMoveAbsolute, calls[len(calls)-1], "no command after the stop was observed")
	assert.Equal(t, []float64{5, 90}, rec.progress)
	assert.Empty(t, res.Samples)
}

func TestEngine_GatheringCancelledBeforeArm(t *testing.T) {
	e, sim, _ := newTestEngine(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.Run(ctx, gatherConfig(), nil)

	assert.Equal(t, Aborted, res.Outcome.Kind)
	assert.Empty(t, sim.Calls())
}

func TestEngine_GatheringNonMonotonicBufferFails(t *testing.T) {
	e, sim, _ := newTestEngine(nil)
	e.SetConnection(&wobbleConn{Simulator: sim})

	res := e.Run(context.Background(), gatherConfig(), nil)

	assert.Equal(t, Failed, res.Outcome.Kind)
	assert.Contains(t, res.Outcome.Reason, "not monotonic")
}

// wobbleConn returns a capture buffer whose positions change direction.
type wobbleConn struct {
	*xps.Simulator
}

func (w *wobbleConn) FetchCaptureBuffer(ctx context.Context) ([]device.RawSample, device.Status) {
	raw, st := w.Simulator.FetchCaptureBuffer(ctx)
	if st.OK() && len(raw) > 3 {
		raw[2].Position, raw[3].Position = raw[3].Position, raw[2].Position
	}
	return raw, st
}

func TestEngine_ContinuousRead(t *testing.T) {
	e, sim, clock := newTestEngine(&fakeSource{settle: 100 * time.Millisecond})
	clock.OnSleep = func(time.Duration) {
		if len(clock.Sleeps()) == 3 {
			e.Stop()
		}
	}
	rec := &recorder{}

	res := e.Run(context.Background(), Configuration{Mode: ContinuousRead}, rec)

	assert.Equal(t, Aborted, res.Outcome.Kind)
	assert.InDeltaSlice(t, []float64{0, 0.2, 0.4}, rec.delays(), 1e-12)
	assert.Empty(t, sim.Calls())
	assert.Empty(t, res.Spectrum)
}

func TestEngine_InvalidConfigurationIssuesNoCommands(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Configuration
		source AcquisitionSource
	}{
		{"zero step", func() Configuration { c := stepConfig(); c.DelayStep = 0; return c }(), &fakeSource{settle: time.Millisecond}},
		{"no source", stepConfig(), nil},
		{"zero bandwidth", func() Configuration { c := gatherConfig(); c.TargetBandwidth = 0; return c }(), nil},
		{"no time constant", func() Configuration { c := gatherConfig(); c.SettleTimeConstant = 0; return c }(), nil},
		{"divisor below one", func() Configuration { c := gatherConfig(); c.TargetBandwidth = 1e-6; return c }(), nil},
		{"continuous without settle", Configuration{Mode: ContinuousRead}, &fakeSource{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, sim, _ := newTestEngine(tt.source)
			rec := &recorder{}

			res := e.Run(context.Background(), tt.cfg, rec)

			assert.ErrorIs(t, res.Err, ErrInvalidConfiguration)
			assert.Equal(t, Failed, res.Outcome.Kind)
			assert.Empty(t, sim.Calls())
			assert.Len(t, rec.outcomes, 1)
		})
	}
}

func TestEngine_GatheringUsesSourceTimeConstant(t *testing.T) {
	e, sim, _ := newTestEngine(&fakeSource{settle: 100 * time.Millisecond})
	cfg := gatherConfig()
	cfg.SettleTimeConstant = 0

	res := e.Run(context.Background(), cfg, nil)

	require.Equal(t, Completed, res.Outcome.Kind, "err: %v", res.Err)
	assert.InDelta(t, 0.1875, sim.Profile(testStage).Velocity, 1e-12)
}

func TestEngine_SecondRunWhileBusy(t *testing.T) {
	e, sim, clock := newTestEngine(&fakeSource{settle: time.Millisecond})
	started := make(chan struct{})
	release := make(chan struct{})
	clock.OnSleep = func(time.Duration) {
		if len(clock.Sleeps()) == 1 {
			close(started)
			<-release
		}
	}

	done := make(chan Result)
	go func() { done <- e.Run(context.Background(), Configuration{Mode: ContinuousRead}, nil) }()
	<-started

	before := len(sim.Calls())
	busy := e.Run(context.Background(), stepConfig(), nil)
	assert.ErrorIs(t, busy.Err, ErrScanInProgress)
	assert.Equal(t, before, len(sim.Calls()))
	assert.True(t, e.Running())

	e.Stop()
	close(release)
	first := <-done
	assert.Equal(t, Aborted, first.Outcome.Kind)
}

func TestEngine_ReusesConnectionAcrossScans(t *testing.T) {
	e, sim, _ := newTestEngine(&fakeSource{settle: time.Millisecond})

	for i := 0; i < 2; i++ {
		res := e.Run(context.Background(), stepConfig(), nil)
		require.Equal(t, Completed, res.Outcome.Kind)
	}
	assert.Len(t, sim.Calls(), 12)
}

func TestEngine_Auxiliaries(t *testing.T) {
	t.Run("required failure fails before positioning", func(t *testing.T) {
		e, sim, _ := newTestEngine(&fakeSource{settle: time.Millisecond})
		e.AddAuxiliary(Auxiliary{Name: "filter wheel", Required: true, Prepare: func(context.Context) error {
			return errors.New("not responding")
		}})

		res := e.Run(context.Background(), stepConfig(), nil)
		assert.Equal(t, Failed, res.Outcome.Kind)
		assert.Contains(t, res.Outcome.Reason, "filter wheel")
		assert.Empty(t, sim.Calls())
	})

	t.Run("optional failure degrades", func(t *testing.T) {
		e, _, _ := newTestEngine(&fakeSource{settle: time.Millisecond})
		e.AddAuxiliary(Auxiliary{Name: "bias supply", Prepare: func(context.Context) error {
			return errors.New("timeout")
		}})

		res := e.Run(context.Background(), stepConfig(), nil)
		assert.Equal(t, Completed, res.Outcome.Kind)
		assert.Equal(t, []string{"bias supply: timeout"}, res.Warnings)
	})

	t.Run("secondary stage", func(t *testing.T) {
		e, sim, _ := newTestEngine(&fakeSource{settle: time.Millisecond})
		e.AddAuxiliary(SecondaryStage(sim, "Group2.Pos", 3, 20, 2, false))

		res := e.Run(context.Background(), stepConfig(), nil)
		require.Equal(t, Completed, res.Outcome.Kind)
		assert.InDelta(t, units.DelayToPosition(3, 20, 2, false), sim.Position("Group2.Pos"), 1e-12)

		e.ClearAuxiliaries()
		sim.Fail = map[string]device.Status{xps.OpMoveAbsolute: {Code: -18}}
		e.AddAuxiliary(SecondaryStage(sim, "Group2.Pos", 3, 20, 2, false))
		res = e.Run(context.Background(), stepConfig(), nil)
		assert.Equal(t, Failed, res.Outcome.Kind)
		var devErr *DeviceCommandError
		assert.ErrorAs(t, res.Err, &devErr)
	})
}

func TestHub(t *testing.T) {
	e, _, _ := newTestEngine(&fakeSource{settle: time.Millisecond})
	hub := NewHub()
	id, events := hub.Subscribe()

	e.Run(context.Background(), stepConfig(), hub)
	hub.Unsubscribe(id)

	var counts = map[EventType]int{}
	var last Event
	for ev := range events {
		counts[ev.Type]++
		last = ev
	}
	assert.Equal(t, map[EventType]int{EventSample: 3, EventProgress: 3, EventOutcome: 1}, counts)
	require.NotNil(t, last.Outcome)
	assert.Equal(t, Completed, last.Outcome.Kind)
}

func TestObservers(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	var seen []float64
	obs := Observers{a, b, ObserverFuncs{OnProgress: func(p float64) { seen = append(seen, p) }}}

	obs.Sample(Sample{Delay: 1})
	obs.Progress(50)
	obs.Outcome(Outcome{Kind: Completed})

	assert.Len(t, a.samples, 1)
	assert.Len(t, b.outcomes, 1)
	assert.Equal(t, []float64{50}, seen)
}

func countCalls(calls []string, op string) int {
	n := 0
	for _, c := range calls {
		if c == op {
			n++
		}
	}
	return n
}

func TestEngine_Start(t *testing.T) {
	e, _, _ := newTestEngine(&fakeSource{settle: time.Millisecond})
	rec := &recorder{}

	_, _, err := e.Start(context.Background(), Configuration{Mode: StepScan}, rec)
	require.ErrorIs(t, err, ErrInvalidConfiguration)
	assert.Empty(t, rec.outcomes, "rejected start is not reported to the observer")

	id, done, err := e.Start(context.Background(), stepConfig(), rec)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	res := <-done
	assert.Equal(t, id, res.ID)
	assert.Equal(t, Completed, res.Outcome.Kind)
	assert.Len(t, rec.samples, 3)
	assert.Equal(t, []Outcome{{Kind: Completed}}, rec.outcomes)
}

func TestEngine_StartWhileBusy(t *testing.T) {
	e, _, clock := newTestEngine(&fakeSource{settle: time.Millisecond})
	started := make(chan struct{})
	release := make(chan struct{})
	clock.OnSleep = func(time.Duration) {
		if len(clock.Sleeps()) == 1 {
			close(started)
			<-release
		}
	}

	_, done, err := e.Start(context.Background(), Configuration{Mode: ContinuousRead}, nil)
	require.NoError(t, err)
	<-started

	_, _, err = e.Start(context.Background(), stepConfig(), nil)
	assert.ErrorIs(t, err, ErrScanInProgress)

	e.Stop()
	close(release)
	assert.Equal(t, Aborted, (<-done).Outcome.Kind)
}
