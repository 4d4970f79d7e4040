package scan

import (
	"fmt"

	"github.com/banshee-data/thz.scan/internal/spectral"
)

func (r *run) gotoDelay() {
	r.engine.setState(StatePositioning)
	cfg := r.plan.cfg
	pos := r.plan.position(cfg.GotoDelay)
	logf("moving %s to %.4f ps (%.6f mm)", cfg.Stage, cfg.GotoDelay, pos)
	if !r.check("move to delay", r.conn.MoveAbsolute(r.devCtx, cfg.Stage, pos)) {
		return
	}
	r.report(100)
	r.res.Outcome = Outcome{Kind: Completed}
}

// fastProfile restores the stage's maximum velocity before positioning; a
// previous gathering sweep may have left it crawling.
func (r *run) fastProfile() bool {
	stage := r.plan.cfg.Stage
	limits, st := r.conn.MaxProfile(r.devCtx, stage)
	if !r.check("read maximum profile", st) {
		return false
	}
	return r.check("set maximum profile", r.conn.SetMotionProfile(r.devCtx, stage, limits.Velocity, limits.Acceleration))
}

func (r *run) stepScan() {
	cfg := r.plan.cfg
	r.engine.setState(StatePositioning)
	if !r.fastProfile() {
		return
	}
	if !r.check("move to start", r.conn.MoveAbsolute(r.devCtx, cfg.Stage, r.plan.position(cfg.DelayStart))) {
		return
	}

	r.engine.setState(StateAcquiring)
	n := len(r.plan.axis)
	aborted := false
	for i, delay := range r.plan.axis {
		if r.cancelled() {
			r.abort(fmt.Sprintf("after %d of %d points", i, n))
			aborted = true
			break
		}
		if !r.check(fmt.Sprintf("move to %.4f ps", delay), r.conn.MoveAbsolute(r.devCtx, cfg.Stage, r.plan.position(delay))) {
			return
		}
		r.settle()
		reading, err := r.source.ReadChannels(r.devCtx)
		if err != nil {
			logf("acquisition failed at %.4f ps: %v", delay, err)
			r.fail(err)
			return
		}
		r.emit(Sample{Delay: delay, X: reading.X, Y: reading.Y, SigMon: reading.SigMon})
		r.report(float64(i+1) / float64(n) * 100)
	}

	// A stopped step scan still gets the spectrum of what it measured.
	r.engine.setState(StatePostProcessing)
	t := r.res.Trace()
	r.res.Spectrum = spectral.Spectrum(t.Delay, t.X)
	if !aborted {
		r.res.Outcome = Outcome{Kind: Completed}
	}
}

func (r *run) gathering() {
	cfg := r.plan.cfg
	stage := cfg.Stage

	// arm
	if r.cancelled() {
		r.abort("before arming")
		return
	}
	r.engine.setState(StatePositioning)
	limits, st := r.conn.MaxProfile(r.devCtx, stage)
	if !r.check("read maximum profile", st) {
		return
	}
	if !r.check("set maximum profile", r.conn.SetMotionProfile(r.devCtx, stage, limits.Velocity, limits.Acceleration)) {
		return
	}
	if !r.check("move to start", r.conn.MoveAbsolute(r.devCtx, stage, r.plan.position(cfg.DelayStart))) {
		return
	}
	logf("sweep velocity %.6g mm/s, %d points every %d ticks", r.plan.velocity, r.plan.points, r.plan.divisor)
	if !r.check("set sweep profile", r.conn.SetMotionProfile(r.devCtx, stage, r.plan.velocity, limits.Acceleration)) {
		return
	}
	if !r.check("arm gathering", r.conn.ArmGatheringCapture(r.devCtx, stage, r.plan.points, r.plan.divisor)) {
		return
	}
	r.report(5)

	// run: the move fires the trigger and is the constant-velocity sweep
	if r.cancelled() {
		r.abort("after arming, before the sweep")
		return
	}
	r.engine.setState(StateAcquiring)
	if !r.check("sweep to stop", r.conn.MoveAbsolute(r.devCtx, stage, r.plan.position(cfg.DelayStop))) {
		return
	}
	r.report(90)

	// fetch
	if r.cancelled() {
		r.abort("after the sweep, before saving the buffer")
		return
	}
	if !r.check("stop and save gathering", r.conn.StopAndFlushCapture(r.devCtx, stage)) {
		return
	}
	raw, st := r.conn.FetchCaptureBuffer(r.devCtx)
	if !r.check("fetch gathering buffer", st) {
		return
	}
	r.report(95)

	// read
	if r.cancelled() {
		r.abort("before resampling")
		return
	}
	r.engine.setState(StatePostProcessing)
	trace, err := spectral.Resample(raw, spectral.Decode{
		ZeroOffset:  cfg.ZeroOffset,
		Passes:      cfg.Passes,
		Reverse:     cfg.Reverse,
		Sensitivity: cfg.Sensitivity,
	}, r.plan.grid)
	if err != nil {
		logf("resampling %d gathered samples failed: %v", len(raw), err)
		r.fail(fmt.Errorf("resample gathering buffer: %w", err))
		return
	}
	for i := range trace.Delay {
		r.emit(Sample{Delay: trace.Delay[i], X: trace.X[i], Y: trace.Y[i]})
	}
	r.res.Spectrum = spectral.Spectrum(trace.Delay, trace.X)
	r.report(100)
	r.res.Outcome = Outcome{Kind: Completed}
}

func (r *run) continuousRead() {
	r.engine.setState(StateAcquiring)
	period := 2 * r.plan.settle
	for counter := 0; ; counter++ {
		if r.cancelled() {
			r.abort(fmt.Sprintf("after %d readings", counter))
			return
		}
		reading, err := r.source.ReadChannels(r.devCtx)
		if err != nil {
			logf("acquisition failed after %d readings: %v", counter, err)
			r.fail(err)
			return
		}
		elapsed := float64(counter) * period.Seconds()
		r.emit(Sample{Delay: elapsed, X: reading.X, Y: reading.Y, SigMon: reading.SigMon})
		r.settle()
	}
}
