package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/thz.scan/internal/device"
	"github.com/banshee-data/thz.scan/internal/monitoring"
	"github.com/banshee-data/thz.scan/internal/timeutil"
)

var logf = monitoring.Component("scan")

// Snapshot is a copy of the engine's live state.
type Snapshot struct {
	State     State      `json:"state"`
	ScanID    string     `json:"scan_id,omitempty"`
	Mode      Mode       `json:"mode,omitempty"`
	Progress  float64    `json:"progress"`
	Samples   int        `json:"samples"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Estimated string     `json:"estimated_duration,omitempty"`
	Outcome   *Outcome   `json:"outcome,omitempty"`
}

// Engine runs one scan at a time against an injected stage connection and
// acquisition source. The connection is borrowed for the duration of a scan
// and never closed, so consecutive scans reuse it.
type Engine struct {
	clock timeutil.Clock

	mu      sync.Mutex
	conn    MotionAndTrigger
	source  AcquisitionSource
	aux     []Auxiliary
	running bool
	state   Snapshot

	stop atomic.Bool
}

// NewEngine creates an engine. A nil clock uses the real clock.
func NewEngine(clock timeutil.Clock) *Engine {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Engine{clock: clock, state: Snapshot{State: StateIdle}}
}

// SetConnection injects an established stage controller handle. It takes
// effect from the next scan.
func (e *Engine) SetConnection(conn MotionAndTrigger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conn = conn
}

// SetSource injects the acquisition source used by the next scan.
func (e *Engine) SetSource(source AcquisitionSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.source = source
}

// AddAuxiliary registers an instrument prepared before every scan.
func (e *Engine) AddAuxiliary(a Auxiliary) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aux = append(e.aux, a)
}

// ClearAuxiliaries removes all registered auxiliaries.
func (e *Engine) ClearAuxiliaries() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aux = nil
}

// Stop requests cooperative cancellation of the running scan. The engine
// notices it at the next check point: the top of a step or continuous-read
// iteration, or a phase boundary of a gathering scan. A device command
// already in flight, including a gathering sweep, always runs to completion.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.stop.Store(true)
		logf("stop requested")
	}
}

// Running reports whether a scan is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// State returns a copy of the live state.
func (e *Engine) State() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state
	if s.Outcome != nil {
		o := *s.Outcome
		s.Outcome = &o
	}
	return s
}

func (e *Engine) setState(st State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.State = st
}

// Run executes one scan and blocks until it ends. Cancelling ctx has the
// same effect as Stop. Hardware faults never panic or return early: they are
// reported as a Failed outcome in the Result, and the observer receives
// exactly one Outcome.
func (e *Engine) Run(ctx context.Context, cfg Configuration, obs Observer) Result {
	if obs == nil {
		obs = ObserverFuncs{}
	}
	r, err := e.begin(ctx, cfg, obs)
	if err != nil {
		now := e.clock.Now()
		res := Result{
			ID:         uuid.NewString(),
			Config:     cfg.WithDefaults(),
			Outcome:    Outcome{Kind: Failed, Reason: err.Error()},
			StartedAt:  now,
			FinishedAt: now,
			Err:        err,
		}
		obs.Outcome(res.Outcome)
		return res
	}
	return e.complete(r)
}

// Start validates cfg and runs the scan on a new goroutine. It returns the
// scan ID and a channel that receives the Result once. A busy engine or an
// invalid configuration is returned as an error, nothing is started and the
// observer is not called.
func (e *Engine) Start(ctx context.Context, cfg Configuration, obs Observer) (string, <-chan Result, error) {
	if obs == nil {
		obs = ObserverFuncs{}
	}
	r, err := e.begin(ctx, cfg, obs)
	if err != nil {
		return "", nil, err
	}
	done := make(chan Result, 1)
	go func() { done <- e.complete(r) }()
	return r.res.ID, done, nil
}

// begin claims the engine for one scan. No device command has been issued
// when it returns.
func (e *Engine) begin(ctx context.Context, cfg Configuration, obs Observer) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil, ErrScanInProgress
	}
	conn, source := e.conn, e.source
	p, err := e.plan(cfg, conn, source)
	if err != nil {
		logf("invalid configuration: %v", err)
		return nil, err
	}

	res := &Result{ID: uuid.NewString(), Config: p.cfg, StartedAt: e.clock.Now()}
	e.running = true
	e.stop.Store(false)
	started := res.StartedAt
	e.state = Snapshot{State: StateIdle, ScanID: res.ID, Mode: p.cfg.Mode, StartedAt: &started}
	if est := EstimateDuration(p.cfg, p.settle); est > 0 {
		e.state.Estimated = est.String()
		logf("estimated end time %s (%s)", started.Add(est).Format(time.TimeOnly), est)
	}

	return &run{
		engine: e,
		ctx:    ctx,
		devCtx: context.WithoutCancel(ctx),
		plan:   p,
		conn:   conn,
		source: source,
		aux:    append([]Auxiliary(nil), e.aux...),
		obs:    obs,
		res:    res,
	}, nil
}

// complete executes a claimed scan and releases the engine.
func (e *Engine) complete(r *run) Result {
	res := r.res
	logf("starting %s scan %s", r.plan.cfg.Mode, res.ID)
	r.execute()

	res.FinishedAt = e.clock.Now()
	e.mu.Lock()
	e.running = false
	out := res.Outcome
	e.state.Outcome = &out
	e.state.State = outcomeState(out.Kind)
	e.mu.Unlock()

	logf("scan %s %s with %d samples", res.ID, res.Outcome, len(res.Samples))
	r.obs.Outcome(res.Outcome)
	return *res
}

func outcomeState(k OutcomeKind) State {
	switch k {
	case Completed:
		return StateCompleted
	case Aborted:
		return StateAborted
	}
	return StateFailed
}

// run carries the state of one scan attempt.
type run struct {
	engine *Engine
	ctx    context.Context
	// devCtx is never cancelled: a stop request must not cut a device
	// command short.
	devCtx context.Context
	plan   plan
	conn   MotionAndTrigger
	source AcquisitionSource
	aux    []Auxiliary
	obs    Observer
	res    *Result

	progress float64
}

func (r *run) cancelled() bool {
	return r.engine.stop.Load() || r.ctx.Err() != nil
}

func (r *run) abort(where string) {
	logf("aborted %s", where)
	r.res.Outcome = Outcome{Kind: Aborted}
	r.res.Err = ErrAborted
}

func (r *run) fail(err error) {
	r.res.Outcome = Outcome{Kind: Failed, Reason: err.Error()}
	r.res.Err = err
}

// check folds a device status into the run. It returns false, with the scan
// marked Failed, on any nonzero code.
func (r *run) check(op string, st device.Status) bool {
	if st.OK() {
		return true
	}
	msg := r.conn.TranslateErrorCode(r.devCtx, st.Code)
	logf("%s failed: %s (code %d)", op, msg, st.Code)
	r.fail(&DeviceCommandError{Op: op, Code: st.Code, Message: msg})
	return false
}

func (r *run) emit(s Sample) {
	s.Index = len(r.res.Samples)
	r.res.Samples = append(r.res.Samples, s)
	r.engine.mu.Lock()
	r.engine.state.Samples = len(r.res.Samples)
	r.engine.mu.Unlock()
	r.obs.Sample(s)
}

// report sends progress, never letting it go backwards within a scan.
func (r *run) report(percent float64) {
	if percent < r.progress {
		return
	}
	r.progress = percent
	r.engine.mu.Lock()
	r.engine.state.Progress = percent
	r.engine.mu.Unlock()
	r.obs.Progress(percent)
}

func (r *run) settle() {
	r.engine.clock.Sleep(2 * r.plan.settle)
}

func (r *run) prepareAuxiliaries() bool {
	for _, a := range r.aux {
		if a.Prepare == nil {
			continue
		}
		err := a.Prepare(r.devCtx)
		if err == nil {
			logf("%s ready", a.Name)
			continue
		}
		if a.Required {
			logf("required auxiliary %s failed: %v", a.Name, err)
			r.fail(fmt.Errorf("auxiliary %s: %w", a.Name, err))
			return false
		}
		logf("optional auxiliary %s failed, continuing without it: %v", a.Name, err)
		r.res.Warnings = append(r.res.Warnings, fmt.Sprintf("%s: %v", a.Name, err))
	}
	return true
}

func (r *run) execute() {
	if !r.prepareAuxiliaries() {
		return
	}
	switch r.plan.cfg.Mode {
	case GotoDelay:
		r.gotoDelay()
	case StepScan:
		r.stepScan()
	case Gathering:
		r.gathering()
	case ContinuousRead:
		r.continuousRead()
	default:
		r.fail(errors.New("unreachable mode"))
	}
}
