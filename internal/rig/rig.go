// Package rig connects the scan engine to the bench: the delay-line
// controller, the lock-in amplifier and any secondary stage a scan file
// names. Connections are opened on first use and kept across scans.
package rig

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/thz.scan/internal/config"
	"github.com/banshee-data/thz.scan/internal/lockin"
	"github.com/banshee-data/thz.scan/internal/monitoring"
	"github.com/banshee-data/thz.scan/internal/scan"
	"github.com/banshee-data/thz.scan/internal/serialmux"
	"github.com/banshee-data/thz.scan/internal/units"
	"github.com/banshee-data/thz.scan/internal/xps"
)

var logf = monitoring.Component("rig")

// ErrNoChannelReader is returned for the analog source when no DAQ driver
// has been registered with SetChannelReader and the controller has no
// analog inputs.
var ErrNoChannelReader = errors.New("analog source needs a DAQ channel reader")

// SerialOpener opens the lock-in's serial link.
type SerialOpener func(path string, opts serialmux.PortOptions) (serialmux.SerialMuxInterface, error)

func openRealSerial(path string, opts serialmux.PortOptions) (serialmux.SerialMuxInterface, error) {
	return serialmux.NewRealSerialMux(path, opts)
}

// Options configures a Rig.
type Options struct {
	// Dev replaces the controller and the detector with simulators.
	Dev bool
	// Controller, if set, is used instead of dialling the scan file's
	// controller address.
	Controller scan.MotionAndTrigger
	// OpenSerial defaults to opening a real port.
	OpenSerial SerialOpener

	User     string // controller login, default Administrator
	Password string // default Administrator
	// LocalGathering is where downloaded capture buffers are written.
	LocalGathering string
	// Pulse shapes the simulated detector's signal.
	Pulse lockin.Pulse
}

// Rig owns the instrument connections.
type Rig struct {
	opts Options

	mu         sync.Mutex
	controller scan.MotionAndTrigger
	client     *xps.Client
	clientAddr string

	link       serialmux.SerialMuxInterface
	linkPort   string
	linkBaud   int
	stopMon    context.CancelFunc
	monitorErr chan error

	reader  lockin.ChannelReader
	console *serialmux.Switchable
}

// New returns a rig. Nothing is opened until the first Prepare.
func New(opts Options) *Rig {
	if opts.User == "" {
		opts.User = "Administrator"
	}
	if opts.Password == "" {
		opts.Password = "Administrator"
	}
	if opts.OpenSerial == nil {
		opts.OpenSerial = openRealSerial
	}
	if opts.Pulse == (lockin.Pulse{}) {
		opts.Pulse = lockin.DefaultPulse
	}
	r := &Rig{opts: opts, controller: opts.Controller}
	r.console = serialmux.NewSwitchable(r.currentLink)
	if opts.Dev && r.controller == nil {
		r.controller = xps.NewSimulator()
	}
	return r
}

// SetChannelReader registers the DAQ used by the analog source. Without one
// the analog source reads the controller's own analog inputs.
func (r *Rig) SetChannelReader(reader lockin.ChannelReader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reader = reader
}

// Prepare attaches the controller, detector and auxiliaries a scan file
// asks for to the engine. It satisfies api.Preparer.
func (r *Rig) Prepare(ctx context.Context, engine *scan.Engine, file *config.ScanFile) error {
	conn, err := r.Connection(ctx, file)
	if err != nil {
		return err
	}
	engine.SetConnection(conn)

	engine.ClearAuxiliaries()
	if aux, ok := file.SecondaryAuxiliary(conn); ok {
		engine.AddAuxiliary(aux)
	}

	// the source is only consulted by modes that read the detector or,
	// for gathering, for its time constant
	source, err := r.Source(ctx, file)
	if err != nil {
		engine.SetSource(nil)
		if file.GetMode() == scan.Gathering || file.GetMode() == scan.GotoDelay {
			logf("detector unavailable, continuing without it: %v", err)
			return nil
		}
		return err
	}
	engine.SetSource(source)
	return nil
}

// Connection returns the controller for the scan file, dialling it on first
// use or when the address changes.
func (r *Rig) Connection(ctx context.Context, file *config.ScanFile) (scan.MotionAndTrigger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.controller != nil && r.client == nil {
		return r.controller, nil
	}

	addr := file.GetControllerAddr()
	if r.client != nil && r.clientAddr == addr && r.client.Alive() {
		return r.controller, nil
	}
	if r.client != nil {
		if r.clientAddr != addr {
			logf("controller address changed from %s to %s", r.clientAddr, addr)
		} else {
			logf("controller link to %s was lost, redialling", addr)
		}
		r.client.Close()
		r.client, r.controller = nil, nil
	}

	client, err := xps.Dial(ctx, addr, xps.Options{User: r.opts.User, Password: r.opts.Password})
	if err != nil {
		return nil, fmt.Errorf("connect to controller %s: %w", addr, err)
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	fetcher := xps.FTPFetcher{Addr: host, User: r.opts.User, Password: r.opts.Password}
	r.client, r.clientAddr = client, addr
	r.controller = xps.NewStage(client, fetcher, r.opts.LocalGathering)
	logf("connected to controller %s", addr)
	return r.controller, nil
}

// Source builds the acquisition source named by the scan file.
func (r *Rig) Source(ctx context.Context, file *config.ScanFile) (scan.AcquisitionSource, error) {
	kind := file.GetSource()
	if r.opts.Dev {
		kind = config.SourceSimulated
	}

	switch kind {
	case config.SourceSimulated:
		return r.simulated(file), nil

	case config.SourceSerial:
		link, err := r.serialLink(file)
		if err != nil {
			return nil, err
		}
		li := lockin.NewSerial(link, lockin.SerialOptions{
			Sensitivity: file.GetSensitivity(),
			SigMon:      file.GetSigMon(),
		})
		if err := li.Refresh(ctx); err != nil {
			// step scans fall back to the configured time constant
			logf("could not read lock-in time constant: %v", err)
		}
		return li, nil

	case config.SourceAnalog:
		reader := r.channelReader()
		if reader == nil {
			return nil, ErrNoChannelReader
		}
		opts := lockin.AnalogOptions{
			XChannel:     file.GetXChannel(),
			YChannel:     file.GetYChannel(),
			Sensitivity:  file.GetSensitivity(),
			TimeConstant: file.GetTimeConstant(),
		}
		if file.GetSigMon() {
			ch := file.GetSigMonChannel()
			opts.SigMon = &ch
		}
		return lockin.NewAnalog(reader, opts)
	}
	return nil, fmt.Errorf("unknown source %q", kind)
}

// channelReader returns the registered DAQ, or the controller when it can
// sample its own analog inputs.
func (r *Rig) channelReader() lockin.ChannelReader {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader != nil {
		return r.reader
	}
	if cr, ok := r.controller.(lockin.ChannelReader); ok {
		return cr
	}
	return nil
}

// simulated follows the simulator's stage position when the controller is
// simulated, so step and gathering scans trace out the pulse.
func (r *Rig) simulated(file *config.ScanFile) *lockin.Simulated {
	src := &lockin.Simulated{Pulse: r.opts.Pulse, TimeConstant: file.GetTimeConstant()}

	r.mu.Lock()
	sim, ok := r.controller.(*xps.Simulator)
	r.mu.Unlock()
	if !ok {
		return src
	}

	stage, zero, passes, reverse := file.GetStage(), file.GetZeroOffset(), file.GetPasses(), file.GetReverse()
	pulse := r.opts.Pulse
	src.Delay = func() float64 {
		return units.PositionToDelay(sim.Position(stage), zero, passes, reverse)
	}
	// gathering reads raw volts; the engine scales them by sensitivity/10
	volts := file.GetSensitivity() * 0.1
	sim.Signal = func(position float64) (float64, float64) {
		x := pulse.At(units.PositionToDelay(position, zero, passes, reverse)) / volts
		return x, 0.1 * x
	}
	return src
}

// serialLink opens the lock-in port once and keeps its monitor running.
func (r *Rig) serialLink(file *config.ScanFile) (serialmux.SerialMuxInterface, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	port, baud := file.GetSerialPort(), file.GetBaudRate()
	if r.link != nil && r.linkPort == port && r.linkBaud == baud {
		select {
		case err := <-r.monitorErr:
			logf("serial monitor on %s stopped: %v", port, err)
			r.monitorErr = nil
			r.closeLinkLocked()
		default:
			return r.link, nil
		}
	}
	if r.link != nil {
		r.closeLinkLocked()
	}

	link, err := r.opts.OpenSerial(port, serialmux.PortOptions{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- link.Monitor(ctx)
	}()
	r.link, r.linkPort, r.linkBaud = link, port, baud
	r.stopMon, r.monitorErr = cancel, done
	logf("opened lock-in on %s at %d baud", port, baud)
	return link, nil
}

func (r *Rig) closeLinkLocked() {
	r.stopMon()
	r.link.Close()
	if r.monitorErr != nil {
		select {
		case <-r.monitorErr:
		case <-time.After(time.Second):
		}
	}
	r.link, r.stopMon, r.monitorErr = nil, nil, nil
}

func (r *Rig) currentLink() serialmux.SerialMuxInterface {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link
}

// AttachAdminRoutes mounts the serial console. Each request goes to the link
// open at that moment; with none open, commands report the link disabled.
func (r *Rig) AttachAdminRoutes(mux *http.ServeMux) {
	r.console.AttachAdminRoutes(mux)
}

// Close releases the controller and serial connections.
func (r *Rig) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	if r.link != nil {
		r.closeLinkLocked()
	}
	if r.client != nil {
		errs = append(errs, r.client.Close())
		r.client, r.controller = nil, r.opts.Controller
	}
	return errors.Join(errs...)
}

var _ io.Closer = (*Rig)(nil)
