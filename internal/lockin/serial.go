package lockin

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/thz.scan/internal/device"
)

// Serial command set. Integer channel reads are in units of 0.01% of full
// scale, so ±10000 is the configured sensitivity.
const (
	cmdTimeConstant = "TC."
	cmdX            = "X"
	cmdY            = "Y"
	cmdSigMon       = "ADC1."

	fullScaleCounts = 10000.0
)

// Querier is a request/response line link such as *serialmux.SerialMux.
type Querier interface {
	Query(ctx context.Context, command string) (string, error)
}

// SerialOptions configures a Serial lock-in.
type SerialOptions struct {
	Sensitivity float64 // mV full scale
	SigMon      bool    // read the auxiliary ADC as a signal monitor
}

// Serial is a lock-in amplifier driven over a serial line. Its time constant
// is read from the instrument by Refresh.
type Serial struct {
	link Querier
	opts SerialOptions

	mu           sync.Mutex
	timeConstant time.Duration
}

// NewSerial wraps a query link.
func NewSerial(link Querier, opts SerialOptions) *Serial {
	return &Serial{link: link, opts: opts}
}

func (s *Serial) wrap(op string, err error) error {
	return &device.AcquisitionError{Source: "serial lock-in", Op: op, Err: err}
}

func (s *Serial) queryFloat(ctx context.Context, command string) (float64, error) {
	reply, err := s.link.Query(ctx, command)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(reply), 64)
	if err != nil {
		return 0, fmt.Errorf("malformed reply %q to %s", reply, command)
	}
	return v, nil
}

// Refresh reads the instrument's current time constant.
func (s *Serial) Refresh(ctx context.Context) error {
	tc, err := s.queryFloat(ctx, cmdTimeConstant)
	if err != nil {
		return s.wrap("read time constant", err)
	}
	d, err := secondsToDuration(tc)
	if err != nil {
		return s.wrap("read time constant", err)
	}

	s.mu.Lock()
	s.timeConstant = d
	s.mu.Unlock()
	logf("time constant %s", d)
	return nil
}

// SettleTime is the last time constant read by Refresh; zero before the first
// successful Refresh.
func (s *Serial) SettleTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeConstant
}

// ReadChannels reads X and Y and scales them by the sensitivity.
func (s *Serial) ReadChannels(ctx context.Context) (device.Reading, error) {
	x, err := s.queryFloat(ctx, cmdX)
	if err != nil {
		return device.Reading{}, s.wrap("read X", err)
	}
	y, err := s.queryFloat(ctx, cmdY)
	if err != nil {
		return device.Reading{}, s.wrap("read Y", err)
	}

	r := device.Reading{
		X: x / fullScaleCounts * s.opts.Sensitivity,
		Y: y / fullScaleCounts * s.opts.Sensitivity,
	}
	if s.opts.SigMon {
		v, err := s.queryFloat(ctx, cmdSigMon)
		if err != nil {
			return device.Reading{}, s.wrap("read signal monitor", err)
		}
		r.SigMon = &v
	}
	return r, nil
}
