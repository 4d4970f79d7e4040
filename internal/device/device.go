// Package device holds the vocabulary shared by instrument adapters and the
// scan engine: the polled status returned by every controller call, motion
// profiles and raw capture records.
package device

import "fmt"

// Codes used when a link failure has to be reported through the polled
// status protocol. They match the controller's own codes for the same
// situations.
const (
	CodeOK              = 0
	CodeTimeout         = -2
	CodeConnectionLost  = -108
	CodeNotConnected    = -1000
	CodeMalformedReply  = -1001
	CodeCaptureDownload = -1002
)

// Status is the (code, message) pair every controller call returns.
// Code 0 means success; any other value must stop the calling sequence.
type Status struct {
	Code    int
	Message string
}

// OK reports whether the call succeeded.
func (s Status) OK() bool { return s.Code == CodeOK }

func (s Status) String() string {
	if s.OK() {
		return "ok"
	}
	if s.Message == "" {
		return fmt.Sprintf("code %d", s.Code)
	}
	return fmt.Sprintf("code %d: %s", s.Code, s.Message)
}

// Success is the zero-code status.
func Success() Status { return Status{} }

// LinkFailure folds a transport error into the status protocol.
func LinkFailure(code int, err error) Status {
	if err == nil {
		return Status{Code: code}
	}
	return Status{Code: code, Message: err.Error()}
}

// Default jerk-limiting times (s) applied with every profile change.
const (
	DefaultMinJerkTime = 0.005
	DefaultMaxJerkTime = 0.05
)

// Profile is the motion profile applied to a stage.
type Profile struct {
	Velocity     float64 // mm/s
	Acceleration float64 // mm/s²
	MinJerkTime  float64 // s
	MaxJerkTime  float64 // s
}

// WithDefaultJerk fills unset jerk times with the defaults.
func (p Profile) WithDefaultJerk() Profile {
	if p.MinJerkTime == 0 {
		p.MinJerkTime = DefaultMinJerkTime
	}
	if p.MaxJerkTime == 0 {
		p.MaxJerkTime = DefaultMaxJerkTime
	}
	return p
}

// RawSample is one record from the controller's capture buffer. Index order
// corresponds to the fixed hardware sampling interval.
type RawSample struct {
	Position float64 // mm
	ChannelA float64 // V
	ChannelB float64 // V
}

// Reading is one pair of scaled detector channels.
type Reading struct {
	X      float64  // mV
	Y      float64  // mV
	SigMon *float64 // V, nil when the source has no signal monitor
}

// AcquisitionError reports a detector link failure.
type AcquisitionError struct {
	Source string // backend name, e.g. "serial lock-in"
	Op     string // what was being read
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Op, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }
