package scan

import (
	"errors"
	"fmt"

	"github.com/banshee-data/thz.scan/internal/device"
	"github.com/banshee-data/thz.scan/internal/units"
)

var (
	// ErrInvalidConfiguration is reported before any hardware command.
	ErrInvalidConfiguration = units.ErrInvalidConfiguration
	// ErrAborted marks a cooperative stop. It is not a fault.
	ErrAborted = errors.New("scan aborted")
	// ErrScanInProgress is returned when Run is called while a scan is active.
	ErrScanInProgress = errors.New("scan already in progress")
)

// AcquisitionError reports a detector link failure.
type AcquisitionError = device.AcquisitionError

// DeviceCommandError is a nonzero controller code, with the controller's
// description of it.
type DeviceCommandError struct {
	Op      string
	Code    int
	Message string
}

func (e *DeviceCommandError) Error() string {
	return fmt.Sprintf("%s failed: %s (code %d)", e.Op, e.Message, e.Code)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}
