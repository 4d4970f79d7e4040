package xps

import (
	"fmt"

	"github.com/banshee-data/thz.scan/internal/device"
)

// NoError is the message for code 0.
const NoError = "No XPS Error"

// knownErrors covers the codes a scan commonly hits, for when the controller
// cannot be asked (for instance because the link itself failed).
var knownErrors = map[int]string{
	-1:   "Busy socket: previous command not yet finished",
	-2:   "TCP timeout",
	-3:   "String command too long",
	-4:   "Unknown command",
	-7:   "Wrong format in the command string",
	-8:   "Wrong object type for this command",
	-9:   "Wrong number of parameters in the command",
	-17:  "Parameter out of range or incorrect",
	-18:  "Positioner name doesn't exist or unknown command",
	-22:  "Not allowed action",
	-25:  "Following error",
	-33:  "Motion done timeout",
	-108: "TCP/IP connection was closed by an administrator",

	device.CodeNotConnected:    "Controller not connected",
	device.CodeMalformedReply:  "Malformed controller reply",
	device.CodeCaptureDownload: "Gathering file download failed",
}

// FallbackErrorString returns the built-in description of code.
func FallbackErrorString(code int) string {
	if code == 0 {
		return NoError
	}
	if msg, ok := knownErrors[code]; ok {
		return msg
	}
	return fmt.Sprintf("Unknown XPS error %d", code)
}
