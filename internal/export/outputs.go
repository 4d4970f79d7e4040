package export

import (
	"fmt"
	"os"
	"strings"

	"github.com/banshee-data/thz.scan/internal/report"
	"github.com/banshee-data/thz.scan/internal/scan"
)

// ShouldSave reports whether a finished scan produces output files: every
// mode that acquires samples does, a goto move does not.
func ShouldSave(res scan.Result) bool {
	return res.Config.Mode != scan.GotoDelay && len(res.Samples) > 0
}

// WriteOutputs picks a free name for base in dir and writes the data file,
// its settings sidecar and a PNG figure next to it. It returns the data
// file path.
func WriteOutputs(dir, base string, secondaryDelay *float64, res scan.Result) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path, err := NextFreePath(dir, base, secondaryDelay)
	if err != nil {
		return "", err
	}
	if err := Save(path, res); err != nil {
		return "", err
	}
	pngPath := strings.TrimSuffix(path, DataExt) + ".png"
	if err := report.SavePNG(pngPath, res); err != nil {
		// the data file is the record; a missing figure is not fatal
		logf("figure for %s not written: %v", path, err)
	}
	return path, nil
}
