// Package export writes finished scans to tab-separated data files.
package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/banshee-data/thz.scan/internal/monitoring"
	"github.com/banshee-data/thz.scan/internal/scan"
	"github.com/banshee-data/thz.scan/internal/units"
	"github.com/banshee-data/thz.scan/internal/version"
)

var logf = monitoring.Component("export")

// DataExt is the extension of exported data files.
const DataExt = ".dat"

// Header and Units are the two header rows of a data file.
var (
	Header = []string{"Delay", "X", "Y", "FFT Freq", "FFT", "SigMon"}
	Units  = units.ExportUnits()
)

// maxNameAttempts bounds the _2, _3, ... search in NextFreePath.
const maxNameAttempts = 10000

// WriteTSV writes one row per sample. The spectrum bin with the same index
// fills the FFT columns; cells with no value are written as NaN.
func WriteTSV(w io.Writer, res scan.Result) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'

	if err := cw.Write(Header); err != nil {
		return err
	}
	if err := cw.Write(Units); err != nil {
		return err
	}

	row := make([]string, len(Header))
	for i, s := range res.Samples {
		row[0] = formatFloat(s.Delay)
		row[1] = formatFloat(s.X)
		row[2] = formatFloat(s.Y)
		row[3], row[4] = "NaN", "NaN"
		if i < len(res.Spectrum) {
			row[3] = formatFloat(res.Spectrum[i].Frequency)
			row[4] = formatFloat(res.Spectrum[i].Amplitude)
		}
		row[5] = "NaN"
		if s.SigMon != nil {
			row[5] = formatFloat(*s.SigMon)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// NextFreePath returns dir/base.dat, or the first of dir/base_2.dat,
// dir/base_3.dat, ... that does not exist. With a secondary stage delay the
// base gains a "_delay=<d>ps" suffix first.
func NextFreePath(dir, base string, secondaryDelay *float64) (string, error) {
	if secondaryDelay != nil {
		base = fmt.Sprintf("%s_delay=%sps", base, formatFloat(*secondaryDelay))
	}
	stem := filepath.Join(dir, base)
	path := stem + DataExt
	for n := 2; n <= maxNameAttempts; n++ {
		_, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			return path, nil
		}
		if err != nil {
			return "", fmt.Errorf("check %s: %w", path, err)
		}
		path = fmt.Sprintf("%s_%d%s", stem, n, DataExt)
	}
	return "", fmt.Errorf("no free file name for %s after %d attempts", stem, maxNameAttempts)
}

// Settings is the sidecar written next to every data file so a scan can be
// repeated with the same parameters.
type Settings struct {
	ID         string             `json:"id"`
	Config     scan.Configuration `json:"config"`
	Outcome    scan.Outcome       `json:"outcome"`
	Warnings   []string           `json:"warnings,omitempty"`
	Samples    int                `json:"samples"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Version    string             `json:"version"`
}

// SettingsPath is where Save writes the sidecar for a data file:
// <dir>/settings/<file name>.json.
func SettingsPath(dataPath string) string {
	return filepath.Join(filepath.Dir(dataPath), "settings", filepath.Base(dataPath)+".json")
}

// Save writes the data file at path and its settings sidecar.
func Save(path string, res scan.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create data file: %w", err)
	}
	if err := WriteTSV(f, res); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}

	settingsPath := SettingsPath(path)
	if err := os.MkdirAll(filepath.Dir(settingsPath), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	data, err := json.MarshalIndent(Settings{
		ID:         res.ID,
		Config:     res.Config,
		Outcome:    res.Outcome,
		Warnings:   res.Warnings,
		Samples:    len(res.Samples),
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Version:    version.Version,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(settingsPath, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	logf("saved %d samples to %s", len(res.Samples), path)
	return nil
}
