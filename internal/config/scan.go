package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/thz.scan/internal/scan"
)

// DefaultConfigPath is the path to the canonical scan defaults file.
const DefaultConfigPath = "config/scan.defaults.json"

// maxFileSize caps scan files; they are hand-edited JSON, never large.
const maxFileSize = 1 * 1024 * 1024

// Source names accepted in the "source" field.
const (
	SourceSerial    = "serial"
	SourceAnalog    = "analog"
	SourceSimulated = "simulated"
)

// ScanFile is a scan request as stored on disk or posted to the API. Every
// field is optional; the Get* methods supply the defaults so partial files
// are safe.
type ScanFile struct {
	Mode *string `json:"mode,omitempty"`

	// Delay axis, ps
	DelayStart *float64 `json:"delay_start,omitempty"`
	DelayStep  *float64 `json:"delay_step,omitempty"`
	DelayStop  *float64 `json:"delay_stop,omitempty"`
	GotoDelay  *float64 `json:"goto_delay,omitempty"`

	// Controller and stage
	ControllerAddr *string  `json:"controller_addr,omitempty"`
	Stage          *string  `json:"stage,omitempty"`
	Passes         *float64 `json:"passes,omitempty"`
	ZeroOffset     *float64 `json:"zero_offset,omitempty"` // mm
	Reverse        *bool    `json:"reverse,omitempty"`

	// Gathering
	TargetBandwidth  *float64 `json:"target_bandwidth,omitempty"` // THz
	SettleMultiplier *float64 `json:"settle_multiplier,omitempty"`

	// Detector
	Source       *string  `json:"source,omitempty"`
	SerialPort   *string  `json:"serial_port,omitempty"`
	BaudRate     *int     `json:"baud_rate,omitempty"`
	TimeConstant *string  `json:"time_constant,omitempty"` // duration string like "100ms"
	Sensitivity  *float64 `json:"sensitivity,omitempty"`   // mV full scale
	XChannel     *int     `json:"x_channel,omitempty"`
	YChannel     *int     `json:"y_channel,omitempty"`
	// SigMon adds the signal monitor column: the serial lock-in's
	// auxiliary ADC, or SigMonChannel on an analog DAQ.
	SigMon        *bool `json:"sig_mon,omitempty"`
	SigMonChannel *int  `json:"sig_mon_channel,omitempty"`

	Secondary *SecondaryStage `json:"secondary,omitempty"`

	// Output naming
	OutputDir *string `json:"output_dir,omitempty"`
	AutoName  *string `json:"auto_name,omitempty"`
}

// SecondaryStage holds a second delay line at a fixed delay during a scan.
type SecondaryStage struct {
	Stage      *string  `json:"stage,omitempty"`
	Delay      *float64 `json:"delay,omitempty"`
	Passes     *float64 `json:"passes,omitempty"`
	ZeroOffset *float64 `json:"zero_offset,omitempty"`
	Reverse    *bool    `json:"reverse,omitempty"`
}

// LoadScanFile loads a ScanFile from a JSON file. The path must have a .json
// extension and the file must be under 1MB.
func LoadScanFile(path string) (*ScanFile, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseScanFile(data)
}

// ParseScanFile decodes and validates a scan file body.
func ParseScanFile(data []byte) (*ScanFile, error) {
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("config too large: %d bytes (max %d)", len(data), maxFileSize)
	}
	cfg := &ScanFile{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory or
// one of its parents. It panics if the file cannot be loaded and is intended
// for test setup.
func MustLoadDefaultConfig() *ScanFile {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadScanFile(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Merge returns a copy of c with every field set in override replaced.
func (c *ScanFile) Merge(override *ScanFile) (*ScanFile, error) {
	out := *c
	if c.Secondary != nil {
		sec := *c.Secondary
		out.Secondary = &sec
	}
	if override == nil {
		return &out, nil
	}
	// Round-tripping through JSON keeps this in step with the field list.
	data, err := json.Marshal(override)
	if err != nil {
		return nil, fmt.Errorf("encode scan file override: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("apply scan file override: %w", err)
	}
	return &out, nil
}

// Validate checks the fields that are set. Whole-scan rules such as a
// non-empty axis are checked by scan.Configuration.Validate.
func (c *ScanFile) Validate() error {
	if c.Mode != nil {
		if _, err := scan.ParseMode(*c.Mode); err != nil {
			return err
		}
	}
	for name, v := range map[string]*float64{
		"delay_start": c.DelayStart,
		"delay_step":  c.DelayStep,
		"delay_stop":  c.DelayStop,
		"goto_delay":  c.GotoDelay,
		"zero_offset": c.ZeroOffset,
	} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("%s must be finite", name)
		}
	}
	if c.DelayStep != nil && *c.DelayStep == 0 {
		return fmt.Errorf("delay_step must be non-zero")
	}
	if c.Passes != nil && !(*c.Passes > 0) {
		return fmt.Errorf("passes must be positive, got %f", *c.Passes)
	}
	if c.TargetBandwidth != nil && !(*c.TargetBandwidth > 0) {
		return fmt.Errorf("target_bandwidth must be positive, got %f", *c.TargetBandwidth)
	}
	if c.SettleMultiplier != nil && !(*c.SettleMultiplier > 0) {
		return fmt.Errorf("settle_multiplier must be positive, got %f", *c.SettleMultiplier)
	}
	if c.Sensitivity != nil && !(*c.Sensitivity > 0) {
		return fmt.Errorf("sensitivity must be positive, got %f", *c.Sensitivity)
	}
	if c.TimeConstant != nil && *c.TimeConstant != "" {
		d, err := time.ParseDuration(*c.TimeConstant)
		if err != nil {
			return fmt.Errorf("invalid time_constant '%s': %w", *c.TimeConstant, err)
		}
		if d < 0 {
			return fmt.Errorf("time_constant must not be negative, got %s", d)
		}
	}
	if c.Source != nil {
		switch *c.Source {
		case SourceSerial, SourceAnalog, SourceSimulated:
		default:
			return fmt.Errorf("unknown source %q", *c.Source)
		}
	}
	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}
	if c.XChannel != nil && *c.XChannel < 0 {
		return fmt.Errorf("x_channel must be non-negative, got %d", *c.XChannel)
	}
	if c.YChannel != nil && *c.YChannel < 0 {
		return fmt.Errorf("y_channel must be non-negative, got %d", *c.YChannel)
	}
	if c.SigMonChannel != nil && *c.SigMonChannel < 0 {
		return fmt.Errorf("sig_mon_channel must be non-negative, got %d", *c.SigMonChannel)
	}
	if s := c.Secondary; s != nil {
		if s.Stage == nil || strings.TrimSpace(*s.Stage) == "" {
			return fmt.Errorf("secondary.stage is required when secondary is set")
		}
		if s.Passes != nil && !(*s.Passes > 0) {
			return fmt.Errorf("secondary.passes must be positive, got %f", *s.Passes)
		}
		if s.Delay != nil && (math.IsNaN(*s.Delay) || math.IsInf(*s.Delay, 0)) {
			return fmt.Errorf("secondary.delay must be finite")
		}
	}
	return nil
}

// GetMode returns the scan mode or StepScan.
func (c *ScanFile) GetMode() scan.Mode {
	if c.Mode == nil {
		return scan.StepScan
	}
	m, err := scan.ParseMode(*c.Mode)
	if err != nil {
		return scan.StepScan
	}
	return m
}

// GetDelayStart returns delay_start or 0 ps.
func (c *ScanFile) GetDelayStart() float64 { return getFloat(c.DelayStart, 0) }

// GetDelayStep returns delay_step or 0.01 ps.
func (c *ScanFile) GetDelayStep() float64 { return getFloat(c.DelayStep, 0.01) }

// GetDelayStop returns delay_stop or 10 ps.
func (c *ScanFile) GetDelayStop() float64 { return getFloat(c.DelayStop, 10) }

func (c *ScanFile) GetGotoDelay() float64  { return getFloat(c.GotoDelay, 0) }
func (c *ScanFile) GetPasses() float64     { return getFloat(c.Passes, 2) }
func (c *ScanFile) GetZeroOffset() float64 { return getFloat(c.ZeroOffset, 0) }
func (c *ScanFile) GetReverse() bool       { return c.Reverse != nil && *c.Reverse }

// GetControllerAddr returns the controller address or the factory default.
func (c *ScanFile) GetControllerAddr() string {
	return getString(c.ControllerAddr, "192.168.0.254:5001")
}

// GetStage returns the stage positioner name.
func (c *ScanFile) GetStage() string { return getString(c.Stage, "THz_long.PP") }

// GetTargetBandwidth returns target_bandwidth or 15 THz.
func (c *ScanFile) GetTargetBandwidth() float64 { return getFloat(c.TargetBandwidth, 15) }

func (c *ScanFile) GetSettleMultiplier() float64 {
	return getFloat(c.SettleMultiplier, scan.DefaultSettleMultiplier)
}

// GetSource returns the detector backend name or "serial".
func (c *ScanFile) GetSource() string { return getString(c.Source, SourceSerial) }

func (c *ScanFile) GetSerialPort() string { return getString(c.SerialPort, "/dev/ttyUSB0") }

func (c *ScanFile) GetBaudRate() int {
	if c.BaudRate == nil {
		return 9600
	}
	return *c.BaudRate
}

// GetTimeConstant parses and returns the TimeConstant, or 100ms.
func (c *ScanFile) GetTimeConstant() time.Duration {
	if c.TimeConstant == nil || *c.TimeConstant == "" {
		return 100 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.TimeConstant)
	if err != nil {
		return 100 * time.Millisecond // default on parse error
	}
	return d
}

// GetSensitivity returns the lock-in full scale, 500 mV by default.
func (c *ScanFile) GetSensitivity() float64 { return getFloat(c.Sensitivity, 500) }

func (c *ScanFile) GetXChannel() int { return getInt(c.XChannel, 0) }
func (c *ScanFile) GetYChannel() int { return getInt(c.YChannel, 1) }

// GetSigMon reports whether the signal monitor column is recorded.
func (c *ScanFile) GetSigMon() bool { return c.SigMon != nil && *c.SigMon }

// GetSigMonChannel returns the DAQ channel of the signal monitor, 2 by
// default.
func (c *ScanFile) GetSigMonChannel() int { return getInt(c.SigMonChannel, 2) }

func (c *ScanFile) GetOutputDir() string { return getString(c.OutputDir, ".") }

// GetAutoName returns the base name for auto-named output files, or "" when
// auto naming is off.
func (c *ScanFile) GetAutoName() string { return strings.TrimSpace(getString(c.AutoName, "")) }

// ToConfiguration builds the engine configuration. It does not validate;
// the engine does that before issuing any command.
func (c *ScanFile) ToConfiguration() scan.Configuration {
	return scan.Configuration{
		Mode:               c.GetMode(),
		Stage:              c.GetStage(),
		DelayStart:         c.GetDelayStart(),
		DelayStep:          c.GetDelayStep(),
		DelayStop:          c.GetDelayStop(),
		GotoDelay:          c.GetGotoDelay(),
		ZeroOffset:         c.GetZeroOffset(),
		Passes:             c.GetPasses(),
		Reverse:            c.GetReverse(),
		TargetBandwidth:    c.GetTargetBandwidth(),
		SettleTimeConstant: c.GetTimeConstant(),
		SettleMultiplier:   c.GetSettleMultiplier(),
		Sensitivity:        c.GetSensitivity(),
	}
}

// SecondaryAuxiliary returns the auxiliary that holds the secondary stage,
// or false when none is configured.
func (c *ScanFile) SecondaryAuxiliary(conn scan.MotionAndTrigger) (scan.Auxiliary, bool) {
	s := c.Secondary
	if s == nil || s.Stage == nil {
		return scan.Auxiliary{}, false
	}
	return scan.SecondaryStage(conn, strings.TrimSpace(*s.Stage),
		getFloat(s.Delay, 0), getFloat(s.ZeroOffset, 0), getFloat(s.Passes, 2), s.Reverse != nil && *s.Reverse), true
}

// SecondaryDelay returns the secondary stage delay when one is configured.
func (c *ScanFile) SecondaryDelay() (float64, bool) {
	if c.Secondary == nil || c.Secondary.Stage == nil {
		return 0, false
	}
	return getFloat(c.Secondary.Delay, 0), true
}

func getFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func getInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func getString(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}
