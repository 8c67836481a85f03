// Package config describes a cryoscan run file.
package config

import (
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cryoscan/cryoscan/pkg/control"
	"github.com/cryoscan/cryoscan/pkg/quantity"
)

// Quantity names a run file may refer to.
const (
	Temperature = "temperature"
	Field       = "field"
)

// Instrument names used in property and action references.
const (
	PPMS   = "ppms"
	LockIn = "lockin"
)

// Config is a complete run description.
type Config struct {
	Simulate    SimConfig         `mapstructure:"simulate"`
	Bus         BusConfig         `mapstructure:"bus"`
	Instruments InstrumentsConfig `mapstructure:"instruments"`
	Stability   StabilityConfigs  `mapstructure:"stability"`
	Steps       []StepConfig      `mapstructure:"steps"`
	Scan        *ScanConfig       `mapstructure:"scan"`
	Record      RecordConfig      `mapstructure:"record"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	// Schedule, if set, is a cron expression the run waits for before it
	// starts.
	Schedule        string        `mapstructure:"schedule"`
	Archive         ArchiveConfig `mapstructure:"archive"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SimConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Speedup makes simulated time run faster than the wall clock.
	Speedup     float64 `mapstructure:"speedup"`
	Temperature float64 `mapstructure:"temperature"`
}

// BusConfig is the Prologix GPIB-USB adapter both instruments hang off.
type BusConfig struct {
	Port    string        `mapstructure:"port"`
	Baud    int           `mapstructure:"baud"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type InstrumentsConfig struct {
	PPMS   DeviceConfig `mapstructure:"ppms"`
	LockIn DeviceConfig `mapstructure:"lockin"`
}

type DeviceConfig struct {
	Address int `mapstructure:"address"`
}

type StabilityConfigs struct {
	Temperature StabilityConfig `mapstructure:"temperature"`
	Field       StabilityConfig `mapstructure:"field"`
}

// StabilityConfig is the run file form of control.StabilityPolicy.
type StabilityConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Tolerance    float64       `mapstructure:"tolerance"`
	Samples      int           `mapstructure:"samples"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

func (s StabilityConfig) Policy() control.StabilityPolicy {
	return control.StabilityPolicy{
		PollInterval:          s.PollInterval,
		Tolerance:             s.Tolerance,
		RequiredStableSamples: s.Samples,
		Timeout:               s.Timeout,
	}
}

// For returns the stability settings of the named quantity.
func (s StabilityConfigs) For(name string) StabilityConfig {
	if name == Field {
		return s.Field
	}
	return s.Temperature
}

// StepConfig is one pre-scan step. Exactly one of Set, Command and Setpoint
// is given.
type StepConfig struct {
	// Set is "device.property"; Value is written to it.
	Set   string `mapstructure:"set"`
	Value string `mapstructure:"value"`
	// Command is "device.action".
	Command string `mapstructure:"command"`
	// Setpoint names a quantity to move to Target at Rate. Unit applies to
	// Target, RateUnit ("K/min", "mT/s", ...) to Rate; empty means K, K/min
	// for temperature and Oe, Oe/s for field.
	Setpoint string  `mapstructure:"setpoint"`
	Target   float64 `mapstructure:"target"`
	Unit     string  `mapstructure:"unit"`
	Rate     float64 `mapstructure:"rate"`
	RateUnit string  `mapstructure:"rate_unit"`
	Mode     string  `mapstructure:"mode"`
	Wait     *bool   `mapstructure:"wait"`
}

// WaitOrDefault reports whether the step blocks until stable. Setpoints
// wait unless told otherwise.
func (s StepConfig) WaitOrDefault() bool {
	return s.Wait == nil || *s.Wait
}

// Kind returns "set", "command" or "setpoint".
func (s StepConfig) Kind() string {
	switch {
	case s.Set != "":
		return "set"
	case s.Command != "":
		return "command"
	case s.Setpoint != "":
		return "setpoint"
	}
	return ""
}

// ScanConfig describes the recorded scan.
type ScanConfig struct {
	Quantity string   `mapstructure:"quantity"`
	Start    *float64 `mapstructure:"start"`
	End      float64  `mapstructure:"end"`
	Unit     string   `mapstructure:"unit"`
	Rate     float64  `mapstructure:"rate"`
	RateUnit string   `mapstructure:"rate_unit"`
	// Step of zero sweeps continuously.
	Step           float64       `mapstructure:"step"`
	Mode           string        `mapstructure:"mode"`
	SamplesPerStep int           `mapstructure:"samples_per_step"`
	StatusGrace    time.Duration `mapstructure:"status_grace"`
	// Channels are "timestamp" or "device.property".
	Channels []string `mapstructure:"channels"`
}

type RecordConfig struct {
	Path       string `mapstructure:"path"`
	Overwrite  bool   `mapstructure:"overwrite"`
	Delimiter  string `mapstructure:"delimiter"`
	Precision  int    `mapstructure:"precision"`
	TimeLayout string `mapstructure:"time_layout"`
	Table      string `mapstructure:"table"`
}

type MonitorConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Socket  string `mapstructure:"socket"`
	// AllowNonRoot makes the socket world-writable.
	AllowNonRoot bool `mapstructure:"allow_non_root"`
}

// ArchiveConfig uploads the finished record to an S3-compatible bucket. An
// empty bucket disables it.
type ArchiveConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

func (a ArchiveConfig) Enabled() bool { return a.Bucket != "" }

// SplitRef splits "device.member" references.
func SplitRef(ref string) (device, member string, err error) {
	device, member, ok := strings.Cut(strings.TrimSpace(ref), ".")
	if !ok || device == "" || member == "" {
		return "", "", pkgerrors.Errorf("%q is not of the form device.name", ref)
	}
	return strings.ToLower(device), member, nil
}

func knownDevice(d string) bool { return d == PPMS || d == LockIn }

func kindOf(name string) (quantity.Kind, bool) {
	switch name {
	case Temperature:
		return quantity.Temperature, true
	case Field:
		return quantity.Field, true
	}
	return "", false
}

// KindOf returns the quantity kind for a quantity name.
func KindOf(name string) (quantity.Kind, error) {
	k, ok := kindOf(strings.ToLower(name))
	if !ok {
		return "", pkgerrors.Errorf("unknown quantity %q, expected %s or %s", name, Temperature, Field)
	}
	return k, nil
}

// Validate checks the structure of the run file. Numeric ramp parameters are
// left to the controllers, which reject them before touching a device.
func (c *Config) Validate() error {
	if !c.Simulate.Enabled && c.Bus.Port == "" {
		return pkgerrors.New("bus.port is required unless simulate.enabled is set")
	}
	for name, d := range map[string]DeviceConfig{PPMS: c.Instruments.PPMS, LockIn: c.Instruments.LockIn} {
		if d.Address < 0 || d.Address > 30 {
			return pkgerrors.Errorf("instruments.%s.address %d is outside 0-30", name, d.Address)
		}
	}
	if c.Instruments.PPMS.Address == c.Instruments.LockIn.Address {
		return pkgerrors.Errorf("ppms and lockin share GPIB address %d", c.Instruments.PPMS.Address)
	}
	for name, s := range map[string]StabilityConfig{Temperature: c.Stability.Temperature, Field: c.Stability.Field} {
		if err := s.Policy().Validate(); err != nil {
			return pkgerrors.Wrapf(err, "stability.%s", name)
		}
	}

	for i, s := range c.Steps {
		if err := s.validate(); err != nil {
			return pkgerrors.Wrapf(err, "steps[%d]", i)
		}
	}

	if c.Scan == nil {
		if len(c.Steps) == 0 {
			return pkgerrors.New("run has neither steps nor a scan")
		}
	} else if err := c.Scan.validate(); err != nil {
		return pkgerrors.Wrap(err, "scan")
	}

	if c.ShutdownTimeout <= 0 {
		return pkgerrors.Errorf("shutdown_timeout must be positive, got %s", c.ShutdownTimeout)
	}
	if c.Monitor.Enabled && c.Monitor.Socket == "" {
		return pkgerrors.New("monitor.socket is required when the monitor is enabled")
	}
	return nil
}

func (s StepConfig) validate() error {
	n := 0
	for _, f := range []string{s.Set, s.Command, s.Setpoint} {
		if f != "" {
			n++
		}
	}
	if n != 1 {
		return pkgerrors.New("exactly one of set, command and setpoint must be given")
	}

	switch s.Kind() {
	case "set", "command":
		ref := s.Set + s.Command
		dev, _, err := SplitRef(ref)
		if err != nil {
			return err
		}
		if !knownDevice(dev) {
			return pkgerrors.Errorf("unknown instrument %q", dev)
		}
		if s.Kind() == "set" && s.Value == "" {
			return pkgerrors.Errorf("set %s has no value", ref)
		}
	case "setpoint":
		kind, err := KindOf(s.Setpoint)
		if err != nil {
			return err
		}
		if err := checkUnit(kind, s.Unit); err != nil {
			return err
		}
		if _, err := quantity.RateToNative(kind, 0, s.RateUnit); err != nil {
			return err
		}
		if s.Mode != "" {
			if _, err := control.ParseMode(s.Mode); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *ScanConfig) validate() error {
	kind, err := KindOf(s.Quantity)
	if err != nil {
		return err
	}
	if err := checkUnit(kind, s.Unit); err != nil {
		return err
	}
	if _, err := quantity.RateToNative(kind, 0, s.RateUnit); err != nil {
		return err
	}
	if s.Mode != "" {
		if _, err := control.ParseMode(s.Mode); err != nil {
			return err
		}
	}
	if s.Step < 0 {
		return pkgerrors.Errorf("step must not be negative, got %g", s.Step)
	}
	if len(s.Channels) == 0 {
		return pkgerrors.New("no channels")
	}
	seen := map[string]bool{}
	for _, ch := range s.Channels {
		if seen[ch] {
			return pkgerrors.Errorf("channel %q listed twice", ch)
		}
		seen[ch] = true
		if ch == "timestamp" {
			continue
		}
		dev, _, err := SplitRef(ch)
		if err != nil {
			return err
		}
		if !knownDevice(dev) {
			return pkgerrors.Errorf("channel %q: unknown instrument %q", ch, dev)
		}
	}
	return nil
}

func checkUnit(kind quantity.Kind, unit string) error {
	u, err := quantity.ParseUnit(unit)
	if err != nil {
		return err
	}
	_, err = quantity.ToNative(kind, 0, u)
	return err
}

// LogrusFields summarizes the run for the start-up log line.
func (c *Config) LogrusFields() logrus.Fields {
	f := logrus.Fields{
		"simulate": c.Simulate.Enabled,
		"steps":    len(c.Steps),
		"record":   c.Record.Path,
		"monitor":  c.Monitor.Enabled,
		"schedule": c.Schedule,
		"archive":  c.Archive.Enabled(),
	}
	if !c.Simulate.Enabled {
		f["bus"] = c.Bus.Port
	}
	if c.Scan != nil {
		f["scan"] = fmt.Sprintf("%s -> %g at %g", c.Scan.Quantity, c.Scan.End, c.Scan.Rate)
		f["channels"] = strings.Join(c.Scan.Channels, ",")
	}
	return f
}
