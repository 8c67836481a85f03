package instrument

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SR830 is a Stanford Research SR830 DSP lock-in amplifier.
type SR830 struct {
	name string
	conn Conn
	// PollInterval is the wait between serial polls while an auto
	// function runs.
	PollInterval time.Duration
	// AutoTimeout bounds how long an auto function may run.
	AutoTimeout time.Duration
}

// NewSR830 binds a lock-in on conn.
func NewSR830(name string, conn Conn) *SR830 {
	return &SR830{
		name:         name,
		conn:         conn,
		PollInterval: 200 * time.Millisecond,
		AutoTimeout:  time.Minute,
	}
}

func (l *SR830) Name() string { return l.name }

// OUTP? parameter for each measured output.
var sr830Outputs = map[string]int{
	"x":     1,
	"y":     2,
	"r":     3,
	"theta": 4,
}

// Query command for each readable setting.
var sr830Settings = map[string]string{
	"frequency":     "FREQ?",
	"amplitude":     "SLVL?",
	"reserve":       "RMOD?",
	"time_constant": "OFLT?",
	"sensitivity":   "SENS?",
}

// Reserve names accepted by Write, in RMOD index order.
var sr830Reserves = []string{"high", "normal", "low"}

// Properties lists the readable properties.
func (l *SR830) Properties() []string {
	props := make([]string, 0, len(sr830Outputs)+len(sr830Settings))
	for k := range sr830Outputs {
		props = append(props, k)
	}
	for k := range sr830Settings {
		props = append(props, k)
	}
	slices.Sort(props)
	return props
}

// Settings lists the writable properties.
func (l *SR830) Settings() []string {
	out := make([]string, 0, len(sr830Settings))
	for k := range sr830Settings {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Read reads a measured output (x, y and r in V, theta in degrees) or the
// current value of a setting.
func (l *SR830) Read(ctx context.Context, property string) (float64, error) {
	var cmd string
	if i, ok := sr830Outputs[property]; ok {
		cmd = fmt.Sprintf("OUTP? %d", i)
	} else if q, ok := sr830Settings[property]; ok {
		cmd = q
	} else {
		return 0, &DeviceError{Device: l.name, Op: "read " + property, Err: pkgerrors.Wrap(ErrRejected, "unknown property")}
	}

	v, err := queryFloat(ctx, l.conn, cmd)
	if err != nil {
		return 0, &DeviceError{Device: l.name, Op: cmd, Err: err}
	}
	return v, nil
}

// Write changes a setting. Values out of the instrument's range are rejected
// before anything is sent.
func (l *SR830) Write(ctx context.Context, property, value string) error {
	cmd, err := l.encode(property, strings.TrimSpace(value))
	if err != nil {
		return &DeviceError{Device: l.name, Op: "write " + property, Err: pkgerrors.Wrap(ErrRejected, err.Error())}
	}

	logrus.WithFields(logrus.Fields{
		"device":   l.name,
		"property": property,
		"value":    value,
	}).Debug("configuring lock-in")

	if err := l.conn.Command(ctx, cmd); err != nil {
		return &DeviceError{Device: l.name, Op: cmd, Err: err}
	}
	return nil
}

func (l *SR830) encode(property, value string) (string, error) {
	switch property {
	case "frequency":
		f, err := parseRange(value, 1e-3, 102e3)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("FREQ %g", f), nil
	case "amplitude":
		f, err := parseRange(value, 0.004, 5.0)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("SLVL %g", f), nil
	case "reserve":
		i := slices.Index(sr830Reserves, strings.ToLower(value))
		if i < 0 {
			return "", fmt.Errorf("reserve must be one of %v, got %q", sr830Reserves, value)
		}
		return fmt.Sprintf("RMOD %d", i), nil
	case "time_constant":
		i, err := parseIndex(value, 19)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("OFLT %d", i), nil
	case "sensitivity":
		i, err := parseIndex(value, 26)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("SENS %d", i), nil
	}
	return "", fmt.Errorf("property %q is not writable", property)
}

func parseRange(s string, lo, hi float64) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f < lo || f > hi || math.IsNaN(f) {
		return 0, fmt.Errorf("%g out of range [%g, %g]", f, lo, hi)
	}
	return f, nil
}

func parseIndex(s string, last int) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if i < 0 || i > last {
		return 0, fmt.Errorf("index %d out of range [0, %d]", i, last)
	}
	return i, nil
}

var sr830Actions = map[string]string{
	"auto_gain":    "AGAN",
	"auto_phase":   "APHS",
	"auto_reserve": "ARSV",
}

// Actions lists the commands Do accepts.
func (l *SR830) Actions() []string {
	out := make([]string, 0, len(sr830Actions))
	for k := range sr830Actions {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Do starts an auto function and waits until the lock-in reports that no
// command is executing.
func (l *SR830) Do(ctx context.Context, action string) error {
	cmd, ok := sr830Actions[action]
	if !ok {
		return &DeviceError{Device: l.name, Op: action, Err: pkgerrors.Wrap(ErrRejected, "unknown action")}
	}

	log := logrus.WithFields(logrus.Fields{
		"device": l.name,
		"action": action,
	})
	log.Info("running lock-in auto function")

	if err := l.conn.Command(ctx, cmd); err != nil {
		return &DeviceError{Device: l.name, Op: cmd, Err: err}
	}

	start := time.Now()
	for {
		// Serial poll bit 1 is set when no command execution is in progress.
		idle, err := queryFloat(ctx, l.conn, "*STB? 1")
		if err != nil {
			return &DeviceError{Device: l.name, Op: "*STB? 1", Err: err}
		}
		if idle == 1 {
			log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Debug("auto function done")
			return nil
		}
		if time.Since(start) > l.AutoTimeout {
			return &DeviceError{Device: l.name, Op: cmd, Err: pkgerrors.Errorf("still running after %s", l.AutoTimeout)}
		}

		select {
		case <-ctx.Done():
			return pkgerrors.Wrapf(ctx.Err(), "waiting for %s", action)
		case <-time.After(l.PollInterval):
		}
	}
}
