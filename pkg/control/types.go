package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Mode selects how a device drives a quantity toward its target.
type Mode int

const (
	// ModeSweep ramps continuously toward the target. The source keeps
	// driving while it gets there.
	ModeSweep Mode = iota
	// ModePersistent ramps to the target and then disengages the driving
	// source (magnet persistent switch).
	ModePersistent
	// ModeHold issues no ramp. It verifies a value that was already reached.
	ModeHold
)

func (m Mode) String() string {
	switch m {
	case ModeSweep:
		return "sweep"
	case ModePersistent:
		return "persistent"
	case ModeHold:
		return "hold"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses a mode name as written in run files.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sweep", "driven":
		return ModeSweep, nil
	case "persistent":
		return ModePersistent, nil
	case "hold":
		return ModeHold, nil
	}
	return 0, errors.Errorf("unknown ramp mode %q", s)
}

// RampSpec describes one setpoint change. Rate is in the quantity's rate
// unit (K/min for temperature, Oe/s for field).
type RampSpec struct {
	Target float64
	Rate   float64
	Mode   Mode
}

// StabilityPolicy decides when a quantity is at its target.
type StabilityPolicy struct {
	PollInterval          time.Duration
	Tolerance             float64
	RequiredStableSamples int
	// Timeout of zero waits forever.
	Timeout time.Duration
}

// Validate checks that the policy can ever be satisfied.
func (p StabilityPolicy) Validate() error {
	if p.PollInterval <= 0 {
		return errors.Errorf("poll interval must be positive, got %s", p.PollInterval)
	}
	if p.Tolerance < 0 {
		return errors.Errorf("tolerance must not be negative, got %g", p.Tolerance)
	}
	if p.RequiredStableSamples < 1 {
		return errors.Errorf("required stable samples must be at least 1, got %d", p.RequiredStableSamples)
	}
	if p.Timeout < 0 {
		return errors.Errorf("timeout must not be negative, got %s", p.Timeout)
	}
	return nil
}

// Fault is a device self-reported failure. The empty Fault means none.
type Fault string

const FaultNone Fault = ""

// Status is one reading of a controllable quantity.
type Status struct {
	Value    float64
	InMotion bool
	// Persistent is set while the device holds the value with its driving
	// source disengaged. Only those readings count for ModePersistent.
	Persistent bool
	Fault      Fault
	// Detail is the device's own description of its state, for logs.
	Detail string
}

// Device is the control side of an instrument for one quantity.
type Device interface {
	// SetSetpoint commands a new target. It returns once the device has
	// accepted the command.
	SetSetpoint(ctx context.Context, target, rate float64, mode Mode) error
	// Status reads the current value and state.
	Status(ctx context.Context) (Status, error)
	// Modes lists the ramp modes the device supports for this quantity.
	Modes() []Mode
}
