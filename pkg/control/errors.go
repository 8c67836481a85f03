package control

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRamp is returned before any device write when a RampSpec or
	// StabilityPolicy cannot be honored.
	ErrInvalidRamp = errors.New("invalid ramp")
	// ErrControllerBusy is returned when Set is called while another Set on
	// the same controller is still running.
	ErrControllerBusy = errors.New("controller busy")
	// ErrStabilityTimeout matches any *StabilityTimeoutError.
	ErrStabilityTimeout = errors.New("stability timeout")
	// ErrControllerFault matches any *FaultError.
	ErrControllerFault = errors.New("controller fault")
	// ErrDevice matches any *DeviceError.
	ErrDevice = errors.New("device error")
)

// StabilityTimeoutError reports a quantity that did not settle in time. The
// device is left at the last commanded target.
type StabilityTimeoutError struct {
	Quantity string
	Target   float64
	Last     float64
	Elapsed  time.Duration
}

func (e *StabilityTimeoutError) Error() string {
	return fmt.Sprintf("%s did not stabilize at %g within %s (last value %g)", e.Quantity, e.Target, e.Elapsed.Round(time.Millisecond), e.Last)
}

func (e *StabilityTimeoutError) Is(target error) bool { return target == ErrStabilityTimeout }

// FaultError reports a fault raised by the device itself.
type FaultError struct {
	Quantity string
	Fault    Fault
	Value    float64
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s reported fault %q at %g", e.Quantity, e.Fault, e.Value)
}

func (e *FaultError) Is(target error) bool { return target == ErrControllerFault }

// DeviceError wraps a communication or hardware failure.
type DeviceError struct {
	Quantity string
	Op       string
	Err      error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Quantity, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

func (e *DeviceError) Is(target error) bool { return target == ErrDevice }
