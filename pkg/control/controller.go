package control

import (
	"context"
	"math"
	"slices"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cryoscan/cryoscan/pkg/quantity"
)

// Controller drives one quantity of a device to a target and waits for it to
// settle. Only one Set may run at a time.
type Controller struct {
	q   quantity.Quantity
	dev Device

	// setMu is held for the whole duration of Set.
	setMu sync.Mutex

	mu         sync.Mutex
	last       Status
	hasLast    bool
	target     float64
	hasTarget  bool
	lastLogged Status
}

// New returns a controller for quantity q on dev.
func New(q quantity.Quantity, dev Device) *Controller {
	return &Controller{q: q, dev: dev}
}

// Quantity returns the controlled quantity.
func (c *Controller) Quantity() quantity.Quantity { return c.q }

// Supports reports whether the device can ramp in mode m.
func (c *Controller) Supports(m Mode) bool {
	return slices.Contains(c.dev.Modes(), m)
}

// LastValue returns the most recently polled value, and false if the device
// was never polled.
func (c *Controller) LastValue() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.Value, c.hasLast
}

// Target returns the last target accepted by the device.
func (c *Controller) Target() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target, c.hasTarget
}

// Set validates ramp, commands it and, if wait is set, blocks until policy
// reports the quantity stable. See the package errors for the failure modes.
func (c *Controller) Set(ctx context.Context, ramp RampSpec, policy StabilityPolicy, wait bool) error {
	if !c.setMu.TryLock() {
		return pkgerrors.Wrapf(ErrControllerBusy, "set %s", c.q.Name)
	}
	defer c.setMu.Unlock()

	if err := c.validate(ramp, policy, wait); err != nil {
		return err
	}

	log := logrus.WithFields(logrus.Fields{
		"quantity": c.q.Name,
		"target":   ramp.Target,
		"rate":     ramp.Rate,
		"mode":     ramp.Mode,
	})

	if ramp.Mode == ModeHold {
		log.Debug("hold requested, no setpoint issued")
		if !wait {
			_, err := c.Status(ctx)
			return err
		}
	} else {
		log.Infof("setting %s to %s at %g %s", c.q.Name, c.q.Format(ramp.Target), ramp.Rate, c.q.Kind.RateUnit())
		if err := c.dev.SetSetpoint(ctx, ramp.Target, ramp.Rate, ramp.Mode); err != nil {
			return &DeviceError{Quantity: c.q.Name, Op: "set setpoint", Err: err}
		}
		c.mu.Lock()
		c.target, c.hasTarget = ramp.Target, true
		c.mu.Unlock()
	}

	if !wait {
		return nil
	}

	return c.waitStable(ctx, ramp, policy, log)
}

func (c *Controller) validate(ramp RampSpec, policy StabilityPolicy, wait bool) error {
	if math.IsNaN(ramp.Target) || math.IsInf(ramp.Target, 0) {
		return pkgerrors.Wrapf(ErrInvalidRamp, "%s: target %g is not a number", c.q.Name, ramp.Target)
	}
	if !(ramp.Rate > 0) {
		return pkgerrors.Wrapf(ErrInvalidRamp, "%s: rate must be positive, got %g", c.q.Name, ramp.Rate)
	}
	if !c.Supports(ramp.Mode) {
		return pkgerrors.Wrapf(ErrInvalidRamp, "%s: mode %s not supported (supported: %v)", c.q.Name, ramp.Mode, c.dev.Modes())
	}
	if wait {
		if err := policy.Validate(); err != nil {
			return pkgerrors.Wrapf(ErrInvalidRamp, "%s: %v", c.q.Name, err)
		}
	}
	return nil
}

// Status polls the device once and records the reading as the last value.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	st, err := c.dev.Status(ctx)
	if err != nil {
		return Status{}, &DeviceError{Quantity: c.q.Name, Op: "read status", Err: err}
	}

	c.mu.Lock()
	c.last, c.hasLast = st, true
	c.mu.Unlock()

	return st, nil
}

func (c *Controller) waitStable(ctx context.Context, ramp RampSpec, policy StabilityPolicy, log *logrus.Entry) error {
	start := time.Now()
	ticker := time.NewTicker(policy.PollInterval)
	defer ticker.Stop()

	consecutive := 0
	for {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		if st.Fault != FaultNone {
			return &FaultError{Quantity: c.q.Name, Fault: st.Fault, Value: st.Value}
		}

		switch {
		case ramp.Mode == ModePersistent && (st.InMotion || !st.Persistent):
			// Readings only count once the persistent switch has closed.
			consecutive = 0
		case math.Abs(st.Value-ramp.Target) <= policy.Tolerance:
			consecutive++
		default:
			consecutive = 0
		}

		c.logStatus(log, st, consecutive)

		if consecutive >= policy.RequiredStableSamples {
			log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Infof("%s stable at %s", c.q.Name, c.q.Format(st.Value))
			return nil
		}

		if policy.Timeout > 0 && time.Since(start) >= policy.Timeout {
			return &StabilityTimeoutError{
				Quantity: c.q.Name,
				Target:   ramp.Target,
				Last:     st.Value,
				Elapsed:  time.Since(start),
			}
		}

		select {
		case <-ctx.Done():
			return pkgerrors.Wrapf(ctx.Err(), "waiting for %s to reach %g", c.q.Name, ramp.Target)
		case <-ticker.C:
		}
	}
}

// logStatus logs at debug level only when the reading changed.
func (c *Controller) logStatus(log *logrus.Entry, st Status, consecutive int) {
	entry := log.WithFields(logrus.Fields{
		"value":      st.Value,
		"inMotion":   st.InMotion,
		"status":     st.Detail,
		"stableRuns": consecutive,
	})

	c.mu.Lock()
	changed := c.lastLogged != st
	c.lastLogged = st
	c.mu.Unlock()

	if changed {
		entry.Debug("waiting for stability")
		return
	}
	entry.Trace("waiting for stability")
}
