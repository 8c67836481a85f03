// Package rig turns a run file into connected instruments and a fully
// resolved sequence plan. Every named property, action and channel is bound
// here, before any instrument is touched by the run.
package rig

import (
	"context"
	"slices"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/cryoscan/cryoscan/pkg/channel"
	"github.com/cryoscan/cryoscan/pkg/config"
	"github.com/cryoscan/cryoscan/pkg/control"
	"github.com/cryoscan/cryoscan/pkg/instrument"
	"github.com/cryoscan/cryoscan/pkg/quantity"
	"github.com/cryoscan/cryoscan/pkg/recorder"
	"github.com/cryoscan/cryoscan/pkg/scan"
	"github.com/cryoscan/cryoscan/pkg/sequence"
)

// Rig is the set of instruments a run drives.
type Rig struct {
	PPMS   *instrument.PPMS
	LockIn *instrument.SR830

	Temperature *control.Controller
	Field       *control.Controller

	// Sim is set when the rig is simulated.
	Sim *instrument.SimPPMS

	bus *instrument.Bus
}

// Open connects to the instruments described by c, or to simulators when
// c.Simulate.Enabled is set.
func Open(c *config.Config) (*Rig, error) {
	r := &Rig{}
	var ppmsConn, lockinConn instrument.Conn

	if c.Simulate.Enabled {
		r.Sim = instrument.NewSimPPMS(c.Simulate.Temperature, c.Simulate.Speedup)
		ppmsConn = r.Sim
		lockinConn = instrument.NewSimLockIn(r.Sim.Temperature)
		logrus.WithField("speedup", c.Simulate.Speedup).Warn("using simulated instruments")
	} else {
		bus, err := instrument.OpenBus(c.Bus.Port, c.Bus.Baud, c.Bus.Timeout)
		if err != nil {
			return nil, err
		}
		r.bus = bus
		ppms, err := bus.Device(c.Instruments.PPMS.Address)
		if err != nil {
			return nil, multierr.Append(err, bus.Close())
		}
		lockin, err := bus.Device(c.Instruments.LockIn.Address)
		if err != nil {
			return nil, multierr.Append(err, bus.Close())
		}
		ppmsConn, lockinConn = ppms, lockin
	}

	r.PPMS = instrument.NewPPMS(config.PPMS, ppmsConn)
	r.LockIn = instrument.NewSR830(config.LockIn, lockinConn)
	if c.Simulate.Enabled {
		r.LockIn.PollInterval = 10 * time.Millisecond
	}
	r.Temperature = control.New(quantity.New(config.Temperature, quantity.Temperature), r.PPMS.Temperature())
	r.Field = control.New(quantity.New(config.Field, quantity.Field), r.PPMS.Field())
	return r, nil
}

// Close returns the instruments to local control and releases the bus.
func (r *Rig) Close() error {
	if r.bus == nil {
		return nil
	}
	return r.bus.Close()
}

type device interface {
	channel.PropertyReader
	channel.Describer
	Do(ctx context.Context, action string) error
	Actions() []string
}

func (r *Rig) device(name string) (device, error) {
	switch name {
	case config.PPMS:
		return r.PPMS, nil
	case config.LockIn:
		return r.LockIn, nil
	}
	return nil, pkgerrors.Errorf("unknown instrument %q", name)
}

func (r *Rig) controller(name string) (*control.Controller, error) {
	switch name {
	case config.Temperature:
		return r.Temperature, nil
	case config.Field:
		return r.Field, nil
	}
	return nil, pkgerrors.Errorf("unknown quantity %q", name)
}

// Plan resolves the steps, scan and shutdown of c against the rig.
func (r *Rig) Plan(c *config.Config) (sequence.Plan, error) {
	plan := sequence.Plan{
		Shutdown: []sequence.ShutdownAction{{Name: config.PPMS, Fn: r.PPMS.Shutdown}},
	}

	for i, sc := range c.Steps {
		step, err := r.step(c, sc)
		if err != nil {
			return sequence.Plan{}, pkgerrors.Wrapf(err, "steps[%d]", i)
		}
		plan.Steps = append(plan.Steps, step)
	}

	if c.Scan != nil {
		s, err := r.scan(c)
		if err != nil {
			return sequence.Plan{}, pkgerrors.Wrap(err, "scan")
		}
		plan.Scan = s
	}
	return plan, nil
}

func (r *Rig) step(c *config.Config, sc config.StepConfig) (sequence.Step, error) {
	switch sc.Kind() {
	case "set":
		name, prop, err := config.SplitRef(sc.Set)
		if err != nil {
			return nil, err
		}
		if name != config.LockIn {
			return nil, pkgerrors.Errorf("%s has no writable properties", name)
		}
		if !slices.Contains(r.LockIn.Settings(), prop) {
			return nil, pkgerrors.Errorf("%s has no writable property %q (has %v)", name, prop, r.LockIn.Settings())
		}
		return sequence.WriteStep{Device: name, Target: r.LockIn, Property: prop, Value: sc.Value}, nil

	case "command":
		name, action, err := config.SplitRef(sc.Command)
		if err != nil {
			return nil, err
		}
		dev, err := r.device(name)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(dev.Actions(), action) {
			return nil, pkgerrors.Errorf("%s has no action %q (has %v)", name, action, dev.Actions())
		}
		return sequence.CommandStep{Device: name, Target: dev, Action: action}, nil

	case "setpoint":
		ctrl, err := r.controller(sc.Setpoint)
		if err != nil {
			return nil, err
		}
		target, err := toNative(ctrl, sc.Target, sc.Unit)
		if err != nil {
			return nil, err
		}
		rate, err := quantity.RateToNative(ctrl.Quantity().Kind, sc.Rate, sc.RateUnit)
		if err != nil {
			return nil, err
		}
		mode := control.ModeSweep
		if sc.Mode != "" {
			if mode, err = control.ParseMode(sc.Mode); err != nil {
				return nil, err
			}
		}
		return sequence.SetpointStep{
			Controller: ctrl,
			Ramp:       control.RampSpec{Target: target, Rate: rate, Mode: mode},
			Policy:     c.Stability.For(sc.Setpoint).Policy(),
			Wait:       sc.WaitOrDefault(),
		}, nil
	}
	return nil, pkgerrors.New("step has no action")
}

func (r *Rig) scan(c *config.Config) (*sequence.ScanStep, error) {
	sc := c.Scan
	ctrl, err := r.controller(sc.Quantity)
	if err != nil {
		return nil, err
	}

	spec := scan.Spec{
		Controller:     ctrl,
		StepSize:       sc.Step,
		SamplesPerStep: sc.SamplesPerStep,
		StatusGrace:    sc.StatusGrace,
	}
	if spec.Rate, err = quantity.RateToNative(ctrl.Quantity().Kind, sc.Rate, sc.RateUnit); err != nil {
		return nil, err
	}
	if spec.End, err = toNative(ctrl, sc.End, sc.Unit); err != nil {
		return nil, err
	}
	if sc.Start != nil {
		start, err := toNative(ctrl, *sc.Start, sc.Unit)
		if err != nil {
			return nil, err
		}
		spec.Start = &start
	}
	if spec.StepSize, err = toNative(ctrl, sc.Step, sc.Unit); err != nil {
		return nil, err
	}
	if spec.Start != nil && spec.StepSize > 0 {
		if _, err := scan.Steps(*spec.Start, spec.End, spec.StepSize); err != nil {
			return nil, err
		}
	}
	if sc.Mode != "" {
		if spec.Mode, err = control.ParseMode(sc.Mode); err != nil {
			return nil, err
		}
	}

	for _, name := range sc.Channels {
		ch, err := r.channel(name)
		if err != nil {
			return nil, err
		}
		spec.Channels = append(spec.Channels, ch)
	}

	opts := []recorder.Option{
		recorder.WithDelimiter(c.Record.Delimiter),
		recorder.WithPrecision(c.Record.Precision),
		recorder.WithTimeLayout(c.Record.TimeLayout),
		recorder.WithTable(c.Record.Table),
	}
	if c.Record.Overwrite {
		opts = append(opts, recorder.WithOverwrite())
	}

	return &sequence.ScanStep{
		Spec:    spec,
		Policy:  c.Stability.For(sc.Quantity).Policy(),
		Path:    c.Record.Path,
		Options: opts,
	}, nil
}

func (r *Rig) channel(name string) (channel.Channel, error) {
	if name == "timestamp" {
		return channel.Clock(name, nil), nil
	}
	devName, prop, err := config.SplitRef(name)
	if err != nil {
		return nil, err
	}
	dev, err := r.device(devName)
	if err != nil {
		return nil, err
	}
	return channel.Property(name, dev, prop)
}

func toNative(ctrl *control.Controller, v float64, unit string) (float64, error) {
	u, err := quantity.ParseUnit(unit)
	if err != nil {
		return 0, err
	}
	return quantity.ToNative(ctrl.Quantity().Kind, v, u)
}
