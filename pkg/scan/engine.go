// Package scan advances a setpoint while sampling a set of channels into a
// record.
package scan

import (
	"context"
	"math"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cryoscan/cryoscan/pkg/channel"
	"github.com/cryoscan/cryoscan/pkg/control"
)

// Appender receives complete rows. *recorder.Recorder satisfies it.
type Appender interface {
	Append(row []channel.Value) error
}

// Spec describes one scan.
type Spec struct {
	Controller *control.Controller
	// Start, if set, is reached and stabilized before the scan begins.
	// Stepped scans without Start begin at the controller's current value.
	Start *float64
	End   float64
	// Rate is in the controlled quantity's rate unit.
	Rate float64
	// StepSize of zero sweeps continuously from Start to End.
	StepSize float64
	// Mode used for each setpoint of a stepped scan. Continuous sweeps
	// always use control.ModeSweep.
	Mode control.Mode
	// SamplesPerStep rows are recorded at every setpoint of a stepped scan.
	// Zero means the policy's RequiredStableSamples.
	SamplesPerStep int
	// StatusGrace is the time after a sweep command during which the
	// device's "not in motion" report is not trusted.
	StatusGrace time.Duration
	Channels    []channel.Channel
	// OnRow, if set, is called after each successful append.
	OnRow func(n int, row []channel.Value)
}

// Progress is a snapshot of a running scan.
type Progress struct {
	Rows     int
	Setpoint float64
	Value    float64
	Running  bool
}

// Engine runs scans. The zero value is ready to use.
type Engine struct {
	mu       sync.Mutex
	progress Progress
}

// Progress returns the state of the current or last scan.
func (e *Engine) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// Scan runs spec, appending rows to rec. It returns the number of rows this
// call appended. Rows already appended stay in rec on every error; the
// caller owns rec and closes it.
func (e *Engine) Scan(ctx context.Context, spec Spec, rec Appender, policy control.StabilityPolicy) (int, error) {
	if spec.Controller == nil {
		return 0, pkgerrors.New("scan has no controller")
	}
	if len(spec.Channels) == 0 {
		return 0, pkgerrors.New("scan has no channels")
	}
	if err := channel.CheckUnique(spec.Channels); err != nil {
		return 0, err
	}
	if err := policy.Validate(); err != nil {
		return 0, pkgerrors.Wrap(control.ErrInvalidRamp, err.Error())
	}

	e.mu.Lock()
	e.progress = Progress{Setpoint: spec.End, Running: true}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.progress.Running = false
		e.mu.Unlock()
	}()

	r := &run{e: e, spec: spec, rec: rec, policy: policy}
	r.log = logrus.WithFields(logrus.Fields{
		"quantity": spec.Controller.Quantity().Name,
		"end":      spec.End,
		"rate":     spec.Rate,
	})

	var err error
	if spec.StepSize == 0 {
		err = r.sweep(ctx)
	} else {
		err = r.stepped(ctx)
	}

	r.log.WithField("rows", r.rows).Info("scan finished")
	return r.rows, err
}

type run struct {
	e      *Engine
	spec   Spec
	rec    Appender
	policy control.StabilityPolicy
	log    *logrus.Entry
	rows   int
}

func (r *run) sweep(ctx context.Context) error {
	ctrl := r.spec.Controller
	if r.spec.Start != nil {
		r.log.Infof("moving to scan start %s", ctrl.Quantity().Format(*r.spec.Start))
		ramp := control.RampSpec{Target: *r.spec.Start, Rate: r.spec.Rate, Mode: control.ModeSweep}
		if err := ctrl.Set(ctx, ramp, r.policy, true); err != nil {
			return pkgerrors.Wrap(err, "failed to reach scan start")
		}
	}

	ramp := control.RampSpec{Target: r.spec.End, Rate: r.spec.Rate, Mode: control.ModeSweep}
	if err := ctrl.Set(ctx, ramp, r.policy, false); err != nil {
		return pkgerrors.Wrap(err, "failed to start sweep")
	}
	commanded := time.Now()
	r.log.Info("sweep started")

	ticker := time.NewTicker(r.policy.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.sample(ctx); err != nil {
			return err
		}

		st, err := r.status(ctx)
		if err != nil {
			return err
		}
		if time.Since(commanded) >= r.spec.StatusGrace && !st.InMotion {
			if math.Abs(st.Value-r.spec.End) > r.policy.Tolerance {
				q := ctrl.Quantity()
				r.log.WithFields(logrus.Fields{
					"value":     st.Value,
					"tolerance": r.policy.Tolerance,
					"status":    st.Detail,
				}).Warnf("%s settled at %s, short of sweep end %s", q.Name, q.Format(st.Value), q.Format(r.spec.End))
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return pkgerrors.Wrapf(ctx.Err(), "sweep interrupted after %d rows", r.rows)
		case <-ticker.C:
		}
	}
}

func (r *run) stepped(ctx context.Context) error {
	ctrl := r.spec.Controller

	var start float64
	if r.spec.Start != nil {
		start = *r.spec.Start
	} else {
		st, err := ctrl.Status(ctx)
		if err != nil {
			return err
		}
		start = st.Value
	}

	setpoints, err := Steps(start, r.spec.End, r.spec.StepSize)
	if err != nil {
		return pkgerrors.Wrap(control.ErrInvalidRamp, err.Error())
	}

	samples := r.spec.SamplesPerStep
	if samples <= 0 {
		samples = r.policy.RequiredStableSamples
	}

	r.log.WithFields(logrus.Fields{
		"start":   start,
		"points":  len(setpoints),
		"samples": samples,
	}).Info("stepped scan started")

	for _, sp := range setpoints {
		r.e.mu.Lock()
		r.e.progress.Setpoint = sp
		r.e.mu.Unlock()

		ramp := control.RampSpec{Target: sp, Rate: r.spec.Rate, Mode: r.spec.Mode}
		if err := ctrl.Set(ctx, ramp, r.policy, true); err != nil {
			return pkgerrors.Wrapf(err, "failed to settle at setpoint %g", sp)
		}

		for i := 0; i < samples; i++ {
			if i > 0 {
				select {
				case <-ctx.Done():
					return pkgerrors.Wrapf(ctx.Err(), "stepped scan interrupted after %d rows", r.rows)
				case <-time.After(r.policy.PollInterval):
				}
			}
			if err := r.sample(ctx); err != nil {
				return err
			}
			if _, err := r.status(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// sample reads every channel in order and appends the row only when all reads
// succeeded.
func (r *run) sample(ctx context.Context) error {
	row := make([]channel.Value, len(r.spec.Channels))
	for i, ch := range r.spec.Channels {
		v, err := ch.Read(ctx)
		if err != nil {
			return err
		}
		row[i] = v
	}

	if err := r.rec.Append(row); err != nil {
		return pkgerrors.Wrapf(err, "failed to append row %d", r.rows+1)
	}
	r.rows++

	r.e.mu.Lock()
	r.e.progress.Rows++
	r.e.mu.Unlock()

	if r.spec.OnRow != nil {
		r.spec.OnRow(r.rows, row)
	}
	return nil
}

// status polls the controller after a row and turns a device fault into an
// error.
func (r *run) status(ctx context.Context) (control.Status, error) {
	ctrl := r.spec.Controller
	st, err := ctrl.Status(ctx)
	if err != nil {
		return st, err
	}

	r.e.mu.Lock()
	r.e.progress.Value = st.Value
	r.e.mu.Unlock()

	if st.Fault != control.FaultNone {
		r.log.WithFields(logrus.Fields{
			"fault": st.Fault,
			"rows":  r.rows,
		}).Error("device fault during scan")
		return st, &control.FaultError{Quantity: ctrl.Quantity().Name, Fault: st.Fault, Value: st.Value}
	}
	r.log.WithFields(logrus.Fields{
		"value":    st.Value,
		"inMotion": st.InMotion,
		"rows":     r.rows,
	}).Trace("scan status")
	return st, nil
}
