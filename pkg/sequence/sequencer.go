package sequence

import (
	"context"
	"errors"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/cryoscan/cryoscan/pkg/channel"
	"github.com/cryoscan/cryoscan/pkg/events"
	"github.com/cryoscan/cryoscan/pkg/scan"
)

// DefaultShutdownTimeout bounds the cleanup stage when none is configured.
const DefaultShutdownTimeout = 30 * time.Second

// Sequencer executes a Plan. A Sequencer runs one plan at a time.
type Sequencer struct {
	hub             *events.Hub
	engine          scan.Engine
	shutdownTimeout time.Duration

	runMu sync.Mutex

	mu     sync.Mutex
	status Status
	cancel context.CancelCauseFunc
}

// ErrAborted is the cause attached to a run stopped through Abort.
var ErrAborted = errors.New("run aborted by operator")

// New returns a Sequencer publishing to hub, which may be nil.
func New(hub *events.Hub, shutdownTimeout time.Duration) *Sequencer {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &Sequencer{
		hub:             hub,
		shutdownTimeout: shutdownTimeout,
		status:          Status{Phase: PhaseIdle},
	}
}

// Status returns a snapshot of the current or last run.
func (s *Sequencer) Status() Status {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()

	if st.Phase == PhaseScan {
		p := s.engine.Progress()
		st.Setpoint, st.Value = p.Setpoint, p.Value
	}
	st.CanAbort = !st.Phase.Finished() && st.Phase != PhaseIdle && st.Phase != PhaseShutdown
	return st
}

// Abort cancels the run in progress. It reports false if nothing is running
// or the run is already shutting down.
func (s *Sequencer) Abort() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil || s.status.Phase == PhaseShutdown || s.status.Phase.Finished() {
		return false
	}
	s.cancel(ErrAborted)
	return true
}

// Run executes plan. Shutdown runs exactly once on every path, including
// cancellation of ctx. The first error of the run is
// returned; shutdown errors are returned only if the run itself succeeded.
func (s *Sequencer) Run(ctx context.Context, plan Plan) (err error) {
	if !s.runMu.TryLock() {
		return pkgerrors.New("a run is already in progress")
	}
	defer s.runMu.Unlock()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	runID := xid.New().String()
	s.mu.Lock()
	s.status = Status{RunID: runID, Phase: PhaseIdle, StartedAt: time.Now()}
	s.cancel = cancel
	s.mu.Unlock()

	log := logrus.WithField("run", runID)
	log.WithFields(logrus.Fields{
		"steps": len(plan.Steps),
		"scan":  plan.Scan != nil,
	}).Info("run started")

	var shutdownOnce sync.Once
	defer func() {
		var serr error
		shutdownOnce.Do(func() {
			s.setPhase(PhaseShutdown, "", "shutting down instruments")
			serr = s.shutdown(ctx, plan.Shutdown, log)
		})

		switch {
		case err == nil && serr != nil:
			err = serr
		case err != nil && serr != nil:
			log.WithError(serr).Error("shutdown failed after run error; reporting the run error")
		}
		if err != nil && errors.Is(err, context.Canceled) && errors.Is(context.Cause(ctx), ErrAborted) {
			err = multierr.Append(err, ErrAborted)
		}
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		s.finish(err, log)
	}()

	for _, step := range plan.Steps {
		s.setPhase(step.Phase(), step.String(), step.String())
		log.WithField("step", step.String()).Info("running step")

		if err := step.Run(ctx); err != nil {
			return pkgerrors.Wrapf(err, "step %q failed", step.String())
		}
		if sp, ok := step.(SetpointStep); ok && sp.Wait {
			s.publishSetpoint(sp)
		}
	}

	if plan.Scan != nil {
		return s.runScan(ctx, plan.Scan, log)
	}
	return nil
}

func (s *Sequencer) runScan(ctx context.Context, step *ScanStep, log *logrus.Entry) (err error) {
	rec, err := step.open()
	if err != nil {
		return pkgerrors.Wrap(err, "failed to open record")
	}
	defer func() {
		if cerr := rec.Close(); cerr != nil {
			if err == nil {
				err = cerr
			} else {
				log.WithError(cerr).Error("failed to close record")
			}
		}
	}()

	s.mu.Lock()
	s.status.RecordPath = rec.Path()
	s.mu.Unlock()
	s.setPhase(PhaseScan, "scan", "recording to "+rec.Path())

	spec := step.Spec
	columns := rec.Columns()
	onRow := spec.OnRow
	spec.OnRow = func(n int, row []channel.Value) {
		s.mu.Lock()
		s.status.Rows = n
		s.mu.Unlock()
		if s.hub.Subscribers() > 0 {
			values := make([]string, len(row))
			for i, v := range row {
				values[i] = v.String()
			}
			s.hub.Publish(events.ScanRow, events.RowEvent{Row: n, Columns: columns, Values: values, Ts: time.Now().Unix()})
		}
		if onRow != nil {
			onRow(n, row)
		}
	}

	n, err := s.engine.Scan(ctx, spec, rec, step.Policy)
	log.WithField("rows", n).Info("scan returned")
	if err != nil {
		return pkgerrors.Wrapf(err, "scan failed after %d rows", n)
	}
	return nil
}

// shutdown runs every action even if some fail. It uses a context that
// survives cancellation of the run.
func (s *Sequencer) shutdown(parent context.Context, actions []ShutdownAction, log *logrus.Entry) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.shutdownTimeout)
	defer cancel()

	var err error
	for _, a := range actions {
		log.WithField("instrument", a.Name).Info("shutting down")
		if aerr := a.Fn(ctx); aerr != nil {
			log.WithError(aerr).WithField("instrument", a.Name).Error("shutdown failed")
			err = multierr.Append(err, pkgerrors.Wrapf(aerr, "failed to shut down %s", a.Name))
		}
	}
	return err
}

func (s *Sequencer) finish(err error, log *logrus.Entry) {
	switch {
	case err == nil:
		s.setPhase(PhaseDone, "", "run completed")
		log.Info("run completed")
	case errors.Is(err, context.Canceled):
		s.setError(PhaseAborted, err)
		log.WithError(err).Warn("run aborted")
	default:
		s.setError(PhaseFailed, err)
		log.WithError(err).Error("run failed")
	}
}

func (s *Sequencer) setPhase(to Phase, step, msg string) {
	s.mu.Lock()
	from := s.status.Phase
	s.status.Phase = to
	s.status.Step = step
	if to.Finished() {
		s.status.EndedAt = time.Now()
	}
	s.mu.Unlock()

	if from != to {
		s.hub.Publish(events.RunPhase, events.PhaseEvent{
			From:    string(from),
			To:      string(to),
			Message: msg,
			Ts:      time.Now().Unix(),
		})
	}
}

func (s *Sequencer) setError(to Phase, err error) {
	s.mu.Lock()
	s.status.LastError = err.Error()
	s.mu.Unlock()
	s.setPhase(to, "", err.Error())
}

func (s *Sequencer) publishSetpoint(sp SetpointStep) {
	v, _ := sp.Controller.LastValue()
	s.hub.Publish(events.SetpointReached, events.SetpointEvent{
		Quantity: sp.Controller.Quantity().Name,
		Target:   sp.Ramp.Target,
		Value:    v,
		Ts:       time.Now().Unix(),
	})
}
