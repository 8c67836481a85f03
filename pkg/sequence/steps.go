package sequence

import (
	"context"
	"fmt"

	pkgerrors "github.com/pkg/errors"

	"github.com/cryoscan/cryoscan/pkg/channel"
	"github.com/cryoscan/cryoscan/pkg/control"
	"github.com/cryoscan/cryoscan/pkg/recorder"
	"github.com/cryoscan/cryoscan/pkg/scan"
)

// Step is one action of a run before the scan.
type Step interface {
	Phase() Phase
	String() string
	Run(ctx context.Context) error
}

// Commander runs named device actions such as a lock-in auto gain.
type Commander interface {
	Do(ctx context.Context, action string) error
}

// WriteStep sets one instrument property.
type WriteStep struct {
	Device   string
	Target   channel.PropertyWriter
	Property string
	Value    string
}

func (s WriteStep) Phase() Phase { return PhaseConfigure }

func (s WriteStep) String() string {
	return fmt.Sprintf("set %s.%s = %s", s.Device, s.Property, s.Value)
}

func (s WriteStep) Run(ctx context.Context) error {
	if err := s.Target.Write(ctx, s.Property, s.Value); err != nil {
		return &ConfigurationError{Device: s.Device, Property: s.Property, Value: s.Value, Err: err}
	}
	return nil
}

// CommandStep runs a device action.
type CommandStep struct {
	Device string
	Target Commander
	Action string
}

func (s CommandStep) Phase() Phase { return PhaseConfigure }

func (s CommandStep) String() string { return fmt.Sprintf("%s %s", s.Device, s.Action) }

func (s CommandStep) Run(ctx context.Context) error {
	return pkgerrors.Wrapf(s.Target.Do(ctx, s.Action), "failed to run %s on %s", s.Action, s.Device)
}

// SetpointStep moves a quantity to a target.
type SetpointStep struct {
	Controller *control.Controller
	Ramp       control.RampSpec
	Policy     control.StabilityPolicy
	Wait       bool
}

func (s SetpointStep) Phase() Phase { return PhaseSetpoint }

func (s SetpointStep) String() string {
	q := s.Controller.Quantity()
	return fmt.Sprintf("%s -> %s at %g %s (%s)", q.Name, q.Format(s.Ramp.Target), s.Ramp.Rate, q.Kind.RateUnit(), s.Ramp.Mode)
}

func (s SetpointStep) Run(ctx context.Context) error {
	return s.Controller.Set(ctx, s.Ramp, s.Policy, s.Wait)
}

// ScanStep is the recorded scan that ends a run.
type ScanStep struct {
	Spec   scan.Spec
	Policy control.StabilityPolicy
	// Path and Options are passed to recorder.Open. Sink, if set, is used
	// instead of a file.
	Path    string
	Options []recorder.Option
	Sink    recorder.RowWriter
}

func (s *ScanStep) open() (*recorder.Recorder, error) {
	columns := channel.Names(s.Spec.Channels)
	if s.Sink != nil {
		return recorder.New(s.Sink, columns)
	}
	return recorder.Open(s.Path, columns, s.Options...)
}

// ShutdownAction puts one instrument into a safe state.
type ShutdownAction struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Plan is a fully resolved run.
type Plan struct {
	Steps    []Step
	Scan     *ScanStep
	Shutdown []ShutdownAction
}
