package instrument

import (
	"context"
	"fmt"
	"slices"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cryoscan/cryoscan/pkg/control"
)

// PPMS is a Quantum Design PPMS Model 6000 controller. Temperatures are in K
// with rates in K/min; fields are in Oe with rates in Oe/s.
type PPMS struct {
	name string
	conn Conn
}

// NewPPMS binds a PPMS on conn.
func NewPPMS(name string, conn Conn) *PPMS {
	return &PPMS{name: name, conn: conn}
}

func (p *PPMS) Name() string { return p.name }

// GETDAT? item mask: bit 0 is the status word, bit 1 the temperature and bit
// 2 the field. The reply is "mask,timestamp,status,temperature,field".
const getdatMask = 1<<0 | 1<<1 | 1<<2

// Data is one GETDAT? reading.
type Data struct {
	Timestamp   float64
	Status      uint16
	Temperature float64
	Field       float64
}

// TemperatureStatus returns the temperature nibble of the status word.
func (d Data) TemperatureStatus() TemperatureStatus {
	return TemperatureStatus(d.Status & 0xf)
}

// MagnetStatus returns the magnet nibble of the status word.
func (d Data) MagnetStatus() MagnetStatus {
	return MagnetStatus((d.Status >> 4) & 0xf)
}

// Data reads the status word, temperature and field in one exchange.
func (p *PPMS) Data(ctx context.Context) (Data, error) {
	cmd := fmt.Sprintf("GETDAT? %d", getdatMask)
	resp, err := p.conn.Query(ctx, cmd)
	if err != nil {
		return Data{}, &DeviceError{Device: p.name, Op: cmd, Err: err}
	}
	f, err := splitFloats(resp, 5)
	if err != nil {
		return Data{}, &DeviceError{Device: p.name, Op: cmd, Err: err}
	}
	if int(f[0]) != getdatMask {
		return Data{}, &DeviceError{Device: p.name, Op: cmd, Err: pkgerrors.Errorf("unexpected item mask in %q", resp)}
	}
	return Data{
		Timestamp:   f[1],
		Status:      uint16(f[2]),
		Temperature: f[3],
		Field:       f[4],
	}, nil
}

var ppmsProperties = []string{"temperature", "field", "status"}

// Properties lists the readable properties.
func (p *PPMS) Properties() []string { return slices.Clone(ppmsProperties) }

// Read returns the temperature (K), field (Oe) or raw status word.
func (p *PPMS) Read(ctx context.Context, property string) (float64, error) {
	d, err := p.Data(ctx)
	if err != nil {
		return 0, err
	}
	switch property {
	case "temperature":
		return d.Temperature, nil
	case "field":
		return d.Field, nil
	case "status":
		return float64(d.Status), nil
	}
	return 0, &DeviceError{Device: p.name, Op: "read " + property, Err: pkgerrors.Wrap(ErrRejected, "unknown property")}
}

// Actions lists the commands Do accepts.
func (p *PPMS) Actions() []string { return []string{"shutdown"} }

// Do runs a named action.
func (p *PPMS) Do(ctx context.Context, action string) error {
	switch action {
	case "shutdown":
		return p.Shutdown(ctx)
	}
	return &DeviceError{Device: p.name, Op: action, Err: pkgerrors.Wrap(ErrRejected, "unknown action")}
}

// Shutdown puts the PPMS into standby.
func (p *PPMS) Shutdown(ctx context.Context) error {
	logrus.WithField("device", p.name).Info("putting PPMS into standby")
	if err := p.conn.Command(ctx, "SHUTDOWN"); err != nil {
		return &DeviceError{Device: p.name, Op: "SHUTDOWN", Err: err}
	}
	return nil
}

// Temperature returns the temperature control of the PPMS.
func (p *PPMS) Temperature() control.Device { return ppmsTemperature{p} }

// Field returns the magnet control of the PPMS.
func (p *PPMS) Field() control.Device { return ppmsField{p} }

type ppmsTemperature struct{ p *PPMS }

// Approach 0 is "fast settle".
func (t ppmsTemperature) SetSetpoint(ctx context.Context, target, rate float64, mode control.Mode) error {
	if mode != control.ModeSweep {
		return pkgerrors.Wrapf(ErrRejected, "temperature cannot ramp in %s mode", mode)
	}
	cmd := fmt.Sprintf("TEMP %g,%g,0", target, rate)
	if err := t.p.conn.Command(ctx, cmd); err != nil {
		return &DeviceError{Device: t.p.name, Op: cmd, Err: err}
	}
	return nil
}

func (t ppmsTemperature) Status(ctx context.Context) (control.Status, error) {
	d, err := t.p.Data(ctx)
	if err != nil {
		return control.Status{}, err
	}
	s := d.TemperatureStatus()
	st := control.Status{
		Value:    d.Temperature,
		InMotion: !s.Settled(),
		Detail:   s.String(),
	}
	if s.Fault() {
		st.Fault = control.Fault("temperature " + s.String())
	}
	return st, nil
}

func (ppmsTemperature) Modes() []control.Mode {
	return []control.Mode{control.ModeSweep, control.ModeHold}
}

type ppmsField struct{ p *PPMS }

// Approach 0 is linear. Magnet mode 0 is persistent, 1 is driven.
func (f ppmsField) SetSetpoint(ctx context.Context, target, rate float64, mode control.Mode) error {
	var magnetMode int
	switch mode {
	case control.ModePersistent:
		magnetMode = 0
	case control.ModeSweep:
		magnetMode = 1
	default:
		return pkgerrors.Wrapf(ErrRejected, "field cannot ramp in %s mode", mode)
	}
	cmd := fmt.Sprintf("FIELD %g,%g,0,%d", target, rate, magnetMode)
	if err := f.p.conn.Command(ctx, cmd); err != nil {
		return &DeviceError{Device: f.p.name, Op: cmd, Err: err}
	}
	return nil
}

func (f ppmsField) Status(ctx context.Context) (control.Status, error) {
	d, err := f.p.Data(ctx)
	if err != nil {
		return control.Status{}, err
	}
	s := d.MagnetStatus()
	st := control.Status{
		Value:      d.Field,
		InMotion:   !s.Settled(),
		Persistent: s == MagnetPersistent,
		Detail:     s.String(),
	}
	if s.Fault() {
		st.Fault = control.Fault("magnet " + s.String())
	}
	return st, nil
}

func (ppmsField) Modes() []control.Mode {
	return []control.Mode{control.ModeSweep, control.ModePersistent, control.ModeHold}
}

// TemperatureStatus is the temperature nibble of the PPMS status word.
type TemperatureStatus uint8

const (
	TempUnknown      TemperatureStatus = 0
	TempStable       TemperatureStatus = 1
	TempTracking     TemperatureStatus = 2
	TempNear         TemperatureStatus = 5
	TempChasing      TemperatureStatus = 6
	TempPotOperation TemperatureStatus = 7
	TempStandby      TemperatureStatus = 10
	TempDiagnostic   TemperatureStatus = 11
	TempControlError TemperatureStatus = 12
	TempFailure      TemperatureStatus = 15
)

var temperatureStatusNames = map[TemperatureStatus]string{
	TempUnknown:      "unknown",
	TempStable:       "stable",
	TempTracking:     "tracking",
	TempNear:         "near",
	TempChasing:      "chasing",
	TempPotOperation: "pot operation",
	TempStandby:      "standby",
	TempDiagnostic:   "diagnostic",
	TempControlError: "impedance control error",
	TempFailure:      "failure",
}

func (s TemperatureStatus) String() string {
	if n, ok := temperatureStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status %d", uint8(s))
}

func (s TemperatureStatus) Settled() bool { return s == TempStable || s == TempStandby }

func (s TemperatureStatus) Fault() bool { return s == TempControlError || s == TempFailure }

// MagnetStatus is the magnet nibble of the PPMS status word.
type MagnetStatus uint8

const (
	MagnetUnknown       MagnetStatus = 0
	MagnetPersistent    MagnetStatus = 1
	MagnetSwitchWarming MagnetStatus = 2
	MagnetSwitchCooling MagnetStatus = 3
	MagnetDriven        MagnetStatus = 4
	MagnetFinalApproach MagnetStatus = 5
	MagnetCharging      MagnetStatus = 6
	MagnetDischarging   MagnetStatus = 7
	MagnetCurrentError  MagnetStatus = 8
	MagnetFailure       MagnetStatus = 15
)

var magnetStatusNames = map[MagnetStatus]string{
	MagnetUnknown:       "unknown",
	MagnetPersistent:    "persistent",
	MagnetSwitchWarming: "switch warming",
	MagnetSwitchCooling: "switch cooling",
	MagnetDriven:        "driven",
	MagnetFinalApproach: "final approach",
	MagnetCharging:      "charging",
	MagnetDischarging:   "discharging",
	MagnetCurrentError:  "current error",
	MagnetFailure:       "failure",
}

func (s MagnetStatus) String() string {
	if n, ok := magnetStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status %d", uint8(s))
}

func (s MagnetStatus) Settled() bool { return s == MagnetPersistent || s == MagnetDriven }

func (s MagnetStatus) Fault() bool { return s == MagnetCurrentError || s == MagnetFailure }

// statusWord assembles a status word; used by the simulator.
func statusWord(t TemperatureStatus, m MagnetStatus) uint16 {
	return uint16(t) | uint16(m)<<4
}
