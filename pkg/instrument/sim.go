package instrument

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SimPPMS answers the PPMS command set from a simple physical model:
// temperature and field ramp linearly at the commanded rates and the magnet
// spends SwitchTime heating or cooling its persistent switch. Simulated time
// runs speedup times faster than the clock.
type SimPPMS struct {
	mu sync.Mutex

	now        func() time.Time
	speedup    float64
	last       time.Time
	elapsed    float64 // simulated seconds since creation
	SwitchTime time.Duration

	temp, tempTarget, tempRate    float64
	field, fieldTarget, fieldRate float64
	persistent                    bool
	// switchUntil is the simulated time the persistent switch transition
	// ends; switchHeating tells the direction.
	switchUntil   float64
	switchHeating bool
	standby       bool
	tempFault     TemperatureStatus
	magnetFault   MagnetStatus

	commands []string
}

// NewSimPPMS returns a PPMS simulator at temperature temp (K) and zero field,
// persistent and stable.
func NewSimPPMS(temp, speedup float64) *SimPPMS {
	if speedup <= 0 {
		speedup = 1
	}
	return &SimPPMS{
		now:        time.Now,
		speedup:    speedup,
		last:       time.Now(),
		SwitchTime: 10 * time.Second,
		temp:       temp,
		tempTarget: temp,
		tempRate:   1,
		persistent: true,
	}
}

// SetClock replaces the time source. Used by tests to step time by hand.
func (s *SimPPMS) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	s.last = now()
}

// InjectFault makes the next status reports carry a failure code.
func (s *SimPPMS) InjectFault(temperature bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if temperature {
		s.tempFault = TempFailure
	} else {
		s.magnetFault = MagnetFailure
	}
}

// Commands returns every command received, in order.
func (s *SimPPMS) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Temperature returns the simulated sample temperature.
func (s *SimPPMS) Temperature() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.temp
}

func (s *SimPPMS) Command(ctx context.Context, cmd string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.commands = append(s.commands, cmd)

	name, args := splitCommand(cmd)
	switch name {
	case "TEMP":
		v, err := parseArgs(args, 3)
		if err != nil {
			return err
		}
		if v[1] <= 0 {
			return pkgerrors.Errorf("bad temperature rate %g", v[1])
		}
		s.tempTarget, s.tempRate = v[0], v[1]
		s.standby = false
	case "FIELD":
		v, err := parseArgs(args, 4)
		if err != nil {
			return err
		}
		if v[1] <= 0 {
			return pkgerrors.Errorf("bad field rate %g", v[1])
		}
		if s.persistent && s.switchUntil <= s.elapsed {
			s.switchUntil = s.elapsed + s.SwitchTime.Seconds()
			s.switchHeating = true
		}
		s.fieldTarget, s.fieldRate = v[0], v[1]
		s.persistent = v[3] == 0
		s.standby = false
	case "SHUTDOWN":
		s.standby = true
		s.tempTarget = s.temp
	default:
		return pkgerrors.Errorf("unknown command %q", cmd)
	}

	logrus.WithField("cmd", cmd).Trace("simulated PPMS command")
	return nil
}

func (s *SimPPMS) Query(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()

	name, args := splitCommand(cmd)
	switch name {
	case "GETDAT?":
		if strings.TrimSpace(args) != strconv.Itoa(getdatMask) {
			return "", pkgerrors.Errorf("unsupported GETDAT? mask %q", args)
		}
		word := statusWord(s.temperatureStatus(), s.magnetStatus())
		return fmt.Sprintf("%d,%.3f,%d,%g,%g", getdatMask, s.elapsed, word, s.temp, s.field), nil
	case "TEMP?":
		return fmt.Sprintf("%g,%g,0", s.tempTarget, s.tempRate), nil
	case "FIELD?":
		mode := 1
		if s.persistent {
			mode = 0
		}
		return fmt.Sprintf("%g,%g,0,%d", s.fieldTarget, s.fieldRate, mode), nil
	}
	return "", pkgerrors.Errorf("unknown query %q", cmd)
}

// advance moves the model to the current time. s.mu must be held.
func (s *SimPPMS) advance() {
	now := s.now()
	dt := now.Sub(s.last).Seconds() * s.speedup
	s.last = now
	if dt <= 0 {
		return
	}
	start := s.elapsed
	s.elapsed += dt

	if !s.standby {
		s.temp = approach(s.temp, s.tempTarget, s.tempRate/60*dt)
	}

	// The magnet only ramps once its switch is warm.
	rampFrom := math.Max(start, math.Min(s.switchUntil, s.elapsed))
	if s.switchHeating && s.switchUntil <= s.elapsed {
		s.switchHeating = false
	}
	if !s.switchHeating {
		before := s.field
		s.field = approach(s.field, s.fieldTarget, s.fieldRate*(s.elapsed-rampFrom))
		if before != s.fieldTarget && s.field == s.fieldTarget && s.persistent {
			s.switchUntil = s.elapsed + s.SwitchTime.Seconds()
		}
	}
}

func approach(v, target, step float64) float64 {
	if step <= 0 {
		return v
	}
	if math.Abs(target-v) <= step {
		return target
	}
	if target > v {
		return v + step
	}
	return v - step
}

func (s *SimPPMS) temperatureStatus() TemperatureStatus {
	switch {
	case s.tempFault != 0:
		return s.tempFault
	case s.standby:
		return TempStandby
	case s.temp == s.tempTarget:
		return TempStable
	case math.Abs(s.temp-s.tempTarget) < 0.5:
		return TempNear
	}
	return TempTracking
}

func (s *SimPPMS) magnetStatus() MagnetStatus {
	switch {
	case s.magnetFault != 0:
		return s.magnetFault
	case s.switchHeating:
		return MagnetSwitchWarming
	case s.field != s.fieldTarget && math.Abs(s.fieldTarget) >= math.Abs(s.field):
		return MagnetCharging
	case s.field != s.fieldTarget:
		return MagnetDischarging
	case s.persistent && s.switchUntil > s.elapsed:
		return MagnetSwitchCooling
	case s.persistent:
		return MagnetPersistent
	}
	return MagnetDriven
}

// SimLockIn answers the SR830 command set. Its signal follows a resistance
// that rises as the source temperature drops.
type SimLockIn struct {
	mu        sync.Mutex
	source    func() float64
	frequency float64
	amplitude float64
	reserve   int
	timeConst int
	sense     int
	busyPolls int
	commands  []string
}

// NewSimLockIn returns a lock-in simulator whose sample sits at the
// temperature reported by source.
func NewSimLockIn(source func() float64) *SimLockIn {
	return &SimLockIn{
		source:    source,
		frequency: 1000,
		amplitude: 0.004,
		reserve:   1,
		timeConst: 8,
		sense:     26,
	}
}

// Commands returns every command received, in order.
func (l *SimLockIn) Commands() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.commands...)
}

func (l *SimLockIn) Command(ctx context.Context, cmd string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commands = append(l.commands, cmd)

	name, args := splitCommand(cmd)
	switch name {
	case "FREQ", "SLVL":
		v, err := parseArgs(args, 1)
		if err != nil {
			return err
		}
		if name == "FREQ" {
			l.frequency = v[0]
		} else {
			l.amplitude = v[0]
		}
	case "RMOD", "OFLT", "SENS":
		i, err := strconv.Atoi(strings.TrimSpace(args))
		if err != nil {
			return pkgerrors.Wrapf(err, "bad argument to %s", name)
		}
		switch name {
		case "RMOD":
			l.reserve = i
		case "OFLT":
			l.timeConst = i
		default:
			l.sense = i
		}
	case "AGAN", "APHS", "ARSV":
		// Report busy for a couple of serial polls.
		l.busyPolls = 2
	default:
		return pkgerrors.Errorf("unknown command %q", cmd)
	}
	return nil
}

func (l *SimLockIn) Query(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	name, args := splitCommand(cmd)
	switch name {
	case "OUTP?":
		x, y := l.signal()
		switch strings.TrimSpace(args) {
		case "1":
			return strconv.FormatFloat(x, 'e', 6, 64), nil
		case "2":
			return strconv.FormatFloat(y, 'e', 6, 64), nil
		case "3":
			return strconv.FormatFloat(math.Hypot(x, y), 'e', 6, 64), nil
		case "4":
			return strconv.FormatFloat(math.Atan2(y, x)*180/math.Pi, 'f', 3, 64), nil
		}
	case "FREQ?":
		return strconv.FormatFloat(l.frequency, 'g', -1, 64), nil
	case "SLVL?":
		return strconv.FormatFloat(l.amplitude, 'g', -1, 64), nil
	case "RMOD?":
		return strconv.Itoa(l.reserve), nil
	case "OFLT?":
		return strconv.Itoa(l.timeConst), nil
	case "SENS?":
		return strconv.Itoa(l.sense), nil
	case "*STB?":
		if l.busyPolls > 0 {
			l.busyPolls--
			return "0", nil
		}
		return "1", nil
	}
	return "", pkgerrors.Errorf("unknown query %q", cmd)
}

// signal returns X and Y in volts for a 100 ohm sample whose resistance grows
// as 1/T at low temperature, measured through a 1 kohm series resistor.
func (l *SimLockIn) signal() (x, y float64) {
	t := 300.0
	if l.source != nil {
		t = l.source()
	}
	r := 100 * (1 + 10/(t+1))
	current := l.amplitude / 1000
	x = current * r
	// A small quadrature part from cable capacitance.
	y = x * 2 * math.Pi * l.frequency * 1e-9 * r
	return x, y
}

func splitCommand(cmd string) (name, args string) {
	cmd = strings.TrimSpace(cmd)
	name, args, _ = strings.Cut(cmd, " ")
	return strings.ToUpper(name), args
}

func parseArgs(args string, n int) ([]float64, error) {
	parts := strings.Split(args, ",")
	if len(parts) != n {
		return nil, pkgerrors.Errorf("expected %d arguments, got %q", n, args)
	}
	out := make([]float64, n)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "argument %d", i)
		}
		out[i] = f
	}
	return out, nil
}
