// Package quantity defines the physical quantities cryoscan controls and the
// single place where user-facing units are converted into the units the PPMS
// speaks natively (Kelvin for temperature, Oersted for field).
package quantity

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Unit is a physical unit accepted in run files.
type Unit string

const (
	Kelvin     Unit = "K"
	Oersted    Unit = "Oe"
	Millitesla Unit = "mT"
	Tesla      Unit = "T"
	Volt       Unit = "V"
	None       Unit = ""
)

// Kind identifies which physical quantity a value belongs to.
type Kind string

const (
	Temperature Kind = "temperature"
	Field       Kind = "field"
)

// NativeUnit returns the unit the PPMS expects for the given kind.
func (k Kind) NativeUnit() Unit {
	switch k {
	case Temperature:
		return Kelvin
	case Field:
		return Oersted
	}
	return None
}

// RateUnit describes the rate unit used for ramps of this kind.
func (k Kind) RateUnit() string {
	switch k {
	case Temperature:
		return "K/min"
	case Field:
		return "Oe/s"
	}
	return ""
}

// ratePeriod is the time base of RateUnit.
func (k Kind) ratePeriod() time.Duration {
	if k == Temperature {
		return time.Minute
	}
	return time.Second
}

// ParseUnit parses a unit name. Matching is case-insensitive except for the
// m/M prefix, which only appears in "mT".
func ParseUnit(s string) (Unit, error) {
	switch strings.TrimSpace(s) {
	case "":
		return None, nil
	case "mT", "millitesla":
		return Millitesla, nil
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "k", "kelvin":
		return Kelvin, nil
	case "oe", "oersted":
		return Oersted, nil
	case "t", "tesla":
		return Tesla, nil
	case "v", "volt":
		return Volt, nil
	}
	return None, errors.Errorf("unknown unit %q", s)
}

// 1 Oe = 0.1 mT = 1e-4 T.
const (
	oerstedPerMillitesla = 10.0
	oerstedPerTesla      = 10000.0
)

// ToNative converts v, given in unit u, into the native unit of kind k.
// An empty unit means the value is already native.
func ToNative(k Kind, v float64, u Unit) (float64, error) {
	if u == None || u == k.NativeUnit() {
		return v, nil
	}
	switch k {
	case Field:
		switch u {
		case Tesla:
			return v * oerstedPerTesla, nil
		case Millitesla:
			return v * oerstedPerMillitesla, nil
		}
	case Temperature:
		// Only Kelvin is meaningful at cryogenic setpoints.
	}
	return 0, errors.Errorf("cannot express %s in %s", k, u)
}

// ParseRateUnit parses a rate unit such as "K/min", "mT/s" or "T/h".
func ParseRateUnit(s string) (Unit, time.Duration, error) {
	num, per, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return None, 0, errors.Errorf("rate unit %q must look like <unit>/<s|min|h>", s)
	}
	u, err := ParseUnit(num)
	if err != nil {
		return None, 0, err
	}
	if u == None {
		return None, 0, errors.Errorf("rate unit %q has no unit", s)
	}
	switch strings.ToLower(strings.TrimSpace(per)) {
	case "s", "sec":
		return u, time.Second, nil
	case "min":
		return u, time.Minute, nil
	case "h", "hr":
		return u, time.Hour, nil
	}
	return None, 0, errors.Errorf("unknown time base in rate unit %q", s)
}

// RateToNative converts rate, given in the rate unit s, into RateUnit of
// kind k. An empty s means the rate is already native.
func RateToNative(k Kind, rate float64, s string) (float64, error) {
	if strings.TrimSpace(s) == "" {
		return rate, nil
	}
	u, per, err := ParseRateUnit(s)
	if err != nil {
		return 0, err
	}
	v, err := ToNative(k, rate, u)
	if err != nil {
		return 0, err
	}
	return v * float64(k.ratePeriod()) / float64(per), nil
}

// FromNative converts a native value of kind k into unit u.
func FromNative(k Kind, v float64, u Unit) (float64, error) {
	if u == None || u == k.NativeUnit() {
		return v, nil
	}
	if k == Field {
		switch u {
		case Tesla:
			return v / oerstedPerTesla, nil
		case Millitesla:
			return v / oerstedPerMillitesla, nil
		}
	}
	return 0, errors.Errorf("cannot express %s in %s", k, u)
}

// Quantity describes a controllable physical quantity of a device.
type Quantity struct {
	Name string
	Kind Kind
	Unit Unit
}

// New returns a quantity of the given kind using its native unit.
func New(name string, kind Kind) Quantity {
	return Quantity{Name: name, Kind: kind, Unit: kind.NativeUnit()}
}

// Format renders v with the quantity's unit.
func (q Quantity) Format(v float64) string {
	if q.Unit == None {
		return fmt.Sprintf("%g", v)
	}
	return fmt.Sprintf("%g %s", v, q.Unit)
}

func (q Quantity) String() string {
	return q.Name
}
