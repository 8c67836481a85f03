package channel

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Channel is a named, read-only scalar accessor bound to one instrument
// property. Read may block on device I/O.
type Channel interface {
	Name() string
	Read(ctx context.Context) (Value, error)
}

// PropertyReader reads named scalar properties from a device.
type PropertyReader interface {
	Read(ctx context.Context, property string) (float64, error)
}

// PropertyWriter writes named properties to a device. Values are passed in
// their textual form; the device binding decides how to encode them.
type PropertyWriter interface {
	Write(ctx context.Context, property string, value string) error
}

// Describer lists the properties a device binding can serve. It lets bindings
// be checked once, when a run is configured, instead of on the first read.
type Describer interface {
	Properties() []string
}

// Kind tells which field of a Value is set.
type Kind int

const (
	KindFloat Kind = iota
	KindTime
)

// Value is a single channel reading: either a float or a timestamp.
type Value struct {
	kind Kind
	f    float64
	t    time.Time
}

// Float wraps a numeric reading.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Timestamp wraps a time reading.
func Timestamp(t time.Time) Value { return Value{kind: KindTime, t: t} }

func (v Value) Kind() Kind { return v.kind }

// Float returns the numeric reading, and false if v holds a timestamp.
func (v Value) Float() (float64, bool) { return v.f, v.kind == KindFloat }

// Time returns the timestamp reading, and false if v holds a number.
func (v Value) Time() (time.Time, bool) { return v.t, v.kind == KindTime }

// Format renders the value using prec significant digits for floats (-1 for
// the shortest exact form) and layout for timestamps.
func (v Value) Format(prec int, layout string) string {
	if v.kind == KindTime {
		return v.t.Format(layout)
	}
	return strconv.FormatFloat(v.f, 'g', prec, 64)
}

func (v Value) String() string {
	return v.Format(-1, time.RFC3339Nano)
}

// ReadFunc is the signature of a channel's read operation.
type ReadFunc func(ctx context.Context) (Value, error)

type funcChannel struct {
	name string
	read ReadFunc
}

// New returns a channel backed by an arbitrary read function.
func New(name string, read ReadFunc) Channel {
	return &funcChannel{name: name, read: read}
}

func (c *funcChannel) Name() string { return c.name }

func (c *funcChannel) Read(ctx context.Context) (Value, error) {
	v, err := c.read(ctx)
	if err != nil {
		return Value{}, &ReadError{Channel: c.name, Err: err}
	}
	return v, nil
}

// Clock returns a timestamp channel. A nil now uses time.Now.
func Clock(name string, now func() time.Time) Channel {
	if now == nil {
		now = time.Now
	}
	return New(name, func(context.Context) (Value, error) {
		return Timestamp(now()), nil
	})
}

type propertyChannel struct {
	name     string
	property string
	dev      PropertyReader
}

// Property binds a channel to one property of a device. If the device
// implements Describer the property must be one it lists.
func Property(name string, dev PropertyReader, property string) (Channel, error) {
	if dev == nil {
		return nil, pkgerrors.Errorf("channel %s: no device bound", name)
	}
	if d, ok := dev.(Describer); ok && !slices.Contains(d.Properties(), property) {
		return nil, pkgerrors.Errorf("channel %s: device has no readable property %q (has %v)", name, property, d.Properties())
	}
	return &propertyChannel{name: name, property: property, dev: dev}, nil
}

func (c *propertyChannel) Name() string { return c.name }

func (c *propertyChannel) Read(ctx context.Context) (Value, error) {
	f, err := c.dev.Read(ctx, c.property)
	if err != nil {
		return Value{}, &ReadError{Channel: c.name, Err: err}
	}

	logrus.WithFields(logrus.Fields{
		"channel":  c.name,
		"property": c.property,
		"val":      f,
	}).Trace("channel read")

	return Float(f), nil
}

// Names returns the names of the given channels, in order.
func Names(chs []Channel) []string {
	names := make([]string, 0, len(chs))
	for _, ch := range chs {
		names = append(names, ch.Name())
	}
	return names
}

// CheckUnique fails if two channels share a name, since names become the
// record's column headers.
func CheckUnique(chs []Channel) error {
	seen := make(map[string]struct{}, len(chs))
	for _, ch := range chs {
		if _, ok := seen[ch.Name()]; ok {
			return fmt.Errorf("duplicate channel %q", ch.Name())
		}
		seen[ch.Name()] = struct{}{}
	}
	return nil
}
