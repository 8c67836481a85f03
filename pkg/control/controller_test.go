package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryoscan/cryoscan/pkg/quantity"
)

type setCall struct {
	target, rate float64
	mode         Mode
}

// fakeDevice replays a scripted list of statuses. Once the script runs out
// it keeps returning the final entry.
type fakeDevice struct {
	mu       sync.Mutex
	script   []Status
	polls    int
	sets     []setCall
	modes    []Mode
	setErr   error
	statErr  error
	setBlock chan struct{}
}

func (f *fakeDevice) SetSetpoint(ctx context.Context, target, rate float64, mode Mode) error {
	if f.setBlock != nil {
		select {
		case <-f.setBlock:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets = append(f.sets, setCall{target, rate, mode})
	return f.setErr
}

func (f *fakeDevice) Status(context.Context) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statErr != nil {
		return Status{}, f.statErr
	}
	i := f.polls
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.polls++
	return f.script[i], nil
}

func (f *fakeDevice) Modes() []Mode {
	if f.modes == nil {
		return []Mode{ModeSweep, ModeHold}
	}
	return f.modes
}

func values(vs ...float64) []Status {
	out := make([]Status, 0, len(vs))
	for _, v := range vs {
		out = append(out, Status{Value: v})
	}
	return out
}

func fastPolicy() StabilityPolicy {
	return StabilityPolicy{
		PollInterval:          time.Millisecond,
		Tolerance:             0.1,
		RequiredStableSamples: 3,
		Timeout:               time.Second,
	}
}

func temperature() quantity.Quantity { return quantity.New("temperature", quantity.Temperature) }

func TestSetRejectsInvalidRamp(t *testing.T) {
	tests := []struct {
		name   string
		ramp   RampSpec
		policy StabilityPolicy
	}{
		{"zero rate", RampSpec{Target: 10, Rate: 0}, fastPolicy()},
		{"negative rate", RampSpec{Target: 10, Rate: -1}, fastPolicy()},
		{"unsupported mode", RampSpec{Target: 10, Rate: 1, Mode: ModePersistent}, fastPolicy()},
		{"zero stable samples", RampSpec{Target: 10, Rate: 1}, StabilityPolicy{PollInterval: time.Millisecond, RequiredStableSamples: 0}},
		{"zero poll interval", RampSpec{Target: 10, Rate: 1}, StabilityPolicy{RequiredStableSamples: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &fakeDevice{script: values(10)}
			c := New(temperature(), dev)

			err := c.Set(context.Background(), tt.ramp, tt.policy, true)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRamp)
			assert.Empty(t, dev.sets, "no setpoint may be written")
			assert.Zero(t, dev.polls)
		})
	}
}

func TestSetRequiresConsecutiveSamples(t *testing.T) {
	// In tolerance twice, out once, then in tolerance three times.
	dev := &fakeDevice{script: values(9.95, 10.02, 10.5, 10.01, 9.99, 10.0, 12)}
	c := New(temperature(), dev)

	err := c.Set(context.Background(), RampSpec{Target: 10, Rate: 2}, fastPolicy(), true)
	require.NoError(t, err)
	assert.Equal(t, 6, dev.polls)
	assert.Equal(t, []setCall{{10, 2, ModeSweep}}, dev.sets)

	last, ok := c.LastValue()
	require.True(t, ok)
	assert.Equal(t, 10.0, last)
	target, ok := c.Target()
	require.True(t, ok)
	assert.Equal(t, 10.0, target)
}

func TestSetTimeoutCarriesLastValue(t *testing.T) {
	dev := &fakeDevice{script: values(20, 15, 12.5)}
	c := New(temperature(), dev)
	policy := fastPolicy()
	policy.Timeout = 20 * time.Millisecond

	err := c.Set(context.Background(), RampSpec{Target: 10, Rate: 2}, policy, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStabilityTimeout)

	var te *StabilityTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 12.5, te.Last)
	assert.Equal(t, 10.0, te.Target)
	assert.GreaterOrEqual(t, te.Elapsed, policy.Timeout)
}

func TestSetNoWait(t *testing.T) {
	dev := &fakeDevice{script: values(300)}
	c := New(temperature(), dev)

	require.NoError(t, c.Set(context.Background(), RampSpec{Target: 10, Rate: 2}, StabilityPolicy{}, false))
	assert.Len(t, dev.sets, 1)
	assert.Zero(t, dev.polls)
}

func TestSetHold(t *testing.T) {
	dev := &fakeDevice{script: values(10)}
	c := New(temperature(), dev)

	require.NoError(t, c.Set(context.Background(), RampSpec{Target: 10, Rate: 1, Mode: ModeHold}, fastPolicy(), true))
	assert.Empty(t, dev.sets)
	assert.Equal(t, 3, dev.polls)

	require.NoError(t, c.Set(context.Background(), RampSpec{Target: 10, Rate: 1, Mode: ModeHold}, StabilityPolicy{}, false))
	assert.Equal(t, 4, dev.polls)
}

func TestSetPersistentWaitsForMotionToStop(t *testing.T) {
	script := []Status{
		{Value: 1000, InMotion: true},
		{Value: 1000, InMotion: true},
		{Value: 1000, InMotion: true},
		{Value: 1000},
		{Value: 1000, Persistent: true},
		{Value: 1000, Persistent: true},
		{Value: 1000, Persistent: true},
	}
	dev := &fakeDevice{script: script, modes: []Mode{ModeSweep, ModePersistent}}
	c := New(quantity.New("field", quantity.Field), dev)

	err := c.Set(context.Background(), RampSpec{Target: 1000, Rate: 10, Mode: ModePersistent}, fastPolicy(), true)
	require.NoError(t, err)
	assert.Equal(t, 7, dev.polls)
}

func TestSetPersistentTimesOutWhileDriven(t *testing.T) {
	// At target and not moving, but the switch never closes.
	dev := &fakeDevice{script: []Status{{Value: 1000}}, modes: []Mode{ModeSweep, ModePersistent}}
	c := New(quantity.New("field", quantity.Field), dev)

	policy := fastPolicy()
	policy.Timeout = 20 * time.Millisecond
	err := c.Set(context.Background(), RampSpec{Target: 1000, Rate: 10, Mode: ModePersistent}, policy, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStabilityTimeout)

	var te *StabilityTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 1000.0, te.Last)

	// The same readings are stable in sweep mode.
	dev = &fakeDevice{script: []Status{{Value: 1000}}, modes: []Mode{ModeSweep, ModePersistent}}
	c = New(quantity.New("field", quantity.Field), dev)
	require.NoError(t, c.Set(context.Background(), RampSpec{Target: 1000, Rate: 10, Mode: ModeSweep}, policy, true))
}

func TestSetFault(t *testing.T) {
	dev := &fakeDevice{script: []Status{{Value: 50}, {Value: 48, Fault: "quench"}}}
	c := New(temperature(), dev)

	err := c.Set(context.Background(), RampSpec{Target: 10, Rate: 2}, fastPolicy(), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrControllerFault)

	var fe *FaultError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, Fault("quench"), fe.Fault)
	assert.Equal(t, 48.0, fe.Value)
}

func TestSetDeviceErrors(t *testing.T) {
	boom := errors.New("serial timeout")

	dev := &fakeDevice{script: values(10), setErr: boom}
	err := New(temperature(), dev).Set(context.Background(), RampSpec{Target: 10, Rate: 2}, fastPolicy(), true)
	assert.ErrorIs(t, err, ErrDevice)
	assert.ErrorIs(t, err, boom)

	dev = &fakeDevice{script: values(10), statErr: boom}
	err = New(temperature(), dev).Set(context.Background(), RampSpec{Target: 10, Rate: 2}, fastPolicy(), true)
	assert.ErrorIs(t, err, ErrDevice)
}

func TestSetCancelled(t *testing.T) {
	dev := &fakeDevice{script: values(300)}
	c := New(temperature(), dev)
	policy := fastPolicy()
	policy.Timeout = 0

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Set(ctx, RampSpec{Target: 10, Rate: 2}, policy, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSetBusy(t *testing.T) {
	dev := &fakeDevice{script: values(10), setBlock: make(chan struct{})}
	c := New(temperature(), dev)

	done := make(chan error, 1)
	go func() {
		done <- c.Set(context.Background(), RampSpec{Target: 10, Rate: 2}, fastPolicy(), true)
	}()

	// Wait until the first Set holds the lock.
	require.Eventually(t, func() bool {
		if c.setMu.TryLock() {
			c.setMu.Unlock()
			return false
		}
		return true
	}, time.Second, time.Millisecond)

	err := c.Set(context.Background(), RampSpec{Target: 20, Rate: 2}, fastPolicy(), true)
	assert.ErrorIs(t, err, ErrControllerBusy)

	close(dev.setBlock)
	require.NoError(t, <-done)
	assert.Equal(t, []setCall{{10, 2, ModeSweep}}, dev.sets)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeSweep, false},
		{"Sweep", ModeSweep, false},
		{"driven", ModeSweep, false},
		{"persistent", ModePersistent, false},
		{" hold ", ModeHold, false},
		{"linear", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestSetTenKelvin(t *testing.T) {
	// Cooling toward 10 K: approach, overshoot, then settle within 9.95-10.05 K.
	dev := &fakeDevice{script: values(14.2, 11.8, 10.4, 10.03, 9.91, 9.97, 10.02, 10.04, 10.2)}
	c := New(temperature(), dev)
	policy := StabilityPolicy{
		PollInterval:          time.Millisecond,
		Tolerance:             0.05,
		RequiredStableSamples: 3,
	}

	require.NoError(t, c.Set(context.Background(), RampSpec{Target: 10, Rate: 20, Mode: ModeSweep}, policy, true))
	assert.Equal(t, 8, dev.polls)
	last, _ := c.LastValue()
	assert.Equal(t, 10.04, last)
}
