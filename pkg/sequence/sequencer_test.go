package sequence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryoscan/cryoscan/pkg/channel"
	"github.com/cryoscan/cryoscan/pkg/control"
	"github.com/cryoscan/cryoscan/pkg/events"
	"github.com/cryoscan/cryoscan/pkg/instrument"
	"github.com/cryoscan/cryoscan/pkg/quantity"
	"github.com/cryoscan/cryoscan/pkg/scan"
)

// rampDevice moves one step toward its target per status read and reports a
// fault from read faultAt on.
type rampDevice struct {
	mu      sync.Mutex
	value   float64
	target  float64
	step    float64
	polls   int
	faultAt int
	setErr  error
}

func (d *rampDevice) SetSetpoint(_ context.Context, target, _ float64, _ control.Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.setErr != nil {
		return d.setErr
	}
	d.target = target
	return nil
}

func (d *rampDevice) Status(context.Context) (control.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.polls++
	if d.faultAt > 0 && d.polls >= d.faultAt {
		return control.Status{Value: d.value, Fault: "quench"}, nil
	}
	switch {
	case d.value > d.target+d.step:
		d.value -= d.step
	case d.value < d.target-d.step:
		d.value += d.step
	default:
		d.value = d.target
	}
	return control.Status{Value: d.value, InMotion: d.value != d.target}, nil
}

func (d *rampDevice) Modes() []control.Mode { return []control.Mode{control.ModeSweep} }

type memSink struct {
	mu     sync.Mutex
	rows   int
	closed bool
}

func (m *memSink) WriteHeader([]string) error { return nil }

func (m *memSink) WriteRow([]channel.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows++
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type fakeWriter struct {
	err    error
	writes []string
}

func (w *fakeWriter) Write(_ context.Context, property, value string) error {
	if w.err != nil {
		return w.err
	}
	w.writes = append(w.writes, property+"="+value)
	return nil
}

func fastPolicy() control.StabilityPolicy {
	return control.StabilityPolicy{
		PollInterval:          time.Millisecond,
		Tolerance:             0.01,
		RequiredStableSamples: 2,
		Timeout:               5 * time.Second,
	}
}

// fixture is a plan of one property write, one setpoint and one sweep.
type fixture struct {
	dev       *rampDevice
	writer    *fakeWriter
	sink      *memSink
	shutdowns atomic.Int32
	plan      Plan
}

func newFixture(end float64) *fixture {
	f := &fixture{
		dev:    &rampDevice{value: 300, target: 300, step: 10},
		writer: &fakeWriter{},
		sink:   &memSink{},
	}
	ctrl := control.New(quantity.New("temperature", quantity.Temperature), f.dev)
	chs := []channel.Channel{
		channel.Clock("timestamp", nil),
		channel.New("temperature", func(context.Context) (channel.Value, error) {
			v, _ := ctrl.LastValue()
			return channel.Float(v), nil
		}),
	}
	f.plan = Plan{
		Steps: []Step{
			WriteStep{Device: "lockin", Target: f.writer, Property: "frequency", Value: "22.08"},
			SetpointStep{Controller: ctrl, Ramp: control.RampSpec{Target: 200, Rate: 20}, Policy: fastPolicy(), Wait: true},
		},
		Scan: &ScanStep{
			Spec:   scan.Spec{Controller: ctrl, End: end, Rate: 0.5, Channels: chs},
			Policy: fastPolicy(),
			Sink:   f.sink,
		},
		Shutdown: []ShutdownAction{{Name: "ppms", Fn: func(context.Context) error {
			f.shutdowns.Add(1)
			return nil
		}}},
	}
	return f
}

func TestRunCompletes(t *testing.T) {
	f := newFixture(100)
	hub := events.NewHub()
	sub := hub.Subscribe()
	s := New(hub, time.Second)

	require.NoError(t, s.Run(context.Background(), f.plan))

	assert.Equal(t, int32(1), f.shutdowns.Load())
	assert.Equal(t, []string{"frequency=22.08"}, f.writer.writes)
	assert.True(t, f.sink.closed)
	assert.Greater(t, f.sink.rows, 0)

	st := s.Status()
	assert.Equal(t, PhaseDone, st.Phase)
	assert.Equal(t, f.sink.rows, st.Rows)
	assert.NotEmpty(t, st.RunID)
	assert.False(t, st.CanAbort)

	var phases []string
	var reached bool
	for len(sub) > 0 {
		ev := <-sub
		switch ev.Name {
		case events.RunPhase:
			p, err := events.DecodeAs[events.PhaseEvent](ev)
			require.NoError(t, err)
			phases = append(phases, p.To)
		case events.SetpointReached:
			reached = true
		}
	}
	assert.Equal(t, []string{"Configure", "Setpoint", "Scan", "Shutdown", "Done"}, phases)
	assert.True(t, reached)
}

func TestRunShutsDownOnceOnFailure(t *testing.T) {
	boom := errors.New("bus timeout")
	tests := []struct {
		name   string
		inject func(f *fixture)
		is     error
	}{
		{"configure", func(f *fixture) { f.writer.err = boom }, ErrConfiguration},
		{"setpoint", func(f *fixture) { f.dev.setErr = boom }, control.ErrDevice},
		{"scan", func(f *fixture) {
			f.dev.faultAt = 40
			f.plan.Scan.Spec.End = -10000
		}, control.ErrControllerFault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(100)
			tt.inject(f)
			s := New(nil, time.Second)

			err := s.Run(context.Background(), f.plan)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.is)
			assert.Equal(t, int32(1), f.shutdowns.Load())
			assert.Equal(t, PhaseFailed, s.Status().Phase)
			assert.NotEmpty(t, s.Status().LastError)
		})
	}
}

func TestRunScanFaultKeepsRows(t *testing.T) {
	f := newFixture(-10000)
	f.dev.faultAt = 1000
	s := New(nil, time.Second)

	err := s.Run(context.Background(), f.plan)
	assert.ErrorIs(t, err, control.ErrControllerFault)
	assert.True(t, f.sink.closed)
	assert.Greater(t, f.sink.rows, 0)
	assert.Equal(t, f.sink.rows, s.Status().Rows)
	assert.Equal(t, int32(1), f.shutdowns.Load())
}

func TestShutdownErrorDoesNotMaskRunError(t *testing.T) {
	f := newFixture(100)
	f.writer.err = errors.New("rejected")
	f.plan.Shutdown = append(f.plan.Shutdown, ShutdownAction{Name: "lockin", Fn: func(context.Context) error {
		return errors.New("no answer")
	}})
	s := New(nil, time.Second)

	err := s.Run(context.Background(), f.plan)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.NotContains(t, err.Error(), "no answer")
	assert.Equal(t, int32(1), f.shutdowns.Load())
}

func TestShutdownErrorReportedWhenRunSucceeds(t *testing.T) {
	f := newFixture(100)
	f.plan.Shutdown = append([]ShutdownAction{{Name: "lockin", Fn: func(context.Context) error {
		return errors.New("no answer")
	}}}, f.plan.Shutdown...)
	s := New(nil, time.Second)

	err := s.Run(context.Background(), f.plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lockin")
	// Later actions still run after one fails.
	assert.Equal(t, int32(1), f.shutdowns.Load())
	assert.Equal(t, PhaseFailed, s.Status().Phase)
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(-10000)
	var shutdownCtxErr error
	f.plan.Shutdown = []ShutdownAction{{Name: "ppms", Fn: func(ctx context.Context) error {
		shutdownCtxErr = ctx.Err()
		f.shutdowns.Add(1)
		return nil
	}}}
	s := New(nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return s.Status().Phase == PhaseScan }, 5*time.Second, time.Millisecond)
		cancel()
	}()

	err := s.Run(ctx, f.plan)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, shutdownCtxErr)
	assert.Equal(t, int32(1), f.shutdowns.Load())
	assert.Equal(t, PhaseAborted, s.Status().Phase)
	assert.True(t, f.sink.closed)
}

func TestAbort(t *testing.T) {
	f := newFixture(-10000)
	s := New(nil, time.Second)
	assert.False(t, s.Abort())

	go func() {
		assert.Eventually(t, func() bool { return s.Status().Phase == PhaseScan }, 5*time.Second, time.Millisecond)
		assert.True(t, s.Status().CanAbort)
		assert.True(t, s.Abort())
	}()

	err := s.Run(context.Background(), f.plan)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, PhaseAborted, s.Status().Phase)
	assert.Equal(t, int32(1), f.shutdowns.Load())
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	f := newFixture(-10000)
	s := New(nil, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() { done <- s.Run(ctx, f.plan) }()
	require.Eventually(t, func() bool { return s.Status().Phase == PhaseScan }, 5*time.Second, time.Millisecond)

	assert.Error(t, s.Run(context.Background(), newFixture(100).plan))
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// TestSimulatedMagnetotransport runs the full cooldown and field ramp against
// the instrument simulators, sped up so the run takes well under a second.
func TestSimulatedMagnetotransport(t *testing.T) {
	ppmsSim := instrument.NewSimPPMS(300, 100000)
	ppmsSim.SwitchTime = 0
	ppms := instrument.NewPPMS("ppms", ppmsSim)
	lockin := instrument.NewSR830("lockin", instrument.NewSimLockIn(ppmsSim.Temperature))
	lockin.PollInterval = time.Millisecond

	temp := control.New(quantity.New("temperature", quantity.Temperature), ppms.Temperature())
	field := control.New(quantity.New("field", quantity.Field), ppms.Field())

	x, err := channel.Property("lockin.x", lockin, "x")
	require.NoError(t, err)
	y, err := channel.Property("lockin.y", lockin, "y")
	require.NoError(t, err)
	tc, err := channel.Property("ppms.temperature", ppms, "temperature")
	require.NoError(t, err)

	policy := control.StabilityPolicy{
		PollInterval:          time.Millisecond,
		Tolerance:             0.01,
		RequiredStableSamples: 3,
		Timeout:               10 * time.Second,
	}
	path := filepath.Join(t.TempDir(), "1.2K-300K_1T.dat")
	plan := Plan{
		Steps: []Step{
			WriteStep{Device: "lockin", Target: lockin, Property: "frequency", Value: "22.08"},
			WriteStep{Device: "lockin", Target: lockin, Property: "amplitude", Value: "5.0"},
			WriteStep{Device: "lockin", Target: lockin, Property: "reserve", Value: "low"},
			WriteStep{Device: "lockin", Target: lockin, Property: "time_constant", Value: "3"},
			SetpointStep{Controller: temp, Ramp: control.RampSpec{Target: 10, Rate: 20}, Policy: policy, Wait: true},
			SetpointStep{Controller: temp, Ramp: control.RampSpec{Target: 1.2, Rate: 0.5}, Policy: policy, Wait: true},
			SetpointStep{Controller: field, Ramp: control.RampSpec{Target: 10000, Rate: 150, Mode: control.ModePersistent}, Policy: policy, Wait: true},
			CommandStep{Device: "lockin", Target: lockin, Action: "auto_gain"},
		},
		Scan: &ScanStep{
			Spec: scan.Spec{
				Controller: temp,
				End:        300,
				Rate:       0.5,
				Channels:   []channel.Channel{channel.Clock("timestamp", nil), x, y, tc},
			},
			Policy: policy,
			Path:   path,
		},
		Shutdown: []ShutdownAction{{Name: "ppms", Fn: ppms.Shutdown}},
	}

	s := New(nil, time.Second)
	require.NoError(t, s.Run(context.Background(), plan))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	assert.Equal(t, "timestamp\tlockin.x\tlockin.y\tppms.temperature", lines[0])
	assert.Greater(t, len(lines), 2)
	fields := strings.Split(lines[len(lines)-1], "\t")
	last, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	require.NoError(t, err)
	assert.InDelta(t, 300, last, 5)

	cmds := ppmsSim.Commands()
	assert.Equal(t, "SHUTDOWN", cmds[len(cmds)-1])
	assert.Equal(t, path, s.Status().RecordPath)
}
