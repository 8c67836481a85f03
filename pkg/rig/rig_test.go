package rig

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryoscan/cryoscan/pkg/channel"
	"github.com/cryoscan/cryoscan/pkg/config"
	"github.com/cryoscan/cryoscan/pkg/control"
	"github.com/cryoscan/cryoscan/pkg/sequence"
)

func simConfig(t *testing.T) *config.Config {
	t.Helper()
	c, err := config.Load(filepath.Join("..", "..", "examples", "magnetotransport.yaml"))
	require.NoError(t, err)
	c.Simulate.Enabled = true
	c.Record.Path = filepath.Join(t.TempDir(), "out.dat")
	return c
}

func TestPlanFromExample(t *testing.T) {
	c := simConfig(t)
	r, err := Open(c)
	require.NoError(t, err)
	defer r.Close()
	require.NotNil(t, r.Sim)

	plan, err := r.Plan(c)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 8)

	w, ok := plan.Steps[0].(sequence.WriteStep)
	require.True(t, ok)
	assert.Equal(t, "frequency", w.Property)
	assert.Equal(t, "22.08", w.Value)

	sp, ok := plan.Steps[6].(sequence.SetpointStep)
	require.True(t, ok)
	assert.Same(t, r.Field, sp.Controller)
	assert.Equal(t, control.RampSpec{Target: 10000, Rate: 150, Mode: control.ModePersistent}, sp.Ramp)
	assert.True(t, sp.Wait)
	assert.Equal(t, 3, sp.Policy.RequiredStableSamples)

	cmd, ok := plan.Steps[7].(sequence.CommandStep)
	require.True(t, ok)
	assert.Equal(t, "auto_gain", cmd.Action)

	require.NotNil(t, plan.Scan)
	assert.Same(t, r.Temperature, plan.Scan.Spec.Controller)
	assert.Equal(t, 300.0, plan.Scan.Spec.End)
	assert.Equal(t, []string{"timestamp", "lockin.x", "lockin.y", "ppms.temperature"}, channel.Names(plan.Scan.Spec.Channels))
	assert.Equal(t, c.Record.Path, plan.Scan.Path)

	require.Len(t, plan.Shutdown, 1)
	require.NoError(t, plan.Shutdown[0].Fn(context.Background()))
	assert.Equal(t, []string{"SHUTDOWN"}, r.Sim.Commands())
}

func TestChannelsReadFromSimulators(t *testing.T) {
	c := simConfig(t)
	r, err := Open(c)
	require.NoError(t, err)
	plan, err := r.Plan(c)
	require.NoError(t, err)

	for _, ch := range plan.Scan.Spec.Channels {
		_, err := ch.Read(context.Background())
		assert.NoError(t, err, ch.Name())
	}
}

func TestPlanResolutionErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *config.Config)
	}{
		{"write to ppms", func(c *config.Config) {
			c.Steps = []config.StepConfig{{Set: "ppms.temperature", Value: "1"}}
		}},
		{"unknown setting", func(c *config.Config) {
			c.Steps = []config.StepConfig{{Set: "lockin.harmonic", Value: "2"}}
		}},
		{"unknown action", func(c *config.Config) {
			c.Steps = []config.StepConfig{{Command: "ppms.reboot"}}
		}},
		{"unknown channel property", func(c *config.Config) {
			c.Scan.Channels = []string{"timestamp", "lockin.z"}
		}},
		{"too many setpoints", func(c *config.Config) {
			start := 1.2
			c.Scan.Start = &start
			c.Scan.Step = 1e-12
		}},
		{"field in kelvin", func(c *config.Config) {
			c.Scan.Quantity = "field"
			c.Scan.Unit = "K"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := simConfig(t)
			tt.modify(c)
			r, err := Open(c)
			require.NoError(t, err)
			_, err = r.Plan(c)
			assert.Error(t, err)
			assert.Empty(t, r.Sim.Commands())
		})
	}
}

func TestScanUnitsConverted(t *testing.T) {
	c := simConfig(t)
	start := -1.0
	c.Scan = &config.ScanConfig{
		Quantity: "field",
		Start:    &start,
		End:      1,
		Unit:     "T",
		Rate:     6,
		RateUnit: "mT/min",
		Step:     0.5,
		Mode:     "persistent",
		Channels: []string{"timestamp", "ppms.field"},
	}
	r, err := Open(c)
	require.NoError(t, err)
	plan, err := r.Plan(c)
	require.NoError(t, err)

	spec := plan.Scan.Spec
	assert.Same(t, r.Field, spec.Controller)
	assert.Equal(t, -10000.0, *spec.Start)
	assert.Equal(t, 10000.0, spec.End)
	assert.Equal(t, 5000.0, spec.StepSize)
	assert.InDelta(t, 1.0, spec.Rate, 1e-12)
	assert.Equal(t, control.ModePersistent, spec.Mode)
}
